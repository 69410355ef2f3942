package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// Compile-time interface check.
var _ Store = (*GCPSecretManager)(nil)

func NewGCPSecretManager(ctx context.Context, projectID string, logger *logrus.Logger, opts ...option.ClientOption) (*GCPSecretManager, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

// ClientOptions builds client options from an optional credentials file and
// endpoint override.
func ClientOptions(credentialsFile, endpoint string) []option.ClientOption {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", accessError(secretName, err)
	}

	return string(result.Payload.Data), nil
}

// accessError maps a Secret Manager NotFound status onto ErrSecretNotFound.
func accessError(secretName string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, secretName)
	}
	return fmt.Errorf("failed to access secret %s: %w", secretName, err)
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

// PutSecret creates the secret if needed and adds value as its newest version.
func (g *GCPSecretManager) PutSecret(ctx context.Context, secretName, value string) error {
	_, err := g.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", g.projectID),
		SecretId: secretName,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
			Labels: map[string]string{"app": "shadowtrade"},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create secret %s: %w", secretName, err)
	}

	_, err = g.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  fmt.Sprintf("projects/%s/secrets/%s", g.projectID, secretName),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	})
	if err != nil {
		return fmt.Errorf("failed to add version to secret %s: %w", secretName, err)
	}

	g.logger.WithField("secret", secretName).Info("Stored secret version")
	return nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// IsNotFound reports whether err means the secret does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSecretNotFound)
}
