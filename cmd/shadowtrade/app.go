package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/shadowtrade/internal/config"
	"github.com/gregtusar/shadowtrade/pkg/custody"
	"github.com/gregtusar/shadowtrade/pkg/fanout"
	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/ledger/memory"
	"github.com/gregtusar/shadowtrade/pkg/ledger/postgres"
	"github.com/gregtusar/shadowtrade/pkg/lock"
	"github.com/gregtusar/shadowtrade/pkg/observability"
	"github.com/gregtusar/shadowtrade/pkg/secrets"
	"github.com/gregtusar/shadowtrade/pkg/venue"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	store   ledger.Store
	vault   *custody.Vault
	venue   venue.Venue
	orch    *fanout.Orchestrator
	metrics *observability.Metrics
	feed    *venue.ConfirmationFeed
	closers []func()
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
	}
	return logger, nil
}

func newStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	if cfg.Database.Driver != "postgres" {
		return memory.NewStore(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func newSecretStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (secrets.Store, error) {
	if cfg.Custody.KeyBackend != "gcp" {
		return secrets.NewMemoryStore(), nil
	}
	return secrets.NewGCPSecretManager(ctx, cfg.GCP.ProjectID, logger,
		secrets.ClientOptions(cfg.GCP.CredentialsFile, cfg.GCP.Endpoint)...)
}

func newVault(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*custody.Vault, secrets.Store, error) {
	store, err := newSecretStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	masterKey := cfg.Custody.MasterKey
	if masterKey == "" {
		if cfg.Custody.KeyBackend == "gcp" {
			store.Close()
			return nil, nil, fmt.Errorf("custody.master_key is required with the gcp key backend")
		}
		// In-memory keys do not outlive the process, so neither does this key.
		masterKey, err = custody.GenerateMasterKey()
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		logger.Warn("No custody master key configured, using an ephemeral one")
	}

	vault, err := custody.NewVault(store, masterKey, cfg.GCP.SecretNames.FollowerKeyPrefix, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return vault, store, nil
}

func newVenue(ctx context.Context, cfg config.VenueConfig, logger *logrus.Logger) (venue.Venue, *venue.ConfirmationFeed, error) {
	if cfg.Mode == "paper" {
		logger.Info("Using paper venue")
		return venue.NewPaper(venue.PaperConfig{
			Prices:       cfg.Paper.Prices,
			MaxTradeSize: cfg.Paper.MaxTradeSize,
			FeeBps:       cfg.Paper.FeeBps,
		}, logger), nil, nil
	}

	auth, err := venue.NewAuthenticator(venue.AuthConfig{
		Type:          venue.AuthType(cfg.AuthType),
		APIKey:        cfg.APIKey,
		APISecret:     cfg.APISecret,
		Passphrase:    cfg.Passphrase,
		APIKeyName:    cfg.APIKeyName,
		PrivateKeyPEM: cfg.PrivateKeyPEM,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("venue auth: %w", err)
	}

	var feed *venue.ConfirmationFeed
	if cfg.WebSocket.URL != "" {
		feed = venue.NewConfirmationFeed(cfg.WebSocket.URL, cfg.WebSocket.ReconnectDelay, cfg.WebSocket.MaxReconnects, logger)
		if err := feed.Connect(ctx); err != nil {
			// The client polls while the feed is down.
			logger.WithError(err).Warn("Venue confirmation feed unavailable, falling back to polling")
		}
	}

	client := venue.NewHTTPClient(venue.ClientConfig{
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
		RateLimit:      cfg.RateLimit,
		Burst:          cfg.Burst,
		PollInterval:   cfg.PollInterval,
	}, auth, feed, logger)
	return client, feed, nil
}

func newLocker(cfg *config.Config, logger *logrus.Logger) (lock.Locker, func(), error) {
	if cfg.Lock.Backend != "redis" {
		return lock.NewMemory(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	locker := lock.NewRedis(client, lock.RedisConfig{
		Prefix:     cfg.Lock.Prefix,
		TTL:        cfg.Lock.TTL,
		RetryDelay: cfg.Lock.RetryDelay,
	}, logger)
	return locker, func() { client.Close() }, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	vault, secretStore, err := newVault(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.vault = vault
	a.closers = append(a.closers, func() { secretStore.Close() })

	v, feed, err := newVenue(ctx, cfg.Venue, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.venue, a.feed = v, feed
	if feed != nil {
		a.closers = append(a.closers, func() { feed.Close() })
	}

	locker, closeLocker, err := newLocker(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeLocker)

	a.metrics = observability.NewMetrics(cfg.Metrics.Namespace, prometheus.NewRegistry())
	a.orch = fanout.New(store, v, vault, locker, a.metrics, logger, fanout.Options{
		Workers:       cfg.Fanout.Workers,
		VenueTimeout:  cfg.Fanout.VenueTimeout,
		LedgerRetries: cfg.Fanout.LedgerRetries,
		RetryDelay:    cfg.Fanout.RetryDelay,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
