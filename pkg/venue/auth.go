package venue

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeLegacy AuthType = "legacy"
	AuthTypeJWT    AuthType = "jwt"
)

// Authenticator adds gateway credentials to a request.
type Authenticator interface {
	AddAuthHeaders(req *http.Request, method, path, body string) error
}

type AuthConfig struct {
	Type          AuthType
	APIKey        string
	APISecret     string
	Passphrase    string
	APIKeyName    string
	PrivateKeyPEM string
}

// NewAuthenticator picks the authenticator for cfg.Type.
func NewAuthenticator(cfg AuthConfig) (Authenticator, error) {
	switch cfg.Type {
	case AuthTypeLegacy:
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, fmt.Errorf("legacy auth requires api key and secret")
		}
		return NewLegacyAuthenticator(cfg.APIKey, cfg.APISecret, cfg.Passphrase), nil
	case AuthTypeJWT:
		return NewJWTAuthenticator(cfg.APIKeyName, cfg.PrivateKeyPEM)
	case AuthTypeNone, "":
		return noAuth{}, nil
	}
	return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
}

type noAuth struct{}

func (noAuth) AddAuthHeaders(*http.Request, string, string, string) error { return nil }

// LegacyAuthenticator signs requests with an HMAC over timestamp, method, path and body.
type LegacyAuthenticator struct {
	apiKey     string
	apiSecret  string
	passphrase string
	now        func() time.Time
}

func NewLegacyAuthenticator(apiKey, apiSecret, passphrase string) *LegacyAuthenticator {
	return &LegacyAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		now:        time.Now,
	}
}

func (l *LegacyAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	timestamp := strconv.FormatInt(l.now().Unix(), 10)
	signature := l.sign(method, path, body, timestamp)

	req.Header.Set("VENUE-ACCESS-KEY", l.apiKey)
	req.Header.Set("VENUE-ACCESS-SIGN", signature)
	req.Header.Set("VENUE-ACCESS-TIMESTAMP", timestamp)
	if l.passphrase != "" {
		req.Header.Set("VENUE-ACCESS-PASSPHRASE", l.passphrase)
	}
	return nil
}

func (l *LegacyAuthenticator) sign(method, path, body, timestamp string) string {
	return computeHMAC(timestamp+method+path+body, l.apiSecret)
}

func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// JWTAuthenticator issues a short-lived ES256 token per request.
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	if apiKeyName == "" {
		return nil, fmt.Errorf("jwt auth requires an api key name")
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	token, err := j.generateJWT(method, req.URL.Host, path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) generateJWT(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   j.apiKeyName,
		"iss":   "shadowtrade",
		"nbf":   now.Unix(),
		"exp":   now.Add(2 * time.Minute).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
