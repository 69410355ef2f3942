package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

// operatorAuth checks HS256 bearer tokens whose subject is the operator id.
// A nil *operatorAuth lets everything through.
type operatorAuth struct {
	secret []byte
}

func newOperatorAuth(secret string) *operatorAuth {
	if secret == "" {
		return nil
	}
	return &operatorAuth{secret: []byte(secret)}
}

func (a *operatorAuth) authorize(r *http.Request, operatorID string) error {
	if a == nil {
		return nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return fmt.Errorf("%w: token has no subject", errUnauthorized)
	}
	if sub != operatorID {
		return fmt.Errorf("%w: token is not valid for operator %s", errForbidden, operatorID)
	}
	return nil
}
