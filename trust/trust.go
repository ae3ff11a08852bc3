// Package trust issues the delegation tokens stored on a plan and
// exchanges them back for a request context when a trigger fires.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"keel/apperr"
	"keel/model"
)

const issuer = "keel"

type claims struct {
	jwt.RegisteredClaims
	ProjectID string `json:"project_id"`
	Username  string `json:"username,omitempty"`
}

// Issuer signs and verifies trust tokens with a shared HMAC key.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewIssuer(key string, ttl time.Duration) (*Issuer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("trust key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	return &Issuer{key: []byte(key), ttl: ttl, now: time.Now}, nil
}

// Issue delegates rc to the holder of the returned token.
func (i *Issuer) Issue(rc model.RequestContext) (string, error) {
	now := i.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Subject:   rc.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		ProjectID: rc.ProjectID,
		Username:  rc.Username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign trust: %w", err)
	}
	return signed, nil
}

// Exchange validates trustID and returns the delegated context. The
// context's AuthToken is the trust token itself.
func (i *Issuer) Exchange(_ context.Context, trustID string) (model.RequestContext, error) {
	if trustID == "" {
		return model.RequestContext{}, apperr.New(apperr.CodeUnauthorized, "plan has no trust")
	}
	var c claims
	_, err := jwt.ParseWithClaims(trustID, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(i.now))
	if err != nil {
		reason := "invalid trust"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "trust expired"
		}
		return model.RequestContext{}, apperr.Wrap(apperr.CodeUnauthorized, err, "%s", reason)
	}
	return model.RequestContext{
		ProjectID: c.ProjectID,
		UserID:    c.Subject,
		Username:  c.Username,
		AuthToken: trustID,
	}, nil
}
