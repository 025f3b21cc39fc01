// Package token verifies pre-issued session tokens presented during the
// websocket handshake. Verification is a pure signature and expiry check so
// connection admission never touches the database.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/hexgame/gateway/internal/platform/errors"
)

// Identity is the authenticated identity carried by a session token.
type Identity struct {
	UserID   string
	Username string
}

// Verifier validates HMAC-signed session tokens issued by the game backend.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// NewVerifier builds a Verifier for the given shared signing secret.
func NewVerifier(secret string, now func() time.Time) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), now: now}, nil
}

// Verify checks the token signature and expiry and extracts the identity.
//
// An empty token maps to AUTH_MISSING so the transport can distinguish an
// absent credential from a rejected one.
func (v *Verifier) Verify(raw string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, errors.New("token verifier is not configured")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, apperrors.New(apperrors.CodeAuthMissing, "authentication token is required")
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	userID := strings.TrimSpace(parsed.UserID)
	if userID == "" {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalid, "session token has no user id")
	}

	return Identity{
		UserID:   userID,
		Username: strings.TrimSpace(parsed.Username),
	}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeAuthInvalid, "session token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeAuthInvalid, "session token is expired", err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeAuthInvalid, "session token alg is invalid", err)
	default:
		return apperrors.Wrap(apperrors.CodeAuthInvalid, "session token is invalid", err)
	}
}
