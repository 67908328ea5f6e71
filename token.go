package authchain

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrCompletionTokenInvalid is returned by ParseCompletionToken for tokens
// that fail signature, expiry, or claim checks.
var ErrCompletionTokenInvalid = errors.New("invalid completion token")

// CompletionClaims is what a verified completion token attests: the user
// who satisfied the chain and the run that satisfied it.
type CompletionClaims struct {
	UserID string
	RunID  string
}

type completionIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func newCompletionIssuer(cfg CompletionConfig) *completionIssuer {
	return &completionIssuer{secret: cfg.Secret, ttl: cfg.TTL, issuer: cfg.Issuer}
}

func (i *completionIssuer) Issue(user User, runID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   user.ID,
		ID:        runID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ParseCompletionToken verifies a completion token issued with secret. The
// surrounding session layer calls this before finalizing login or elevation.
func ParseCompletionToken(secret []byte, token string) (CompletionClaims, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrCompletionTokenInvalid
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return CompletionClaims{}, ErrCompletionTokenInvalid
	}
	if claims.Subject == "" || claims.ID == "" {
		return CompletionClaims{}, ErrCompletionTokenInvalid
	}
	return CompletionClaims{UserID: claims.Subject, RunID: claims.ID}, nil
}
