// Package auth provides password hashing and bearer-token issue/verify.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	t "github.com/onionchat/onionchat/server/store/types"
)

// Defaults applied when the config leaves them unset.
const (
	DefaultBcryptCost    = 12
	DefaultTokenLifetime = 86400 * time.Second
)

// Token verification failures. Callers map all of them to a plain 401
// without enumerating the cause to the client.
var (
	ErrExpired      = errors.New("auth: token expired")
	ErrMalformed    = errors.New("auth: malformed token")
	ErrBadSignature = errors.New("auth: invalid signature")
)

// Authenticator hashes passwords and signs bearer tokens.
type Authenticator struct {
	secret   []byte
	lifetime time.Duration
	cost     int
}

// New returns an Authenticator. Zero lifetime or cost fall back to the
// defaults.
func New(secret string, lifetime time.Duration, cost int) *Authenticator {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	if cost <= 0 {
		cost = DefaultBcryptCost
	}
	return &Authenticator{secret: []byte(secret), lifetime: lifetime, cost: cost}
}

// Hash produces a self-describing bcrypt hash of the password. The cost is
// embedded in the hash string, so verification needs no external state.
func (a *Authenticator) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether the password matches the stored hash.
func (a *Authenticator) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Issue signs a bearer token for the user with claims {sub, iat, exp}.
func (a *Authenticator) Issue(user t.Uid) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.lifetime)),
		},
	})
	return token.SignedString(a.secret)
}

// Decode validates the token and returns the user id from the subject
// claim. Expired tokens and bad signatures are rejected.
func (a *Authenticator) Decode(tokenString string) (t.Uid, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSignature
		}
		return a.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return t.ZeroUid, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return t.ZeroUid, ErrBadSignature
		default:
			return t.ZeroUid, ErrMalformed
		}
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return t.ZeroUid, ErrMalformed
	}
	uid, err := t.ParseUid(c.Subject)
	if err != nil {
		return t.ZeroUid, ErrMalformed
	}
	return uid, nil
}

// Lifetime returns the configured token lifetime.
func (a *Authenticator) Lifetime() time.Duration {
	return a.lifetime
}
