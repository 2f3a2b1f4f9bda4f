// Package authkey implements the gateway's auth model: a single shared
// secret (compared at rest via bcrypt, never logged or echoed) protects
// the HTTP and WebSocket surface, and a signed JWT resume token lets a
// reconnecting client recover its prior connection id without the gateway
// persisting any session state.
package authkey

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidKey = errors.New("authkey: invalid api key")

// HashKey returns a bcrypt hash of the shared secret (APP_API_KEY),
// computed once at process startup so the plaintext key isn't retained.
func HashKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckKey compares a caller-supplied key against the configured hash in
// constant time. A config with no hash set rejects every key.
func CheckKey(hash, key string) error {
	if hash == "" {
		return ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// resumeClaims binds a resume token to exactly one connection id.
type resumeClaims struct {
	CID string `json:"cid"`
	jwt.RegisteredClaims
}

// IssueResumeToken signs a token that lets the holder reclaim cid on a
// future /ws/register call, valid for ttl.
func IssueResumeToken(secret []byte, cid string, ttl time.Duration) (string, error) {
	claims := resumeClaims{
		CID: cid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

// ParseResumeToken validates a resume token and returns the cid it was
// issued for.
func ParseResumeToken(secret []byte, raw string) (string, error) {
	tok, err := jwt.ParseWithClaims(raw, &resumeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := tok.Claims.(*resumeClaims)
	if !ok || !tok.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.CID, nil
}
