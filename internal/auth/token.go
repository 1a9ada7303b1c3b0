// Package auth issues and verifies the bearer tokens identifying chat users.
// Tokens are HS256 JWTs whose subject is the user id.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated = errors.New("missing or invalid token")
	ErrEmptySecret     = errors.New("auth secret must not be empty")
	ErrInvalidTTL      = errors.New("token ttl must be positive")
)

// Resolver maps tokens to user ids
type Resolver struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewResolver(secret string, ttl time.Duration) (*Resolver, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return &Resolver{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns token for user id valid for the resolver ttl
func (r *Resolver) Issue(id int64) (string, error) {
	now := r.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(id, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(r.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// Verify returns user id carried by an unexpired token
func (r *Resolver) Verify(token string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id < 1 {
		return 0, ErrUnauthenticated
	}
	return id, nil
}

// Resolve reads token from "Authorization: Bearer" header, falling back to "token" query parameter
// which browsers have to use for websocket upgrades
func (r *Resolver) Resolve(req *http.Request) (int64, error) {
	token := ""
	if h := req.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
			return 0, ErrUnauthenticated
		}
		token = strings.TrimSpace(h[len(prefix):])
	} else {
		token = req.URL.Query().Get("token")
	}

	if token == "" {
		return 0, ErrUnauthenticated
	}
	return r.Verify(token)
}
