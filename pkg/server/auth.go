package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// bearerToken extracts the credential from the Authorization header or the
// token query parameter. WebSocket clients in browsers cannot set headers,
// so the query fallback stays.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authenticateContainer checks the shared container secret. An empty
// configured token disables the check (dev mode).
func (s *Server) authenticateContainer(r *http.Request) bool {
	expected := s.cfg.Auth.ContainerToken
	if expected == "" {
		return true
	}
	token := bearerToken(r)
	return len(token) == len(expected) &&
		subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// authenticateBrowser verifies the caller's JWT and returns the user id
// from its subject claim. With no JWT secret configured, auth is disabled
// and the empty user id bypasses the ownership check downstream.
func (s *Server) authenticateBrowser(r *http.Request) (string, bool) {
	secret := s.cfg.Auth.JWTSecret
	if secret == "" {
		return "", true
	}
	tokenStr := bearerToken(r)
	if tokenStr == "" {
		return "", false
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
