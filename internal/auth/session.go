// Package auth owns bearer-token custody on the client. The token lives in
// the shared cache so every tab sees the same authentication state; login
// and logout fan out over the event bus so both stores can react.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"palaver/client/internal/cache"
	"palaver/client/internal/events"
)

type Session struct {
	cache cache.Store
	bus   *events.Bus
}

func NewSession(cacheStore cache.Store, bus *events.Bus) *Session {
	return &Session{cache: cacheStore, bus: bus}
}

// Token returns the current bearer token, or "" when the user is a guest.
// A token that decodes as a JWT with an elapsed exp claim counts as absent,
// so an expired session degrades to guest mode without waiting for the
// server to say 401. Opaque tokens are passed through untouched.
func (s *Session) Token() string {
	value, ok, err := s.cache.Get(context.Background(), cache.KeyToken)
	if err != nil || !ok {
		return ""
	}
	if expired(value) {
		return ""
	}
	return value
}

// Authenticated reports whether store operations should take the remote
// path. Absence of a token routes them to local-cache-only guest mode.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// SetToken records a fresh token and announces the login.
func (s *Session) SetToken(ctx context.Context, token string) error {
	if err := s.cache.Set(ctx, cache.KeyToken, token); err != nil {
		return err
	}
	s.bus.Publish(events.LoggedIn, nil)
	s.bus.Publish(events.AuthChanged, nil)
	return nil
}

// Logout clears the token and announces the logout. Subscribed stores clear
// their collections and caches in response.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.cache.Delete(ctx, cache.KeyToken); err != nil {
		return err
	}
	s.bus.Publish(events.LoggedOut, nil)
	s.bus.Publish(events.AuthChanged, nil)
	return nil
}

// Invalidate is the forced-logout path the HTTP client takes on any 401.
// Cache errors are swallowed; the session is over either way.
func (s *Session) Invalidate() {
	_ = s.Logout(context.Background())
}

func expired(token string) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time)
}
