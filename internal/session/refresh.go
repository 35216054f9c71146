package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cloudinventory/assistant/internal/token"
)

const refreshKey = "refresh"

// Refresh renews the bearer token and returns the new one.
//
// Concurrent callers share a single in-flight refresh call. The shared call
// is not cancelled when the caller that started it gives up; each caller
// still returns as soon as its own ctx is done.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	ch := m.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	current := m.Token()
	if current == "" {
		return "", fmt.Errorf("%w: no credential held", ErrRefreshFailed)
	}

	res, err := m.send(ctx, http.MethodPost, "/auth/refresh", current, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if !isSuccess(res.StatusCode()) {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, newHTTPError(res))
	}

	var lr loginResponse
	if err := decodeResult(res, &lr); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if lr.AccessToken == "" {
		return "", fmt.Errorf("%w: response has no access token", ErrRefreshFailed)
	}

	user := lr.identity()
	if user == nil {
		user = m.User()
	} else if prev := m.User(); prev != nil {
		user.mergeMissing(prev)
	}
	if user == nil {
		return "", fmt.Errorf("%w: no user identity available", ErrRefreshFailed)
	}

	if err := m.persistIfCurrent(current, lr.AccessToken, user); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	log.Info().Str("username", user.Username).Msg("token refreshed")
	return lr.AccessToken, nil
}

// IsTokenNearExpiry reports whether the held token expires within
// token.ExpiryBuffer. Missing or undecodable tokens count as near expiry.
func (m *Manager) IsTokenNearExpiry() bool {
	return token.NearExpiry(m.Token(), m.now(), token.ExpiryBuffer)
}

// ValidateSession decides whether the held session is usable, renewing the
// token when it is close to expiry. Any failure clears the session; a
// cancelled ctx returns false and leaves it in place.
func (m *Manager) ValidateSession(ctx context.Context) bool {
	if m.Token() == "" {
		return false
	}

	if m.IsTokenNearExpiry() {
		if _, err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			log.Info().Err(err).Msg("session renewal failed")
			m.Invalidate()
			return false
		}
		return true
	}

	if _, err := m.CurrentUser(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Info().Err(err).Msg("session validation failed")
		m.Invalidate()
		return false
	}
	return true
}

// mergeMissing fills fields the server omitted from prev.
func (u *UserIdentity) mergeMissing(prev *UserIdentity) {
	if u.Email == "" {
		u.Email = prev.Email
	}
	if u.DisplayName == "" {
		u.DisplayName = prev.DisplayName
	}
	if u.AuthProvider == "" {
		u.AuthProvider = prev.AuthProvider
	}
}
