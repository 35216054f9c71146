// Package session owns the authentication state of the assistant client:
// the bearer token, the cached user identity, silent renewal of expiring
// tokens and cleanup of every credential trace on logout.
//
// A Manager is safe for concurrent use. At most one token refresh is in
// flight at any time; concurrent callers share its result.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/cloudinventory/assistant/internal/storage"
	"github.com/cloudinventory/assistant/internal/sweep"
	"github.com/cloudinventory/assistant/internal/token"
)

// Durable store keys owned by the session.
const (
	TokenKey = "auth_token"
	UserKey  = "user_info"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// Options configures a Manager. The zero value is usable.
type Options struct {
	BaseURL string
	// Timeout bounds every HTTP call. Zero means DefaultTimeout; a negative
	// value disables the timeout.
	Timeout time.Duration
	// Matcher selects third-party OAuth artifacts to remove on logout.
	// Defaults to the built-in pattern list.
	Matcher *sweep.Matcher
	// Now is the clock used for expiry checks.
	Now func() time.Time
}

// Manager is the single authority for authentication state and
// authenticated HTTP calls.
type Manager struct {
	http    *resty.Client
	store   storage.Store
	matcher *sweep.Matcher
	now     func() time.Time

	refreshGroup singleflight.Group

	// writeMu serializes changes to the session so memory and store are
	// updated in the same order.
	writeMu sync.Mutex
	mu      sync.RWMutex
	token   string
	user    *UserIdentity
}

// New creates a Manager and restores any session persisted in store.
// A stored identity that cannot be parsed clears the session.
func New(store storage.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	m := &Manager{
		store:   store,
		matcher: opts.Matcher,
		now:     opts.Now,
	}
	if m.matcher == nil {
		matcher, err := sweep.NewMatcher(sweep.DefaultPatterns())
		if err != nil {
			return nil, err
		}
		m.matcher = matcher
	}
	if m.now == nil {
		m.now = time.Now
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	m.http = resty.New().
		SetDebug(false).
		SetBaseURL(baseURL).
		SetHeaders(map[string]string{
			"Accept":     "application/json",
			"User-Agent": "cloud-inventory-assistant",
		})
	if timeout > 0 {
		m.http.SetTimeout(timeout)
	}

	m.load()
	return m, nil
}

// load restores the persisted session. Partial or corrupt state is cleared
// rather than used.
func (m *Manager) load() {
	tok, hasToken, err := m.store.Get(TokenKey)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read stored token, clearing session")
		m.Invalidate()
		return
	}
	rawUser, hasUser, err := m.store.Get(UserKey)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read stored user, clearing session")
		m.Invalidate()
		return
	}

	if !hasToken && !hasUser {
		return
	}
	if !hasToken || !hasUser || tok == "" {
		log.Warn().Bool("hasToken", hasToken).Bool("hasUser", hasUser).Msg("incomplete stored session, clearing")
		m.Invalidate()
		return
	}

	user, err := parseIdentity([]byte(rawUser))
	if err != nil {
		log.Warn().Err(err).Msg("corrupt stored user, clearing session")
		m.Invalidate()
		return
	}

	m.mu.Lock()
	m.token = tok
	m.user = user
	m.mu.Unlock()
	log.Info().Str("username", user.Username).Msg("restored session from store")
}

// IsAuthenticated reports whether a token and identity are held.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != "" && m.user != nil
}

// Token returns the current bearer token, or "" when logged out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// User returns a copy of the cached identity, or nil when logged out.
func (m *Manager) User() *UserIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	u.Permissions = append(Permissions(nil), m.user.Permissions...)
	return &u
}

// Credential returns the held credential. ok is false when logged out.
func (m *Manager) Credential() (Credential, bool) {
	tok := m.Token()
	if tok == "" {
		return Credential{}, false
	}
	exp, _ := token.DecodeExpiry(tok)
	return Credential{Token: tok, ExpiresAt: exp}, true
}

// persist writes the token and identity together, in memory and in the
// store. If writing the store fails the session is cleared.
func (m *Manager) persist(tok string, user *UserIdentity) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.token = tok
	m.user = user
	m.mu.Unlock()
	return m.writeStore(tok, user)
}

// persistIfCurrent is persist guarded against a session that changed (was
// cleared or replaced) while a call was in flight. The comparison and the
// swap happen under one lock.
func (m *Manager) persistIfCurrent(expected, tok string, user *UserIdentity) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.token != expected {
		m.mu.Unlock()
		return errSessionChanged
	}
	m.token = tok
	m.user = user
	m.mu.Unlock()
	return m.writeStore(tok, user)
}

// writeStore mirrors the in-memory session into the store. The caller holds
// writeMu.
func (m *Manager) writeStore(tok string, user *UserIdentity) error {
	rawUser, err := json.Marshal(user)
	if err != nil {
		m.clear()
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := m.store.Set(TokenKey, tok); err != nil {
		m.clear()
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if err := m.store.Set(UserKey, string(rawUser)); err != nil {
		m.clear()
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Invalidate clears the in-memory session and the session's own store keys.
// Unlike Logout it does not sweep third-party artifacts.
func (m *Manager) Invalidate() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.clear()
}

// clear is Invalidate for callers that hold writeMu.
func (m *Manager) clear() {
	m.mu.Lock()
	m.token = ""
	m.user = nil
	m.mu.Unlock()

	var errs []error
	for _, key := range []string{TokenKey, UserKey} {
		if err := m.store.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("failed to remove session keys")
	}
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
