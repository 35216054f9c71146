package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// loginResponse is returned by /auth/login, /auth/microsoft/login and
// /auth/refresh.
type loginResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	UserInfo    json.RawMessage `json:"user_info"`
}

// identity decodes user_info, or returns nil if it is missing or unusable.
func (r *loginResponse) identity() *UserIdentity {
	if len(r.UserInfo) == 0 || string(r.UserInfo) == "null" {
		return nil
	}
	var u UserIdentity
	if err := json.Unmarshal(r.UserInfo, &u); err != nil || u.Username == "" {
		return nil
	}
	return &u
}

// OAuthConfig describes which federated login providers the backend has
// enabled.
type OAuthConfig struct {
	MicrosoftEnabled bool `json:"microsoft_enabled"`
}

// Login authenticates with username and password.
func (m *Manager) Login(ctx context.Context, username, password string) (*UserIdentity, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	user, err := m.login(ctx, "/auth/login", body, ProviderTraditional)
	if err != nil {
		return nil, err
	}
	log.Info().Str("username", user.Username).Str("role", user.Role).Msg("logged in")
	return user, nil
}

// LoginMicrosoft exchanges a Microsoft access token for a backend session.
func (m *Manager) LoginMicrosoft(ctx context.Context, providerToken string) (*UserIdentity, error) {
	body := map[string]string{"access_token": providerToken}
	user, err := m.login(ctx, "/auth/microsoft/login", body, ProviderMicrosoft)
	if err != nil {
		return nil, err
	}
	log.Info().Str("username", user.Username).Str("email", user.Email).Msg("logged in with microsoft")
	return user, nil
}

// login posts credentials without any held token. A 401 here means bad
// credentials, not an expired session, so it is returned as an HTTPError.
func (m *Manager) login(ctx context.Context, endpoint string, body any, provider AuthProvider) (*UserIdentity, error) {
	res, err := m.send(ctx, http.MethodPost, endpoint, "", body)
	if err != nil {
		return nil, err
	}
	if !isSuccess(res.StatusCode()) {
		return nil, newHTTPError(res)
	}

	var lr loginResponse
	if err := decodeResult(res, &lr); err != nil {
		return nil, err
	}
	if lr.AccessToken == "" {
		return nil, fmt.Errorf("login response has no access token")
	}
	user := lr.identity()
	if user == nil {
		return nil, fmt.Errorf("login response has no user info")
	}
	if user.AuthProvider == "" {
		user.AuthProvider = provider
	}

	if err := m.persist(lr.AccessToken, user); err != nil {
		return nil, err
	}
	return m.User(), nil
}

// OAuthConfig fetches the backend's federated login configuration.
func (m *Manager) OAuthConfig(ctx context.Context) (*OAuthConfig, error) {
	res, err := m.send(ctx, http.MethodGet, "/auth/oauth/config", "", nil)
	if err != nil {
		return nil, err
	}
	if !isSuccess(res.StatusCode()) {
		return nil, newHTTPError(res)
	}
	var cfg OAuthConfig
	if err := decodeResult(res, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CurrentUser asks the backend who the held token belongs to and updates
// the cached identity.
func (m *Manager) CurrentUser(ctx context.Context) (*UserIdentity, error) {
	if m.Token() == "" {
		return nil, ErrNotAuthenticated
	}

	var me UserIdentity
	if err := m.Get(ctx, "/auth/me", &me); err != nil {
		return nil, err
	}
	if me.Username == "" {
		return nil, fmt.Errorf("identity response has no username")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.user == nil || m.token == "" {
		m.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	if m.user.Username != me.Username {
		// Another login replaced the session while the call was in flight.
		m.mu.Unlock()
		return m.User(), nil
	}
	me.mergeMissing(m.user)
	m.user = &me
	tok := m.token
	m.mu.Unlock()

	if err := m.writeStore(tok, &me); err != nil {
		return nil, err
	}
	return m.User(), nil
}
