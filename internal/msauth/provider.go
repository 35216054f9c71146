// Package msauth obtains Microsoft access tokens for federated login.
//
// Tokens are acquired with the OAuth 2.0 device authorization grant and
// cached in the shared durable store using the key layout of MSAL browser
// caches. The session package does not know these keys; they are removed on
// logout by the artifact sweep.
package msauth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/cloudinventory/assistant/internal/storage"
)

const (
	DefaultTenant = "common"
	environment   = "login.microsoftonline.com"
)

// DefaultScopes are requested for every login. User.Read is what the
// backend needs to look the user up in Graph.
var DefaultScopes = []string{"openid", "profile", "offline_access", "User.Read"}

// Config configures a Provider.
type Config struct {
	ClientID string
	Tenant   string
	Scopes   []string
	// Endpoint overrides the Azure AD endpoint for Tenant.
	Endpoint *oauth2.Endpoint
}

// Provider acquires Microsoft access tokens.
type Provider struct {
	oauth    *oauth2.Config
	clientID string
	tenant   string
	store    storage.Store
	now      func() time.Time
}

// NewProvider creates a provider that caches tokens in store.
func NewProvider(store storage.Store, cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("microsoft client id is required")
	}
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	endpoint := microsoft.AzureADEndpoint(tenant)
	endpoint.DeviceAuthURL = "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/devicecode"
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	// Public client: no secret, client_id goes in the form body
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &Provider{
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: endpoint,
			Scopes:   scopes,
		},
		clientID: cfg.ClientID,
		tenant:   tenant,
		store:    store,
		now:      time.Now,
	}, nil
}

// DeviceLogin runs the device authorization grant. prompt is called once
// with the code the user has to enter at the verification URI. The returned
// access token is meant for session.Manager.LoginMicrosoft.
func (p *Provider) DeviceLogin(ctx context.Context, prompt func(*oauth2.DeviceAuthResponse)) (string, error) {
	da, err := p.oauth.DeviceAuth(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to start device login: %w", err)
	}
	prompt(da)

	tok, err := p.oauth.DeviceAccessToken(ctx, da)
	if err != nil {
		return "", fmt.Errorf("device login failed: %w", err)
	}

	if err := p.cacheToken(tok); err != nil {
		log.Warn().Err(err).Msg("failed to cache microsoft token")
	}
	log.Info().Time("expiry", tok.Expiry).Msg("microsoft token acquired")
	return tok.AccessToken, nil
}

// Token returns a cached access token that is valid for at least minTTL,
// falling back to the device flow.
func (p *Provider) Token(ctx context.Context, minTTL time.Duration, prompt func(*oauth2.DeviceAuthResponse)) (string, error) {
	if tok, ok := p.CachedAccessToken(minTTL); ok {
		log.Debug().Msg("using cached microsoft token")
		return tok, nil
	}
	return p.DeviceLogin(ctx, prompt)
}
