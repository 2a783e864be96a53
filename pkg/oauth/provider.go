// Package oauth implements the vendor-side half of the identity link: the
// OAuth authorization-code flow against the vendor's authorization server and
// the vendor-specific behaviors an integrator can override.
//
// Vendor-specific behavior is expressed as optional [Hooks] on a [Provider]
// rather than through subclassing; every hook has a default body.
package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/chatlink/connector/pkg/errors"
	"github.com/chatlink/connector/pkg/provision"
)

// httpTimeout bounds calls to the vendor's API endpoints.
const httpTimeout = 30 * time.Second

// Config holds the vendor OAuth settings. Every field comes from the
// connector configuration; nothing is read from the process environment.
type Config struct {
	// AuthorizationURL is the vendor's OAuth authorization endpoint.
	AuthorizationURL string

	// TokenURL is the vendor's OAuth token endpoint.
	TokenURL string

	// Scope is the space-delimited OAuth scope to request.
	Scope string

	// ClientID is the OAuth client id issued by the vendor.
	ClientID string

	// ClientSecret is the OAuth client secret issued by the vendor.
	ClientSecret string

	// Name is the human-readable vendor name shown on rendered pages.
	Name string

	// UserInfoURL, when set, is fetched with the access token to obtain
	// the vendor user profile. When empty the default profile is {} and
	// the integrator must supply a UserProfile hook.
	UserInfoURL string

	// RedirectURL is the OAuth callback URL of this connector.
	RedirectURL string
}

// Hooks are the integrator override points. Nil hooks fall back to the
// defaults described on each field.
type Hooks struct {
	// UserProfile fetches the vendor user profile for a token. Default:
	// GET Config.UserInfoURL with the access token, or {} when unset.
	UserProfile func(ctx context.Context, token *Token) (json.RawMessage, error)

	// UserID derives the stable vendor user id from a profile. Default:
	// the profile's "id" field; a not-implemented error when absent.
	UserID func(profile json.RawMessage) (string, error)

	// OnNotification handles an inbound notification for a linked user.
	// The return value is passed back to the calling artifact verbatim.
	// Default: a not-implemented error.
	OnNotification func(ctx context.Context, profile json.RawMessage, payload json.RawMessage) (json.RawMessage, error)

	// ModifySpec adjusts the per-user artifact specification before it is
	// provisioned. Default: the specification is used as built.
	ModifySpec func(spec *provision.Spec, vendorUserID string, profile json.RawMessage)
}

// Provider drives the vendor OAuth flow and vendor-specific hooks.
type Provider struct {
	cfg    Config
	oauth  *oauth2.Config
	hooks  Hooks
	client *http.Client
}

// NewProvider creates a provider for the given vendor configuration.
func NewProvider(cfg Config, hooks Hooks) *Provider {
	var scopes []string
	if cfg.Scope != "" {
		scopes = []string{cfg.Scope}
	}
	return &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		hooks:  hooks,
		client: &http.Client{Timeout: httpTimeout},
	}
}

// Name returns the human-readable vendor name.
func (p *Provider) Name() string {
	return p.cfg.Name
}

// AuthorizationBaseURL returns the vendor authorization endpoint, used to
// validate redirect targets on the same-origin bounce page.
func (p *Provider) AuthorizationBaseURL() string {
	return p.cfg.AuthorizationURL
}

// AuthorizationURL builds the fully formed web authorization URL carrying the
// given opaque state token.
func (p *Provider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// ExchangeCode exchanges the authorization code for vendor tokens. The
// expiry, when the vendor reports a numeric expires_in, is carried over into
// the returned token.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	tok, err := p.oauth.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, errors.NewVendorExchangeError("authorization code exchange failed", err)
	}
	return fromOAuth2(tok), nil
}

// Refresh obtains a new access token using the stored refresh token.
func (p *Provider) Refresh(ctx context.Context, token *Token) (*Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, errors.NewVendorExchangeError("no refresh token available", nil)
	}
	refreshed, err := p.oauth.TokenSource(p.withClient(ctx), &oauth2.Token{
		RefreshToken: token.RefreshToken,
	}).Token()
	if err != nil {
		return nil, errors.NewVendorExchangeError("token refresh failed", err)
	}
	result := fromOAuth2(refreshed)
	if result.RefreshToken == "" {
		// Vendors that rotate refresh tokens return a new one; those that
		// don't expect the old one to be kept.
		result.RefreshToken = token.RefreshToken
	}
	return result, nil
}

// UserProfile obtains the vendor user profile for a freshly obtained token.
func (p *Provider) UserProfile(ctx context.Context, token *Token) (json.RawMessage, error) {
	if p.hooks.UserProfile != nil {
		return p.hooks.UserProfile(ctx, token)
	}
	if p.cfg.UserInfoURL == "" {
		return json.RawMessage(`{}`), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to build user profile request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.NewVendorExchangeError("user profile request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errors.NewVendorExchangeError("user profile request returned status "+resp.Status, nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewVendorExchangeError("failed to read user profile response", err)
	}
	if !json.Valid(body) {
		return nil, errors.NewVendorExchangeError("user profile response is not valid JSON", nil)
	}
	return body, nil
}

// UserID derives the stable vendor user id from a profile.
func (p *Provider) UserID(profile json.RawMessage) (string, error) {
	if p.hooks.UserID != nil {
		return p.hooks.UserID(profile)
	}
	if id := gjson.GetBytes(profile, "id"); id.Exists() && id.String() != "" {
		return id.String(), nil
	}
	return "", errors.NewNotImplementedError(
		"the vendor user profile has no 'id' field; supply a UserID hook", nil)
}

// Notify handles an inbound notification addressed to a linked vendor user.
func (p *Provider) Notify(ctx context.Context, profile json.RawMessage, payload json.RawMessage) (json.RawMessage, error) {
	if p.hooks.OnNotification != nil {
		return p.hooks.OnNotification(ctx, profile, payload)
	}
	return nil, errors.NewNotImplementedError(
		"supply an OnNotification hook to process notifications", nil)
}

// ModifySpec lets the integrator adjust a per-user artifact specification
// before provisioning.
func (p *Provider) ModifySpec(spec *provision.Spec, vendorUserID string, profile json.RawMessage) {
	if p.hooks.ModifySpec != nil {
		p.hooks.ModifySpec(spec, vendorUserID, profile)
	}
}

// withClient makes the oauth2 package use the provider's HTTP client.
func (p *Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func fromOAuth2(tok *oauth2.Token) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
}
