// Package config holds the connector configuration.
//
// All settings are read once at startup into an explicit struct which is then
// passed to the components that need it. Nothing in the connector reads the
// process environment directly.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// VendorOAuth holds the OAuth settings of the vendor system being linked to.
type VendorOAuth struct {
	// AuthorizationURL is the vendor's OAuth authorization endpoint
	AuthorizationURL string `mapstructure:"authorization_url"`

	// TokenURL is the vendor's OAuth token endpoint
	TokenURL string `mapstructure:"token_url"`

	// Scope is the space-delimited OAuth scope to request
	Scope string `mapstructure:"scope"`

	// ClientID is the OAuth client ID issued by the vendor
	ClientID string `mapstructure:"client_id"`

	// ClientSecret is the OAuth client secret issued by the vendor
	ClientSecret string `mapstructure:"client_secret"`

	// Name is the human-readable vendor name shown on rendered pages
	Name string `mapstructure:"name"`

	// UserInfoURL, when set, is fetched with the access token to obtain the
	// vendor user profile
	UserInfoURL string `mapstructure:"user_info_url"`
}

// Platform identifies this connector within the function-hosting platform and
// carries the credentials used for its storage and function-management APIs.
type Platform struct {
	// BaseURL is the platform API base URL, e.g. https://api.example.com
	BaseURL string `mapstructure:"base_url"`

	// AccountID is the platform account owning this connector
	AccountID string `mapstructure:"account_id"`

	// SubscriptionID is the platform subscription owning this connector
	SubscriptionID string `mapstructure:"subscription_id"`

	// BoundaryID is the boundary this connector runs in
	BoundaryID string `mapstructure:"boundary_id"`

	// FunctionID is the function id of this connector
	FunctionID string `mapstructure:"function_id"`

	// FunctionAccessToken is the bearer token used for platform API calls
	FunctionAccessToken string `mapstructure:"function_access_token"`

	// StorageID is the storage root assigned to this connector
	StorageID string `mapstructure:"storage_id"`

	// SigningKeyFile, when set, selects keypair storage credentials: the
	// PEM-encoded RSA private key at this path is used to mint storage
	// access tokens instead of presenting FunctionAccessToken.
	SigningKeyFile string `mapstructure:"signing_key_file"`

	// SigningKeyID is the key id announced in minted token headers
	SigningKeyID string `mapstructure:"signing_key_id"`

	// TokenIssuerID is the issuer of minted storage access tokens
	TokenIssuerID string `mapstructure:"token_issuer_id"`

	// TokenSubject is the subject of minted storage access tokens
	TokenSubject string `mapstructure:"token_subject"`
}

// Manager holds the lifecycle-manager settings.
type Manager struct {
	// AllowedReturnTo lists the returnTo URLs accepted by the lifecycle
	// endpoints. A trailing '*' matches any URL with that prefix.
	AllowedReturnTo []string `mapstructure:"allowed_return_to"`

	// SettingsManagers is the ordered list of external settings-manager URLs
	// the configuration chain redirects through during installation.
	SettingsManagers []string `mapstructure:"settings_managers"`

	// ShowForm renders a local confirmation form once all settings managers
	// have been visited, instead of completing immediately.
	ShowForm bool `mapstructure:"show_form"`
}

// Config is the root configuration of the connector.
type Config struct {
	// Address is the listen address of the HTTP server
	Address string `mapstructure:"address"`

	// BaseURL is the externally visible base URL of this connector,
	// used to compute the OAuth redirect URI and sign-in links.
	BaseURL string `mapstructure:"base_url"`

	Vendor   VendorOAuth `mapstructure:"vendor"`
	Platform Platform    `mapstructure:"platform"`
	Manager  Manager     `mapstructure:"manager"`
}

// Load reads the configuration from the file given by --config (if any) and
// from CHATLINK_* environment variables, and validates the result.
func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetEnvPrefix("chatlink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("address", ":8080")

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the settings required by every deployment are present.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Vendor.AuthorizationURL == "" {
		return fmt.Errorf("vendor.authorization_url is required")
	}
	if c.Vendor.TokenURL == "" {
		return fmt.Errorf("vendor.token_url is required")
	}
	if c.Vendor.ClientID == "" {
		return fmt.Errorf("vendor.client_id is required")
	}
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if c.Platform.SigningKeyFile != "" {
		if c.Platform.SigningKeyID == "" {
			return fmt.Errorf("platform.signing_key_id is required with platform.signing_key_file")
		}
		if c.Platform.TokenIssuerID == "" {
			return fmt.Errorf("platform.token_issuer_id is required with platform.signing_key_file")
		}
		if c.Platform.TokenSubject == "" {
			return fmt.Errorf("platform.token_subject is required with platform.signing_key_file")
		}
	}
	return nil
}

// FunctionResource is the hierarchical resource path of this connector's own
// function, used as the authorization target for management operations.
func (p *Platform) FunctionResource() string {
	return fmt.Sprintf("/account/%s/subscription/%s/boundary/%s/function/%s/",
		p.AccountID, p.SubscriptionID, p.BoundaryID, p.FunctionID)
}

// NotificationResource is the hierarchical resource path gating inbound
// notification calls for a single vendor user.
func (p *Platform) NotificationResource(vendorUserID string) string {
	return fmt.Sprintf("%soperation/notification/%s/", p.FunctionResource(), vendorUserID)
}
