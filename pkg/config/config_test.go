package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		BaseURL: "https://connector.example.com",
		Vendor: VendorOAuth{
			AuthorizationURL: "https://vendor.example.com/oauth/authorize",
			TokenURL:         "https://vendor.example.com/oauth/token",
			ClientID:         "client-1",
		},
		Platform: Platform{
			BaseURL:        "https://api.example.com",
			AccountID:      "acc-1",
			SubscriptionID: "sub-1",
			BoundaryID:     "connectors",
			FunctionID:     "vendor-connector",
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing base url", func(c *Config) { c.BaseURL = "" }, "base_url is required"},
		{"missing auth url", func(c *Config) { c.Vendor.AuthorizationURL = "" }, "vendor.authorization_url is required"},
		{"missing token url", func(c *Config) { c.Vendor.TokenURL = "" }, "vendor.token_url is required"},
		{"missing client id", func(c *Config) { c.Vendor.ClientID = "" }, "vendor.client_id is required"},
		{"missing platform url", func(c *Config) { c.Platform.BaseURL = "" }, "platform.base_url is required"},
		{"signing key without key id", func(c *Config) {
			c.Platform.SigningKeyFile = "/etc/connector/key.pem"
			c.Platform.TokenIssuerID = "issuer-1"
			c.Platform.TokenSubject = "client-1"
		}, "platform.signing_key_id is required"},
		{"signing key complete", func(c *Config) {
			c.Platform.SigningKeyFile = "/etc/connector/key.pem"
			c.Platform.SigningKeyID = "key-1"
			c.Platform.TokenIssuerID = "issuer-1"
			c.Platform.TokenSubject = "client-1"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestResourcePaths(t *testing.T) {
	t.Parallel()

	p := validConfig().Platform
	assert.Equal(t,
		"/account/acc-1/subscription/sub-1/boundary/connectors/function/vendor-connector/",
		p.FunctionResource())
	assert.Equal(t,
		"/account/acc-1/subscription/sub-1/boundary/connectors/function/vendor-connector/operation/notification/u-42/",
		p.NotificationResource("u-42"))
}
