package oauth

import "time"

// expirySkew is the minimum remaining validity required before a cached
// access token is handed out. It exists to avoid sending a token that
// expires mid-flight.
const expirySkew = 30 * time.Second

// Token is the vendor credential stored with a link record.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Freshness classifies a cached token for the refresh policy.
type Freshness int

const (
	// Fresh means the token can be used as-is, no network call needed.
	Fresh Freshness = iota

	// Refreshable means the token is stale but carries a refresh token.
	Refreshable

	// Dead means no usable token can be produced; the user must re-link.
	Dead
)

// FreshnessAt classifies the token at the given instant. A token with no
// recorded expiry is never considered fresh; whether it is refreshable or
// dead then depends solely on the presence of a refresh token.
func (t *Token) FreshnessAt(now time.Time) Freshness {
	if t == nil {
		return Dead
	}
	if t.AccessToken != "" && t.ExpiresAt.After(now.Add(expirySkew)) {
		return Fresh
	}
	if t.RefreshToken != "" {
		return Refreshable
	}
	return Dead
}
