package link

import (
	"crypto/sha1" //nolint:gosec // identifier derivation, not cryptography
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/chatlink/connector/pkg/oauth"
)

// Link statuses. The pending statuses are internal to the flow; the durable
// statuses are visible to callers of EnsureAccessToken.
const (
	statusAuthenticating = "authenticating"
	statusValidating     = "validating"

	// StatusAuthenticated marks a completed link with a usable vendor token.
	StatusAuthenticated = "authenticated"

	// StatusRefreshing marks a link whose vendor token is being refreshed.
	StatusRefreshing = "refreshing"
)

// HandlerFunctionID is the function id of every per-principal notification
// artifact; the boundary id distinguishes principals.
const HandlerFunctionID = "chat-handler"

// pendingTTL bounds how long an abandoned sign-in attempt stays consumable.
// Expiry is enforced on read; there is no background sweeper.
const pendingTTL = 10 * time.Minute

// pendingRecord is the transient record written during a sign-in flow. It
// shares its storage key with the durable Link record and is superseded by it.
type pendingRecord struct {
	Status           string       `json:"status"`
	StateToken       string       `json:"stateToken,omitempty"`
	VerificationCode string       `json:"verificationCode,omitempty"`
	VendorToken      *oauth.Token `json:"vendorToken,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}

// Link is the durable record binding a chat principal to a vendor identity.
type Link struct {
	Status        string          `json:"status"`
	VendorToken   *oauth.Token    `json:"vendorToken"`
	VendorProfile json.RawMessage `json:"vendorUserProfile"`
	VendorUserID  string          `json:"vendorUserId"`
	PrincipalID   string          `json:"principalId"`
}

// reverseRecord maps a vendor user back to the principal's storage key, so an
// inbound notification can find the linked principal.
type reverseRecord struct {
	PrincipalKey string `json:"principalKey"`
	PrincipalID  string `json:"principalId"`
}

// principalKey is the storage key of a principal's pending or durable record.
// Principal ids are hex encoded because they may contain characters with
// meaning in hierarchical storage keys.
func principalKey(principalID string) string {
	return "chat-user/" + hex.EncodeToString([]byte(principalID))
}

// vendorUserKey is the storage key of the reverse index entry.
func vendorUserKey(vendorUserID string) string {
	return "vendor-user/" + hex.EncodeToString([]byte(vendorUserID))
}

// boundaryID derives the artifact boundary for a principal. Boundary ids have
// a bounded length, so the principal id is hashed rather than encoded.
func boundaryID(principalID string) string {
	sum := sha1.Sum([]byte(principalID)) //nolint:gosec // identifier derivation, not cryptography
	return "chat-user-" + hex.EncodeToString(sum[:])
}
