// Package provision manages the per-principal compute artifacts: small
// functions deployed on the hosting platform, one per linked vendor user,
// that relay vendor notifications back to the connector.
package provision

import (
	"context"

	"github.com/chatlink/connector/pkg/permissions"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=provision.go Client

// Target identifies a function artifact on the hosting platform.
type Target struct {
	AccountID      string `json:"accountId"`
	SubscriptionID string `json:"subscriptionId"`
	BoundaryID     string `json:"boundaryId"`
	FunctionID     string `json:"functionId"`
}

// Spec describes a function artifact to provision.
type Spec struct {
	// Files are the artifact sources, keyed by file name.
	Files map[string]string `json:"files,omitempty"`

	// Metadata carries lookup tags; the ownerId tag ties every artifact
	// back to the connector that provisioned it.
	Metadata Metadata `json:"metadata,omitempty"`

	// Security declares the artifact's own grant set and the grants its
	// callers must hold.
	Security Security `json:"security,omitempty"`

	// Configuration holds the serialized settings handed to the artifact.
	Configuration string `json:"configurationSerialized,omitempty"`
}

// Metadata carries artifact tags for criteria-based lookup.
type Metadata struct {
	Tags map[string]string `json:"tags,omitempty"`
}

// Security declares the authorization rules baked into an artifact.
type Security struct {
	// FunctionPermissions is the grant set the artifact itself executes
	// with.
	FunctionPermissions *permissions.Set `json:"functionPermissions,omitempty"`

	// Authentication is "required" when callers must present an identity.
	Authentication string `json:"authentication,omitempty"`

	// Authorization lists the grants a caller must hold to invoke the
	// artifact.
	Authorization []permissions.Grant `json:"authorization,omitempty"`
}

// Client provisions and tears down function artifacts.
type Client interface {
	// Provision creates or updates the artifact and waits for its build to
	// complete, returning the artifact's invocation URL. Creation is
	// compensated with a best-effort delete when the build fails.
	Provision(ctx context.Context, target Target, spec *Spec) (string, error)

	// Deprovision deletes the artifact. A missing artifact is success.
	Deprovision(ctx context.Context, target Target) error

	// ListByOwner returns the artifacts tagged with the given ownerId, one
	// page at a time.
	ListByOwner(ctx context.Context, accountID, subscriptionID, owner string) ([]Target, error)
}
