// Package storage provides access to the platform's transient key-value
// storage, the only durable state the connector has.
//
// Keys are slash-delimited and hierarchical. Every read returns an opaque
// entity tag which a subsequent conditional write can present to avoid
// silently overwriting a concurrent writer.
package storage

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=storage.go Store

// Record is a stored payload together with its optimistic-concurrency tag.
type Record struct {
	// Data is the stored JSON payload.
	Data json.RawMessage `json:"data"`

	// ETag is the opaque entity tag assigned by the storage collaborator.
	ETag string `json:"etag,omitempty"`
}

// Decode unmarshals the record payload into dst.
func (r *Record) Decode(dst any) error {
	return json.Unmarshal(r.Data, dst)
}

// Store is the transient key-value storage collaborator.
type Store interface {
	// Get returns the record stored under key, or a not-found error.
	Get(ctx context.Context, key string) (*Record, error)

	// Put stores data under key and returns the new entity tag. A non-empty
	// etag makes the write conditional on the stored record still carrying
	// that tag; an empty etag writes unconditionally.
	Put(ctx context.Context, key string, data any, etag string) (string, error)

	// Delete removes the record stored under key. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every record under this store's root.
	DeleteAll(ctx context.Context) error

	// List returns the keys stored under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
