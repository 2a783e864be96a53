package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatlink/connector/pkg/errors"
)

// httpTimeout bounds every storage API call.
const httpTimeout = 30 * time.Second

// TokenSource supplies the bearer token for storage API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Client is an HTTP-backed Store talking to the platform storage API.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewClient creates a storage client rooted at the given storage URL, e.g.
// https://api.example.com/v1/account/{acct}/subscription/{sub}/storage/{id}.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// Get implements Store.
func (c *Client) Get(ctx context.Context, key string) (*Record, error) {
	resp, err := c.do(ctx, http.MethodGet, c.keyURL(key), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NewNotFoundError("no record stored under "+key, nil)
	}
	if resp.StatusCode >= 300 {
		return nil, storageError("get", key, resp)
	}

	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, errors.NewInternalError("failed to decode storage record", err)
	}
	return &record, nil
}

// Put implements Store.
func (c *Client) Put(ctx context.Context, key string, data any, etag string) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal storage payload", err)
	}
	body, err := json.Marshal(Record{Data: payload, ETag: etag})
	if err != nil {
		return "", errors.NewInternalError("failed to marshal storage record", err)
	}

	resp, err := c.do(ctx, http.MethodPut, c.keyURL(key), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", errors.NewInternalError("storage write precondition failed for "+key, nil)
	}
	if resp.StatusCode >= 300 {
		return "", storageError("put", key, resp)
	}

	var stored Record
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return "", errors.NewInternalError("failed to decode storage response", err)
	}
	return stored.ETag, nil
}

// Delete implements Store.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.keyURL(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return storageError("delete", key, resp)
	}
	return nil
}

// DeleteAll implements Store.
func (c *Client) DeleteAll(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/*", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return storageError("delete", "*", resp)
	}
	return nil
}

// List implements Store.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.keyURL(prefix)+"/*", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, storageError("list", prefix, resp)
	}

	var listing struct {
		Items []struct {
			StorageID string `json:"storageId"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, errors.NewInternalError("failed to decode storage listing", err)
	}
	keys := make([]string, 0, len(listing.Items))
	for _, item := range listing.Items {
		keys = append(keys, item.StorageID)
	}
	return keys, nil
}

// keyURL appends the hierarchical key to the storage root. Keys contain
// slashes by design, so they are appended verbatim rather than escaped.
func (c *Client) keyURL(key string) string {
	if key == "" {
		return c.baseURL
	}
	return c.baseURL + "/" + key
}

func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, errors.NewInternalError("failed to build storage request", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, errors.NewInternalError("failed to obtain storage access token", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewInternalError("storage request failed", err)
	}
	return resp, nil
}

func storageError(op, key string, resp *http.Response) error {
	return errors.NewInternalError(
		fmt.Sprintf("storage %s %q returned status %d", op, key, resp.StatusCode), nil)
}
