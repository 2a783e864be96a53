package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlink/connector/pkg/errors"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	etag, err := store.Put(ctx, "chat-user/abc", map[string]string{"status": "authenticating"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	record, err := store.Get(ctx, "chat-user/abc")
	require.NoError(t, err)
	assert.Equal(t, etag, record.ETag)

	var payload map[string]string
	require.NoError(t, record.Decode(&payload))
	assert.Equal(t, "authenticating", payload["status"])

	require.NoError(t, store.Delete(ctx, "chat-user/abc"))
	_, err = store.Get(ctx, "chat-user/abc")
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStoreETagPrecondition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	etag, err := store.Put(ctx, "k", "v1", "")
	require.NoError(t, err)

	// A concurrent writer bumps the etag.
	_, err = store.Put(ctx, "k", "v2", etag)
	require.NoError(t, err)

	// The stale etag must no longer be accepted.
	_, err = store.Put(ctx, "k", "v3", etag)
	require.Error(t, err)
}

func TestMemoryStoreGetAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Put(ctx, "pending", "payload", "")
	require.NoError(t, err)

	record, err := store.GetAndDelete(ctx, "pending")
	require.NoError(t, err)
	require.NotNil(t, record)

	_, err = store.GetAndDelete(ctx, "pending")
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStoreList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	for _, key := range []string{"chat-user/a", "chat-user/b", "vendor-user/c"} {
		_, err := store.Put(ctx, key, "x", "")
		require.NoError(t, err)
	}

	keys, err := store.List(ctx, "chat-user/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"chat-user/a", "chat-user/b"}, keys)
}

func TestClientThreadsETag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var gotAuth string
	var gotETag string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(Record{Data: json.RawMessage(`{"a":1}`), ETag: "etag-1"})
		case http.MethodPut:
			var record Record
			_ = json.NewDecoder(r.Body).Decode(&record)
			gotETag = record.ETag
			_ = json.NewEncoder(w).Encode(Record{Data: record.Data, ETag: "etag-2"})
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, StaticToken("tok"))

	record, err := client.Get(ctx, "chat-user/abc")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "etag-1", record.ETag)

	newETag, err := client.Put(ctx, "chat-user/abc", map[string]int{"a": 2}, record.ETag)
	require.NoError(t, err)
	assert.Equal(t, "etag-1", gotETag)
	assert.Equal(t, "etag-2", newETag)
}

func TestClientGetNotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, StaticToken("tok"))
	_, err := client.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestClientDeleteToleratesNotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, StaticToken("tok"))
	assert.NoError(t, client.Delete(context.Background(), "missing"))
}

func TestSigningTokenSource(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	source := NewSigningTokenSource(key, "key-1", "issuer-1", "client-1", "https://api.example.com")

	raw, err := source.Token(context.Background())
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "issuer-1", claims["iss"])
	assert.Equal(t, "client-1", claims["sub"])
	assert.Equal(t, "key-1", parsed.Header["kid"])

	// The token is cached until close to expiry.
	again, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, raw, again)

	// Once near expiry, a fresh token is minted.
	source.now = func() time.Time { return time.Now().Add(tokenLifetime) }
	fresh, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, raw, fresh)
}

func TestSigningTokenSourceFromPEM(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	source, err := NewSigningTokenSourceFromPEM(pemKey, "key-1", "issuer-1", "client-1", "https://api.example.com")
	require.NoError(t, err)

	raw, err := source.Token(context.Background())
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.Equal(t, "key-1", parsed.Header["kid"])
}

func TestSigningTokenSourceFromPEMRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := NewSigningTokenSourceFromPEM([]byte("not a key"), "key-1", "issuer-1", "client-1", "aud")
	require.Error(t, err)
	assert.True(t, errors.IsInternal(err))
}
