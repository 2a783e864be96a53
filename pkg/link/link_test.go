package link

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/chatlink/connector/pkg/config"
	"github.com/chatlink/connector/pkg/errors"
	"github.com/chatlink/connector/pkg/oauth"
	"github.com/chatlink/connector/pkg/provision"
	"github.com/chatlink/connector/pkg/provision/mocks"
	"github.com/chatlink/connector/pkg/statetoken"
	"github.com/chatlink/connector/pkg/storage"
	storagemocks "github.com/chatlink/connector/pkg/storage/mocks"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testPlatform() config.Platform {
	return config.Platform{
		BaseURL:             "https://api.example.com",
		AccountID:           "acc-1",
		SubscriptionID:      "sub-1",
		BoundaryID:          "connectors",
		FunctionID:          "chatlink",
		FunctionAccessToken: "platform-token",
		StorageID:           "store-1",
	}
}

func testVendorConfig(tokenURL string) oauth.Config {
	return oauth.Config{
		AuthorizationURL: "https://vendor.example.com/oauth/authorize",
		TokenURL:         tokenURL,
		ClientID:         "client-1",
		ClientSecret:     "secret-1",
		Name:             "Example Vendor",
		RedirectURL:      "https://connector.example.com/callback",
	}
}

// profileHooks returns hooks yielding a fixed profile and vendor user id.
func profileHooks(vendorUserID string) oauth.Hooks {
	return oauth.Hooks{
		UserProfile: func(context.Context, *oauth.Token) (json.RawMessage, error) {
			return json.RawMessage(`{"id": "` + vendorUserID + `"}`), nil
		},
	}
}

func newTestManager(t *testing.T, store storage.Store, artifacts provision.Client, cfg oauth.Config, hooks oauth.Hooks, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(store, oauth.NewProvider(cfg, hooks), artifacts, testPlatform(), opts...)
	m.now = func() time.Time { return testNow }
	m.newNonce = func() string { return "nonce-1" }
	m.newCode = func() (string, error) { return "ab12", nil }
	return m
}

// tokenServer serves the authorization-code and refresh-token grants.
func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			_, _ = w.Write([]byte(`{"access_token": "at-1", "refresh_token": "rt-1", "expires_in": 3600}`))
		case "refresh_token":
			_, _ = w.Write([]byte(`{"access_token": "at-2", "refresh_token": "rt-2", "expires_in": 3600}`))
		default:
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		}
	}))
}

// stateFrom pulls the opaque state token out of an authorization URL.
func stateFrom(t *testing.T, authorizationURL string) string {
	t.Helper()
	parsed, err := url.Parse(authorizationURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestBeginSignIn(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})

	authorizationURL, err := m.BeginSignIn(context.Background(), "principal-1")
	require.NoError(t, err)

	state := stateFrom(t, authorizationURL)
	decoded, err := statetoken.DecodeSignIn(state)
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", decoded.Nonce)
	assert.Equal(t, "principal-1", decoded.PrincipalID)

	record, err := store.Get(context.Background(), principalKey("principal-1"))
	require.NoError(t, err)
	var pending pendingRecord
	require.NoError(t, record.Decode(&pending))
	assert.Equal(t, statusAuthenticating, pending.Status)
	assert.Equal(t, state, pending.StateToken)
}

func TestBeginSignInStorageFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := storagemocks.NewMockStore(ctrl)
	store.EXPECT().
		Put(gomock.Any(), principalKey("principal-1"), gomock.Any(), "").
		Return("", errors.NewInternalError("storage unavailable", nil))

	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})

	_, err := m.BeginSignIn(context.Background(), "principal-1")
	require.Error(t, err)
	assert.True(t, errors.IsInternal(err))
}

func TestLinkEndToEnd(t *testing.T) {
	t.Parallel()

	server := tokenServer(t)
	defer server.Close()

	ctrl := gomock.NewController(t)
	artifacts := mocks.NewMockClient(ctrl)
	artifacts.EXPECT().Provision(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, target provision.Target, spec *provision.Spec) (string, error) {
			assert.Equal(t, "acc-1", target.AccountID)
			assert.Equal(t, "sub-1", target.SubscriptionID)
			assert.True(t, strings.HasPrefix(target.BoundaryID, "chat-user-"))
			assert.Equal(t, HandlerFunctionID, target.FunctionID)

			assert.Equal(t, "connectors/chatlink", spec.Metadata.Tags["ownerId"])
			require.NotNil(t, spec.Security.FunctionPermissions)
			require.Len(t, spec.Security.FunctionPermissions.Allow, 1)
			grant := spec.Security.FunctionPermissions.Allow[0]
			assert.Equal(t, "function:execute", grant.Action)
			assert.Contains(t, grant.Resource, "/operation/notification/vendor-user-7/")
			require.Len(t, spec.Security.Authorization, 1)
			assert.Equal(t, "function:execute", spec.Security.Authorization[0].Action)
			assert.Contains(t, spec.Security.Authorization[0].Resource, target.BoundaryID)
			return "https://run.example.com/f/1", nil
		})

	store := storage.NewMemoryStore()
	var linked *Link
	m := newTestManager(t, store, artifacts, testVendorConfig(server.URL), profileHooks("vendor-user-7"),
		WithOnLinked(func(_ context.Context, link *Link) { linked = link }))

	ctx := context.Background()
	authorizationURL, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)
	state := stateFrom(t, authorizationURL)

	code, err := m.HandleCallback(ctx, state, "code-1", "")
	require.NoError(t, err)
	assert.Len(t, code, 4)

	link, err := m.CompleteVerification(ctx, "principal-1", code)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, link.Status)
	assert.Equal(t, "vendor-user-7", link.VendorUserID)
	assert.Equal(t, "at-1", link.VendorToken.AccessToken)
	require.NotNil(t, linked)
	assert.Equal(t, link.VendorUserID, linked.VendorUserID)

	record, err := store.Get(ctx, principalKey("principal-1"))
	require.NoError(t, err)
	var stored Link
	require.NoError(t, record.Decode(&stored))
	assert.Equal(t, StatusAuthenticated, stored.Status)

	reverse, err := store.Get(ctx, vendorUserKey("vendor-user-7"))
	require.NoError(t, err)
	var index reverseRecord
	require.NoError(t, reverse.Decode(&index))
	assert.Equal(t, principalKey("principal-1"), index.PrincipalKey)
	assert.Equal(t, "principal-1", index.PrincipalID)
}

func TestCallbackWithoutPendingRecord(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})

	state, err := statetoken.EncodeSignIn(statetoken.SignInState{Nonce: "n", PrincipalID: "unknown"})
	require.NoError(t, err)

	_, err = m.HandleCallback(context.Background(), state, "code-1", "")
	assert.True(t, errors.IsTamperedOrReplayed(err))
	assert.Equal(t, 0, store.Len())
}

func TestCallbackStateMismatchConsumesRecord(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})

	ctx := context.Background()
	_, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)

	// Same principal, different nonce: the stored token no longer matches.
	forged, err := statetoken.EncodeSignIn(statetoken.SignInState{Nonce: "other", PrincipalID: "principal-1"})
	require.NoError(t, err)

	_, err = m.HandleCallback(ctx, forged, "code-1", "")
	assert.True(t, errors.IsTamperedOrReplayed(err))
	assert.Equal(t, 0, store.Len(), "the pending record is consumed even on mismatch")
}

func TestCallbackMalformedState(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})

	_, err := m.HandleCallback(context.Background(), "not-a-token", "code-1", "")
	assert.True(t, errors.IsMalformedToken(err))
}

func TestCallbackVendorError(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})

	ctx := context.Background()
	authorizationURL, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)

	_, err = m.HandleCallback(ctx, stateFrom(t, authorizationURL), "", "access_denied")
	require.Error(t, err)
	assert.True(t, errors.IsVendorExchange(err))
	assert.Contains(t, err.Error(), "access_denied")
	assert.Equal(t, 0, store.Len())
}

func TestCallbackReplay(t *testing.T) {
	t.Parallel()

	server := tokenServer(t)
	defer server.Close()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig(server.URL), oauth.Hooks{})

	ctx := context.Background()
	authorizationURL, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)
	state := stateFrom(t, authorizationURL)

	_, err = m.HandleCallback(ctx, state, "code-1", "")
	require.NoError(t, err)

	// Replaying the same state finds a validating record, not an
	// authenticating one.
	_, err = m.HandleCallback(ctx, state, "code-1", "")
	assert.True(t, errors.IsTamperedOrReplayed(err))
}

func TestCallbackExpiredPendingRecord(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})

	ctx := context.Background()
	authorizationURL, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)

	m.now = func() time.Time { return testNow.Add(pendingTTL + time.Minute) }
	_, err = m.HandleCallback(ctx, stateFrom(t, authorizationURL), "code-1", "")
	assert.True(t, errors.IsTamperedOrReplayed(err))
}

func TestVerificationWrongCode(t *testing.T) {
	t.Parallel()

	server := tokenServer(t)
	defer server.Close()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig(server.URL), oauth.Hooks{})

	ctx := context.Background()
	authorizationURL, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)
	_, err = m.HandleCallback(ctx, stateFrom(t, authorizationURL), "code-1", "")
	require.NoError(t, err)

	_, err = m.CompleteVerification(ctx, "principal-1", "zzzz")
	assert.True(t, errors.IsTamperedOrReplayed(err))
	assert.Equal(t, 0, store.Len(), "the pending record is deleted regardless of outcome")

	// The right code no longer works either: single use.
	_, err = m.CompleteVerification(ctx, "principal-1", "ab12")
	assert.True(t, errors.IsTamperedOrReplayed(err))
}

func TestVerificationSingleUse(t *testing.T) {
	t.Parallel()

	server := tokenServer(t)
	defer server.Close()

	ctrl := gomock.NewController(t)
	artifacts := mocks.NewMockClient(ctrl)
	artifacts.EXPECT().Provision(gomock.Any(), gomock.Any(), gomock.Any()).Return("https://run.example.com/f/1", nil)

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, artifacts, testVendorConfig(server.URL), profileHooks("vendor-user-7"))

	ctx := context.Background()
	authorizationURL, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)
	code, err := m.HandleCallback(ctx, stateFrom(t, authorizationURL), "code-1", "")
	require.NoError(t, err)

	_, err = m.CompleteVerification(ctx, "principal-1", code)
	require.NoError(t, err)

	_, err = m.CompleteVerification(ctx, "principal-1", code)
	assert.True(t, errors.IsTamperedOrReplayed(err))
}

func TestVerificationProvisionFailureRollsBack(t *testing.T) {
	t.Parallel()

	server := tokenServer(t)
	defer server.Close()

	ctrl := gomock.NewController(t)
	artifacts := mocks.NewMockClient(ctrl)
	artifacts.EXPECT().Provision(gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", errors.NewProvisionFailedError("build failed", nil))

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, artifacts, testVendorConfig(server.URL), profileHooks("vendor-user-7"))

	ctx := context.Background()
	authorizationURL, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)
	code, err := m.HandleCallback(ctx, stateFrom(t, authorizationURL), "code-1", "")
	require.NoError(t, err)

	_, err = m.CompleteVerification(ctx, "principal-1", code)
	require.Error(t, err)
	assert.True(t, errors.IsProvisionFailed(err))
	assert.Equal(t, 0, store.Len(), "durable record and reverse index are rolled back")
}

func TestVerificationWithoutUserIDDerivation(t *testing.T) {
	t.Parallel()

	server := tokenServer(t)
	defer server.Close()

	store := storage.NewMemoryStore()
	// No hooks and no userinfo endpoint: the profile is {} and has no id.
	m := newTestManager(t, store, nil, testVendorConfig(server.URL), oauth.Hooks{})

	ctx := context.Background()
	authorizationURL, err := m.BeginSignIn(ctx, "principal-1")
	require.NoError(t, err)
	code, err := m.HandleCallback(ctx, stateFrom(t, authorizationURL), "code-1", "")
	require.NoError(t, err)

	_, err = m.CompleteVerification(ctx, "principal-1", code)
	assert.True(t, errors.IsNotImplemented(err))
}

func putLink(t *testing.T, store *storage.MemoryStore, link *Link) {
	t.Helper()
	_, err := store.Put(context.Background(), principalKey(link.PrincipalID), link, "")
	require.NoError(t, err)
	if link.VendorUserID != "" {
		_, err = store.Put(context.Background(), vendorUserKey(link.VendorUserID),
			reverseRecord{PrincipalKey: principalKey(link.PrincipalID), PrincipalID: link.PrincipalID}, "")
		require.NoError(t, err)
	}
}

func TestEnsureAccessTokenFresh(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})
	putLink(t, store, &Link{
		Status:      StatusAuthenticated,
		PrincipalID: "principal-1",
		VendorToken: &oauth.Token{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: testNow.Add(time.Hour)},
	})

	token, err := m.EnsureAccessToken(context.Background(), "principal-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token.AccessToken)
}

func TestEnsureAccessTokenRefreshes(t *testing.T) {
	t.Parallel()

	server := tokenServer(t)
	defer server.Close()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig(server.URL), profileHooks("vendor-user-7"))
	putLink(t, store, &Link{
		Status:      StatusAuthenticated,
		PrincipalID: "principal-1",
		VendorToken: &oauth.Token{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: testNow.Add(10 * time.Second)},
	})

	ctx := context.Background()
	token, err := m.EnsureAccessToken(ctx, "principal-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", token.AccessToken)
	assert.Equal(t, "rt-2", token.RefreshToken)

	record, err := store.Get(ctx, principalKey("principal-1"))
	require.NoError(t, err)
	var stored Link
	require.NoError(t, record.Decode(&stored))
	assert.Equal(t, StatusAuthenticated, stored.Status)
	assert.Equal(t, "at-2", stored.VendorToken.AccessToken)
}

func TestEnsureAccessTokenRefreshFailureDeprovisions(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	ctrl := gomock.NewController(t)
	artifacts := mocks.NewMockClient(ctrl)
	artifacts.EXPECT().Deprovision(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, target provision.Target) error {
			assert.Equal(t, boundaryID("principal-1"), target.BoundaryID)
			assert.Equal(t, HandlerFunctionID, target.FunctionID)
			return nil
		})

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, artifacts, testVendorConfig(server.URL), oauth.Hooks{})
	putLink(t, store, &Link{
		Status:      StatusAuthenticated,
		PrincipalID: "principal-1",
		VendorToken: &oauth.Token{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: testNow.Add(-time.Hour)},
	})

	_, err := m.EnsureAccessToken(context.Background(), "principal-1")
	assert.True(t, errors.IsUnauthenticated(err))
}

func TestEnsureAccessTokenUnlinkedOrDead(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), oauth.Hooks{})

	_, err := m.EnsureAccessToken(context.Background(), "nobody")
	assert.True(t, errors.IsUnauthenticated(err))

	putLink(t, store, &Link{
		Status:      StatusAuthenticated,
		PrincipalID: "principal-1",
		VendorToken: &oauth.Token{AccessToken: "at-1", ExpiresAt: testNow.Add(-time.Hour)},
	})
	_, err = m.EnsureAccessToken(context.Background(), "principal-1")
	assert.True(t, errors.IsUnauthenticated(err))
}

func TestUnlink(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	artifacts := mocks.NewMockClient(ctrl)
	artifacts.EXPECT().Deprovision(gomock.Any(), gomock.Any()).Return(nil)

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, artifacts, testVendorConfig("https://t"), oauth.Hooks{})
	putLink(t, store, &Link{
		Status:       StatusAuthenticated,
		PrincipalID:  "principal-1",
		VendorUserID: "vendor-user-7",
		VendorToken:  &oauth.Token{AccessToken: "at-1"},
	})

	require.NoError(t, m.Unlink(context.Background(), "principal-1"))
	assert.Equal(t, 0, store.Len())

	// Unlinking again is a no-op.
	require.NoError(t, m.Unlink(context.Background(), "principal-1"))
}

func TestNotify(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	hooks := oauth.Hooks{
		OnNotification: func(_ context.Context, profile json.RawMessage, payload json.RawMessage) (json.RawMessage, error) {
			assert.JSONEq(t, `{"id": "vendor-user-7"}`, string(profile))
			return payload, nil
		},
	}
	m := newTestManager(t, store, nil, testVendorConfig("https://t"), hooks)
	putLink(t, store, &Link{
		Status:        StatusAuthenticated,
		PrincipalID:   "principal-1",
		VendorUserID:  "vendor-user-7",
		VendorProfile: json.RawMessage(`{"id": "vendor-user-7"}`),
		VendorToken:   &oauth.Token{AccessToken: "at-1"},
	})

	response, err := m.Notify(context.Background(), "vendor-user-7", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(response))

	_, err = m.Notify(context.Background(), "vendor-user-8", json.RawMessage(`{}`))
	assert.True(t, errors.IsNotFound(err))
}

func TestTeardown(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	artifacts := mocks.NewMockClient(ctrl)
	page := []provision.Target{
		{AccountID: "acc-1", SubscriptionID: "sub-1", BoundaryID: "chat-user-a", FunctionID: HandlerFunctionID},
		{AccountID: "acc-1", SubscriptionID: "sub-1", BoundaryID: "chat-user-b", FunctionID: HandlerFunctionID},
	}
	gomock.InOrder(
		artifacts.EXPECT().ListByOwner(gomock.Any(), "acc-1", "sub-1", "connectors/chatlink").Return(page, nil),
		artifacts.EXPECT().ListByOwner(gomock.Any(), "acc-1", "sub-1", "connectors/chatlink").Return(nil, nil),
	)
	artifacts.EXPECT().Deprovision(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	store := storage.NewMemoryStore()
	m := newTestManager(t, store, artifacts, testVendorConfig("https://t"), oauth.Hooks{})
	putLink(t, store, &Link{Status: StatusAuthenticated, PrincipalID: "principal-1", VendorUserID: "vendor-user-7"})

	require.NoError(t, m.Teardown(context.Background()))
	assert.Equal(t, 0, store.Len())
}
