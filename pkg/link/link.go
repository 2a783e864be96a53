// Package link implements the identity-link state machine: the multi-hop,
// stateless flow that associates a chat principal with a vendor identity.
//
// The flow is unlinked → authenticating → validating → authenticated, with
// authenticated ⇄ refreshing once linked. No state lives in this process
// between hops; every transition reads and writes the storage collaborator,
// and pending records are consumed as soon as they are read so that each can
// be used at most once.
package link

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chatlink/connector/pkg/config"
	"github.com/chatlink/connector/pkg/errors"
	"github.com/chatlink/connector/pkg/logger"
	"github.com/chatlink/connector/pkg/oauth"
	"github.com/chatlink/connector/pkg/permissions"
	"github.com/chatlink/connector/pkg/provision"
	"github.com/chatlink/connector/pkg/statetoken"
	"github.com/chatlink/connector/pkg/storage"
	"github.com/chatlink/connector/pkg/telemetry"
)

// Manager drives the identity-link flow for one connector deployment.
type Manager struct {
	store     storage.Store
	provider  *oauth.Provider
	artifacts provision.Client
	platform  config.Platform
	metrics   *telemetry.Metrics
	onLinked  func(ctx context.Context, link *Link)

	now      func() time.Time
	newNonce func() string
	newCode  func() (string, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches link-flow metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithOnLinked registers a callback invoked after a link completes, typically
// to greet the user through the chat surface.
func WithOnLinked(fn func(ctx context.Context, link *Link)) Option {
	return func(m *Manager) { m.onLinked = fn }
}

// NewManager creates the link state machine over its collaborators.
func NewManager(
	store storage.Store,
	provider *oauth.Provider,
	artifacts provision.Client,
	platform config.Platform,
	opts ...Option,
) *Manager {
	m := &Manager{
		store:     store,
		provider:  provider,
		artifacts: artifacts,
		platform:  platform,
		now:       time.Now,
		newNonce:  uuid.NewString,
		newCode:   newVerificationCode,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginSignIn starts a sign-in flow for the principal: it binds a fresh nonce
// to the principal in a pending record and returns the vendor authorization
// URL carrying the matching state token.
func (m *Manager) BeginSignIn(ctx context.Context, principalID string) (string, error) {
	state, err := statetoken.EncodeSignIn(statetoken.SignInState{
		Nonce:       m.newNonce(),
		PrincipalID: principalID,
	})
	if err != nil {
		return "", m.fail(telemetry.StageSignIn, err)
	}

	record := pendingRecord{
		Status:     statusAuthenticating,
		StateToken: state,
		Timestamp:  m.now(),
	}
	if _, err := m.store.Put(ctx, principalKey(principalID), record, ""); err != nil {
		return "", m.fail(telemetry.StageSignIn, err)
	}

	m.metrics.LinkEvent(telemetry.StageSignIn, telemetry.OutcomeOK)
	return m.provider.AuthorizationURL(state), nil
}

// HandleCallback processes the vendor's OAuth redirect. On success it returns
// the one-time verification code the user must type back into the chat
// surface. The pending record is consumed before any validation, so a state
// token can be presented at most once.
func (m *Manager) HandleCallback(ctx context.Context, state, code, vendorError string) (string, error) {
	decoded, err := statetoken.DecodeSignIn(state)
	if err != nil {
		return "", m.fail(telemetry.StageCallback, err)
	}

	pending, err := m.consumePending(ctx, decoded.PrincipalID)
	if err != nil {
		return "", m.fail(telemetry.StageCallback, err)
	}
	if pending.Status != statusAuthenticating || pending.StateToken != state {
		return "", m.fail(telemetry.StageCallback, errors.NewTamperedOrReplayedError(
			"the sign-in state does not match the pending sign-in", nil))
	}

	if vendorError != "" {
		return "", m.fail(telemetry.StageCallback, errors.NewVendorExchangeError(
			"the vendor reported an authorization error: "+vendorError, nil))
	}
	if code == "" {
		return "", m.fail(telemetry.StageCallback, errors.NewVendorExchangeError(
			"the callback carried no authorization code", nil))
	}

	token, err := m.provider.ExchangeCode(ctx, code)
	if err != nil {
		return "", m.fail(telemetry.StageCallback, err)
	}

	verificationCode, err := m.newCode()
	if err != nil {
		return "", m.fail(telemetry.StageCallback, err)
	}
	record := pendingRecord{
		Status:           statusValidating,
		VerificationCode: verificationCode,
		VendorToken:      token,
		Timestamp:        m.now(),
	}
	if _, err := m.store.Put(ctx, principalKey(decoded.PrincipalID), record, ""); err != nil {
		return "", m.fail(telemetry.StageCallback, err)
	}

	m.metrics.LinkEvent(telemetry.StageCallback, telemetry.OutcomeOK)
	return verificationCode, nil
}

// CompleteVerification finishes the link: the principal has typed the
// verification code back into the chat surface. The pending record is
// consumed regardless of outcome. On success the durable record and the
// reverse index are written and the principal's notification artifact is
// provisioned; if provisioning fails, both writes are rolled back.
func (m *Manager) CompleteVerification(ctx context.Context, principalID, code string) (*Link, error) {
	pending, err := m.consumePending(ctx, principalID)
	if err != nil {
		return nil, m.fail(telemetry.StageVerify, err)
	}
	if pending.Status != statusValidating || pending.VerificationCode == "" || pending.VerificationCode != code {
		return nil, m.fail(telemetry.StageVerify, errors.NewTamperedOrReplayedError(
			"the verification code does not match a pending sign-in", nil))
	}

	profile, err := m.provider.UserProfile(ctx, pending.VendorToken)
	if err != nil {
		return nil, m.fail(telemetry.StageVerify, err)
	}
	vendorUserID, err := m.provider.UserID(profile)
	if err != nil {
		return nil, m.fail(telemetry.StageVerify, err)
	}

	link := &Link{
		Status:        StatusAuthenticated,
		VendorToken:   pending.VendorToken,
		VendorProfile: profile,
		VendorUserID:  vendorUserID,
		PrincipalID:   principalID,
	}
	key := principalKey(principalID)
	if _, err := m.store.Put(ctx, key, link, ""); err != nil {
		return nil, m.fail(telemetry.StageVerify, err)
	}
	reverse := reverseRecord{PrincipalKey: key, PrincipalID: principalID}
	if _, err := m.store.Put(ctx, vendorUserKey(vendorUserID), reverse, ""); err != nil {
		m.rollback(ctx, key)
		return nil, m.fail(telemetry.StageVerify, err)
	}

	if err := m.provisionArtifact(ctx, principalID, vendorUserID, profile); err != nil {
		m.rollback(ctx, key, vendorUserKey(vendorUserID))
		return nil, m.fail(telemetry.StageVerify, err)
	}

	m.metrics.LinkEvent(telemetry.StageVerify, telemetry.OutcomeOK)
	if m.onLinked != nil {
		m.onLinked(ctx, link)
	}
	return link, nil
}

// EnsureAccessToken returns a vendor access token valid for at least the
// expiry skew, refreshing it at most once when stale. A failed refresh tears
// down the principal's notification artifact and requires a new sign-in.
func (m *Manager) EnsureAccessToken(ctx context.Context, principalID string) (*oauth.Token, error) {
	key := principalKey(principalID)
	record, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewUnauthenticatedError("the user has not linked a vendor identity", err)
		}
		return nil, err
	}
	var link Link
	if err := record.Decode(&link); err != nil {
		return nil, errors.NewInternalError("failed to decode link record", err)
	}
	if link.Status != StatusAuthenticated && link.Status != StatusRefreshing {
		return nil, errors.NewUnauthenticatedError("the sign-in has not completed", nil)
	}

	switch link.VendorToken.FreshnessAt(m.now()) {
	case oauth.Fresh:
		return link.VendorToken, nil
	case oauth.Dead:
		return nil, errors.NewUnauthenticatedError("the stored vendor token can no longer be refreshed", nil)
	case oauth.Refreshable:
	}

	// Record the refresh in progress before calling out, threading the etag
	// so a concurrent writer is not silently overwritten.
	link.Status = StatusRefreshing
	etag, err := m.store.Put(ctx, key, &link, record.ETag)
	if err != nil {
		return nil, err
	}

	refreshed, err := m.provider.Refresh(ctx, link.VendorToken)
	if err != nil {
		if derr := m.artifacts.Deprovision(ctx, m.target(principalID)); derr != nil {
			logger.Warnf("failed to deprovision artifact for principal %s: %v", principalID, derr)
		}
		m.metrics.LinkEvent(telemetry.StageRefresh, telemetry.OutcomeError)
		return nil, errors.NewUnauthenticatedError("the vendor token could not be refreshed; sign in again", err)
	}

	profile, err := m.provider.UserProfile(ctx, refreshed)
	if err != nil {
		return nil, m.fail(telemetry.StageRefresh, err)
	}

	link.Status = StatusAuthenticated
	link.VendorToken = refreshed
	link.VendorProfile = profile
	if _, err := m.store.Put(ctx, key, &link, etag); err != nil {
		return nil, m.fail(telemetry.StageRefresh, err)
	}

	m.metrics.LinkEvent(telemetry.StageRefresh, telemetry.OutcomeOK)
	return refreshed, nil
}

// Unlink removes the durable record, its reverse index entry, and the
// principal's notification artifact. An unlinked principal is not an error.
func (m *Manager) Unlink(ctx context.Context, principalID string) error {
	key := principalKey(principalID)
	record, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	var link Link
	if err := record.Decode(&link); err == nil && link.VendorUserID != "" {
		if derr := m.store.Delete(ctx, vendorUserKey(link.VendorUserID)); derr != nil {
			logger.Warnf("failed to delete reverse index for %s: %v", link.VendorUserID, derr)
		}
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return err
	}
	if err := m.artifacts.Deprovision(ctx, m.target(principalID)); err != nil {
		return err
	}

	m.metrics.LinkEvent(telemetry.StageUnlink, telemetry.OutcomeOK)
	return nil
}

// LinkByVendorUser resolves an inbound notification target: the reverse index
// entry for the vendor user, then the durable record it points at.
func (m *Manager) LinkByVendorUser(ctx context.Context, vendorUserID string) (*Link, error) {
	record, err := m.store.Get(ctx, vendorUserKey(vendorUserID))
	if err != nil {
		return nil, err
	}
	var reverse reverseRecord
	if err := record.Decode(&reverse); err != nil {
		return nil, errors.NewInternalError("failed to decode reverse index record", err)
	}

	linkRecord, err := m.store.Get(ctx, reverse.PrincipalKey)
	if err != nil {
		return nil, err
	}
	var link Link
	if err := linkRecord.Decode(&link); err != nil {
		return nil, errors.NewInternalError("failed to decode link record", err)
	}
	return &link, nil
}

// Notify relays a vendor notification to the linked principal via the
// provider's notification hook and returns the hook's response.
func (m *Manager) Notify(ctx context.Context, vendorUserID string, payload json.RawMessage) (json.RawMessage, error) {
	link, err := m.LinkByVendorUser(ctx, vendorUserID)
	if err != nil {
		m.metrics.Notification(telemetry.OutcomeError)
		return nil, err
	}
	response, err := m.provider.Notify(ctx, link.VendorProfile, payload)
	if err != nil {
		m.metrics.Notification(telemetry.OutcomeError)
		return nil, err
	}
	m.metrics.Notification(telemetry.OutcomeOK)
	return response, nil
}

// Teardown deletes every record this connector has stored and every artifact
// it has provisioned, page by page; deletions within a page run concurrently.
func (m *Manager) Teardown(ctx context.Context) error {
	for {
		targets, err := m.artifacts.ListByOwner(ctx, m.platform.AccountID, m.platform.SubscriptionID, m.ownerTag())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, target := range targets {
			group.Go(func() error {
				return m.artifacts.Deprovision(groupCtx, target)
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
	}
	return m.store.DeleteAll(ctx)
}

// consumer is implemented by stores with an atomic read-and-remove primitive.
type consumer interface {
	GetAndDelete(ctx context.Context, key string) (*storage.Record, error)
}

// consumePending reads and removes the principal's pending record. The
// delete happens before any validation so the record can be consumed at most
// once; without an atomic primitive on the store a narrow race window
// remains.
func (m *Manager) consumePending(ctx context.Context, principalID string) (*pendingRecord, error) {
	key := principalKey(principalID)

	var record *storage.Record
	var err error
	if c, ok := m.store.(consumer); ok {
		record, err = c.GetAndDelete(ctx, key)
	} else {
		record, err = m.store.Get(ctx, key)
		if err == nil {
			err = m.store.Delete(ctx, key)
		}
	}
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewTamperedOrReplayedError("no sign-in is in progress for this user", err)
		}
		return nil, err
	}

	var pending pendingRecord
	if err := record.Decode(&pending); err != nil {
		return nil, errors.NewInternalError("failed to decode pending link record", err)
	}
	if m.now().Sub(pending.Timestamp) > pendingTTL {
		return nil, errors.NewTamperedOrReplayedError("the sign-in attempt has expired", nil)
	}
	return &pending, nil
}

// provisionArtifact creates the per-principal notification artifact. The
// artifact executes with exactly one grant, function:execute on this vendor
// user's notification resource, and only callers holding function:execute on
// the artifact's own resource may invoke it.
func (m *Manager) provisionArtifact(ctx context.Context, principalID, vendorUserID string, profile json.RawMessage) error {
	target := m.target(principalID)
	spec := &provision.Spec{
		Metadata: provision.Metadata{Tags: map[string]string{
			"ownerId":      m.ownerTag(),
			"vendorUserId": vendorUserID,
		}},
		Security: provision.Security{
			FunctionPermissions: &permissions.Set{Allow: []permissions.Grant{{
				Action:   "function:execute",
				Resource: m.platform.NotificationResource(vendorUserID),
			}}},
			Authentication: "required",
			Authorization: []permissions.Grant{{
				Action:   "function:execute",
				Resource: artifactResource(target),
			}},
		},
	}
	m.provider.ModifySpec(spec, vendorUserID, profile)

	location, err := m.artifacts.Provision(ctx, target, spec)
	if err != nil {
		return err
	}
	logger.Infof("provisioned notification artifact for vendor user %s at %s", vendorUserID, location)
	return nil
}

// rollback best-effort deletes the given keys after a partial failure.
func (m *Manager) rollback(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := m.store.Delete(ctx, key); err != nil {
			logger.Warnf("failed to roll back link record %s: %v", key, err)
		}
	}
}

func (m *Manager) fail(stage string, err error) error {
	m.metrics.LinkEvent(stage, telemetry.OutcomeError)
	return err
}

func (m *Manager) target(principalID string) provision.Target {
	return provision.Target{
		AccountID:      m.platform.AccountID,
		SubscriptionID: m.platform.SubscriptionID,
		BoundaryID:     boundaryID(principalID),
		FunctionID:     HandlerFunctionID,
	}
}

// ownerTag ties every provisioned artifact back to this connector for
// criteria-based listing during teardown.
func (m *Manager) ownerTag() string {
	return m.platform.BoundaryID + "/" + m.platform.FunctionID
}

func artifactResource(target provision.Target) string {
	return fmt.Sprintf("/account/%s/subscription/%s/boundary/%s/function/%s/",
		target.AccountID, target.SubscriptionID, target.BoundaryID, target.FunctionID)
}

// newVerificationCode produces the short human-typeable one-time code.
// Collisions are tolerable: the code is single use and scoped to one pending
// record.
func newVerificationCode() (string, error) {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewInternalError("failed to generate verification code", err)
	}
	return hex.EncodeToString(buf), nil
}
