// Package chat is the boundary to the chat surface. It defines the minimal
// activity shape the connector inspects and dispatches inbound activities to
// the identity-link flow; parsing the platform's own wire protocol and
// rendering rich cards belong to the hosting chat SDK.
package chat

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/chatlink/connector/pkg/errors"
	"github.com/chatlink/connector/pkg/link"
	"github.com/chatlink/connector/pkg/logger"
)

// Activity types the dispatcher reacts to.
const (
	ActivityMessage = "message"
	ActivityInvoke  = "invoke"

	// VerifyStateInvoke is the invoke name chat clients use to deliver the
	// verification code without the user typing it.
	VerifyStateInvoke = "signin/verifyState"
)

// Commands understood in message text.
const (
	signInCommand  = "signin"
	signOutCommand = "signout"
)

// verificationCodePattern matches a bare one-time verification code.
var verificationCodePattern = regexp.MustCompile(`^[0-9a-f]{4}$`)

// Account identifies a chat-platform account.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Activity is the slice of a chat activity the connector needs.
type Activity struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	From         Account         `json:"from"`
	Conversation Account         `json:"conversation,omitempty"`
	Name         string          `json:"name,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
}

// Responder sends replies back through the chat surface.
type Responder interface {
	// Reply sends a plain-text reply in the activity's conversation.
	Reply(ctx context.Context, activity *Activity, text string) error

	// SignInCard renders a sign-in affordance pointing at signInURL.
	SignInCard(ctx context.Context, activity *Activity, signInURL string) error
}

// Linker is the slice of the identity-link state machine the dispatcher
// drives.
type Linker interface {
	BeginSignIn(ctx context.Context, principalID string) (string, error)
	CompleteVerification(ctx context.Context, principalID, code string) (*link.Link, error)
	Unlink(ctx context.Context, principalID string) error
}

// Dispatcher routes inbound chat activities.
type Dispatcher struct {
	links       Linker
	responder   Responder
	baseURL     string
	vendorName  string
	onTurnError func(ctx context.Context, activity *Activity, err error)
}

// NewDispatcher creates a dispatcher. baseURL is the connector's externally
// visible base URL, used to build the same-origin sign-in bounce link.
func NewDispatcher(links Linker, responder Responder, baseURL, vendorName string) *Dispatcher {
	return &Dispatcher{
		links:      links,
		responder:  responder,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		vendorName: vendorName,
	}
}

// OnTurnError replaces the default turn-error handler, which replies with a
// generic message and logs the error.
func (d *Dispatcher) OnTurnError(fn func(ctx context.Context, activity *Activity, err error)) {
	d.onTurnError = fn
}

// Dispatch handles one inbound activity. Errors raised while handling are
// routed to the turn-error handler; Dispatch itself only fails when even that
// is impossible.
func (d *Dispatcher) Dispatch(ctx context.Context, activity *Activity) error {
	if err := d.handle(ctx, activity); err != nil {
		d.turnError(ctx, activity, err)
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, activity *Activity) error {
	switch activity.Type {
	case ActivityMessage:
		return d.handleMessage(ctx, activity)
	case ActivityInvoke:
		if activity.Name == VerifyStateInvoke {
			return d.handleVerifyState(ctx, activity)
		}
	}
	// Other activity types (typing indicators, membership updates) are not
	// the connector's concern.
	return nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, activity *Activity) error {
	text := strings.ToLower(strings.TrimSpace(activity.Text))
	switch {
	case text == signInCommand:
		return d.beginSignIn(ctx, activity)
	case text == signOutCommand:
		if err := d.links.Unlink(ctx, activity.From.ID); err != nil {
			return err
		}
		return d.responder.Reply(ctx, activity, "You have been signed out.")
	case verificationCodePattern.MatchString(text):
		return d.completeVerification(ctx, activity, text)
	}
	return nil
}

func (d *Dispatcher) handleVerifyState(ctx context.Context, activity *Activity) error {
	var value struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(activity.Value, &value); err != nil || value.State == "" {
		return errors.NewMalformedTokenError("the verify-state activity carried no code", err)
	}
	return d.completeVerification(ctx, activity, value.State)
}

func (d *Dispatcher) beginSignIn(ctx context.Context, activity *Activity) error {
	authorizationURL, err := d.links.BeginSignIn(ctx, activity.From.ID)
	if err != nil {
		return err
	}
	return d.responder.SignInCard(ctx, activity, d.signInURL(authorizationURL))
}

func (d *Dispatcher) completeVerification(ctx context.Context, activity *Activity, code string) error {
	linked, err := d.links.CompleteVerification(ctx, activity.From.ID, code)
	if err != nil {
		if errors.IsTamperedOrReplayed(err) {
			return d.responder.Reply(ctx, activity,
				"You are not signed in, or the verification code did not match. Type 'signin' to start over.")
		}
		return err
	}
	return d.responder.Reply(ctx, activity,
		"You are now signed in to "+d.vendorName+" as "+linked.VendorUserID+".")
}

// signInURL wraps the vendor authorization URL in the connector's same-origin
// bounce page, which some chat clients require before leaving their domain.
func (d *Dispatcher) signInURL(authorizationURL string) string {
	return d.baseURL + "/start-oauth?authorizationUrl=" + url.QueryEscape(authorizationURL)
}

func (d *Dispatcher) turnError(ctx context.Context, activity *Activity, err error) {
	if d.onTurnError != nil {
		d.onTurnError(ctx, activity, err)
		return
	}
	logger.Errorf("failed to handle %s activity from %s: %v", activity.Type, activity.From.ID, err)
	if rerr := d.responder.Reply(ctx, activity, "Something went wrong. Please try again."); rerr != nil {
		logger.Errorf("failed to send turn-error reply: %v", rerr)
	}
}

// LogResponder is a Responder that logs replies instead of sending them. It
// serves deployments where the chat SDK delivery channel is wired separately.
type LogResponder struct{}

// NewLogResponder creates a LogResponder.
func NewLogResponder() *LogResponder {
	return &LogResponder{}
}

// Reply logs the reply text.
func (*LogResponder) Reply(_ context.Context, activity *Activity, text string) error {
	logger.Infow("chat reply", "conversation", activity.Conversation.ID, "text", text)
	return nil
}

// SignInCard logs the sign-in URL.
func (*LogResponder) SignInCard(_ context.Context, activity *Activity, signInURL string) error {
	logger.Infow("chat sign-in card", "conversation", activity.Conversation.ID, "url", signInURL)
	return nil
}
