// Package connector exposes the connector's HTTP surface: the chat-activity
// ingress, the OAuth redirect endpoints, the notification API used by the
// provisioned artifacts, and the teardown endpoint.
package connector

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chatlink/connector/pkg/auth"
	"github.com/chatlink/connector/pkg/chat"
	"github.com/chatlink/connector/pkg/config"
	"github.com/chatlink/connector/pkg/errors"
	"github.com/chatlink/connector/pkg/logger"
	"github.com/chatlink/connector/pkg/oauth"
)

// maxBodySize bounds inbound request bodies.
const maxBodySize = 1 << 20

// LinkService is the slice of the identity-link state machine the HTTP
// surface drives.
type LinkService interface {
	HandleCallback(ctx context.Context, state, code, vendorError string) (string, error)
	Notify(ctx context.Context, vendorUserID string, payload json.RawMessage) (json.RawMessage, error)
	Teardown(ctx context.Context) error
}

// Routes holds the handlers of the connector HTTP surface.
type Routes struct {
	links      LinkService
	dispatcher *chat.Dispatcher
	provider   *oauth.Provider
	platform   config.Platform
	pages      *pages
	metrics    http.Handler
}

// NewRoutes creates the connector routes. metricsHandler may be nil to leave
// the metrics endpoint unmounted.
func NewRoutes(
	links LinkService,
	dispatcher *chat.Dispatcher,
	provider *oauth.Provider,
	platform config.Platform,
	metricsHandler http.Handler,
) *Routes {
	return &Routes{
		links:      links,
		dispatcher: dispatcher,
		provider:   provider,
		platform:   platform,
		pages:      newPages(provider.Name()),
		metrics:    metricsHandler,
	}
}

// Router assembles the connector's HTTP router.
func (s *Routes) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(auth.CallerMiddleware)

	r.With(auth.RequirePermission("function:delete", s.ownResource)).
		Delete("/", s.teardown)
	r.With(auth.RequirePermission("function:execute", s.notificationResource)).
		Post("/api/notification/{vendorUserID}", s.notification)
	r.Post("/api/messages", s.messages)
	r.Get("/start-oauth", s.startOAuth)
	r.Get("/callback", s.callback)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Routes) ownResource(*http.Request) string {
	return s.platform.FunctionResource()
}

func (s *Routes) notificationResource(r *http.Request) string {
	return s.platform.NotificationResource(chi.URLParam(r, "vendorUserID"))
}

// teardown removes all connector storage and every provisioned artifact.
func (s *Routes) teardown(w http.ResponseWriter, r *http.Request) {
	if err := s.links.Teardown(r.Context()); err != nil {
		logger.Errorf("teardown failed: %v", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// notification relays an inbound call from a provisioned artifact to the
// linked chat principal.
func (s *Routes) notification(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, errors.NewInternalError("failed to read notification body", err))
		return
	}
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	response, err := s.links.Notify(r.Context(), chi.URLParam(r, "vendorUserID"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if response == nil {
		response = json.RawMessage(`{}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

// messages receives inbound chat activities.
func (s *Routes) messages(w http.ResponseWriter, r *http.Request) {
	var activity chat.Activity
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&activity); err != nil {
		writeError(w, errors.NewInternalError("failed to decode activity", err))
		return
	}
	if err := s.dispatcher.Dispatch(r.Context(), &activity); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// startOAuth renders the same-origin bounce page some chat clients require
// before navigating to the vendor's domain. The target must point at the
// configured authorization endpoint; anything else is rejected.
func (s *Routes) startOAuth(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("authorizationUrl")
	if target == "" || !strings.HasPrefix(target, s.provider.AuthorizationBaseURL()) {
		s.pages.renderError(w, http.StatusForbidden, "The sign-in link is not valid.")
		return
	}
	s.pages.renderStart(w, target)
}

// callback handles the vendor's OAuth redirect. All failures render an HTML
// error page: the user is mid-redirect and has no other channel.
func (s *Routes) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verificationCode, err := s.links.HandleCallback(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"))
	if err != nil {
		logger.Infof("sign-in callback failed: %v", err)
		s.pages.renderError(w, statusFor(err), userMessage(err))
		return
	}
	s.pages.renderCallback(w, verificationCode)
}

// apiError is the JSON error shape of the API-style endpoints.
type apiError struct {
	Status     int    `json:"status"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := apiError{Status: status, StatusCode: status, Message: userMessage(err)}
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logger.Warnf("failed to write error response: %v", encodeErr)
	}
}

func statusFor(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsNotImplemented(err):
		return http.StatusNotImplemented
	case errors.IsUnauthenticated(err):
		return http.StatusUnauthorized
	case errors.IsForbidden(err):
		return http.StatusForbidden
	case errors.IsMalformedToken(err), errors.IsTamperedOrReplayed(err), errors.IsVendorExchange(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// userMessage maps an error to the text shown to users, without leaking
// internals on unexpected failures.
func userMessage(err error) string {
	var typed *errors.Error
	if stderrors.As(err, &typed) && typed.Type != errors.ErrInternal {
		return typed.Message
	}
	return "An unexpected error occurred."
}
