package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatlink/connector/pkg/logger"
	"github.com/chatlink/connector/pkg/permissions"
)

// forbiddenBody is the fixed response returned on every failed authorization
// check. It deliberately carries no detail about the action or resource that
// failed.
var forbiddenBody = struct {
	Status     int    `json:"status"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}{
	Status:     http.StatusForbidden,
	StatusCode: http.StatusForbidden,
	Message:    "Unauthorized",
}

// CallerMiddleware extracts the caller identity from the bearer token attached
// by the platform gateway and stores it in the request context. The gateway
// has already verified the token signature, so the claims are parsed without
// re-validation here. Requests without a bearer token pass through with no
// caller attached; downstream authorization then denies them.
func CallerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		caller, err := callerFromToken(raw)
		if err != nil {
			logger.Debugf("ignoring unparseable bearer token: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// ResourceFunc computes the resource path an authorization check applies to,
// from the incoming request (typically from its URL parameters).
type ResourceFunc func(r *http.Request) string

// RequirePermission returns a middleware that allows the request through only
// when the caller's grant set covers the given action on the resource computed
// by resourceFn. Every failure, including a missing caller, is answered with
// HTTP 403 and the fixed generic body.
func RequirePermission(action string, resourceFn ResourceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resource := resourceFn(r)
			caller, ok := CallerFromContext(r.Context())
			if !ok {
				logger.Debugw("authorization denied: caller not authenticated",
					"action", action, "resource", resource)
				writeForbidden(w)
				return
			}
			if !caller.Permissions.Authorize(action, resource) {
				logger.Debugw("authorization denied: insufficient permissions",
					"subject", caller.Subject, "action", action, "resource", resource)
				writeForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	if err := json.NewEncoder(w).Encode(forbiddenBody); err != nil {
		logger.Warnf("failed to write forbidden response: %v", err)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// callerFromToken extracts the subject and permission grant set from the
// already-verified platform token. The grant set lives in a "permissions"
// claim of the shape {"allow": [{"action": ..., "resource": ...}]}.
func callerFromToken(raw string) (*Caller, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, jwt.ErrTokenInvalidClaims
	}

	caller := &Caller{}
	if sub, ok := claims["sub"].(string); ok {
		caller.Subject = sub
	}
	if rawPerms, ok := claims["permissions"]; ok {
		// Round-trip through JSON rather than walking the nested
		// map[string]any shape by hand.
		encoded, err := json.Marshal(rawPerms)
		if err != nil {
			return nil, err
		}
		var set permissions.Set
		if err := json.Unmarshal(encoded, &set); err != nil {
			return nil, err
		}
		caller.Permissions = &set
	}
	return caller, nil
}
