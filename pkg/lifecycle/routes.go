package lifecycle

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/chatlink/connector/pkg/config"
	"github.com/chatlink/connector/pkg/errors"
	"github.com/chatlink/connector/pkg/logger"
	"github.com/chatlink/connector/pkg/permissions"
	"github.com/chatlink/connector/pkg/provision"
	"github.com/chatlink/connector/pkg/statetoken"
)

// Routes holds the lifecycle-manager HTTP handlers.
type Routes struct {
	manager      config.Manager
	artifacts    provision.Client
	chain        *Chain
	newStorageID func() string
}

// NewRoutes creates the lifecycle routes.
func NewRoutes(manager config.Manager, artifacts provision.Client) *Routes {
	return &Routes{
		manager:      manager,
		artifacts:    artifacts,
		chain:        NewChain(manager.SettingsManagers, manager.ShowForm),
		newStorageID: uuid.NewString,
	}
}

// Router assembles the lifecycle router, mounted under /lifecycle.
func (s *Routes) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/configure", s.configure)
	r.Post("/configure", s.configure)
	r.Post("/install", s.install)
	r.Post("/uninstall", s.uninstall)
	return r
}

// configure drives the configuration chain. The first call carries returnTo
// and optionally the caller's own state; every later hop carries the encoded
// chain state instead.
func (s *Routes) configure(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed form submission")
			return
		}
	}

	state, data, err := s.inputs(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !allowedReturnTo(state.ReturnTo, s.manager.AllowedReturnTo) {
		writeJSONError(w, http.StatusForbidden, "the returnTo URL is not allowed")
		return
	}

	// A hop carrying an error outcome, typically the callback of a
	// subordinate settings manager, short-circuits the chain back to the
	// original caller.
	if formValue(r, "status") == "error" {
		s.completeWithRelayedError(w, r, state, data)
		return
	}

	formSubmitted := formValue(r, "formSubmitted") == "1"
	decision, redirectURL, err := s.chain.Next(state, data, formSubmitted)
	if err != nil {
		s.completeWithError(w, r, state, err)
		return
	}

	switch decision {
	case DecisionRedirect:
		http.Redirect(w, r, redirectURL, http.StatusFound)
	case DecisionForm:
		s.renderForm(w, state, data)
	case DecisionComplete:
		http.Redirect(w, r, completionURL(state.ReturnTo, "success", data, state.ReturnToState), http.StatusFound)
	}
}

// inputs reconstructs the chain state from the request. A returnTo parameter
// starts a new chain; otherwise the state parameter must carry a chain state
// minted by an earlier hop.
func (s *Routes) inputs(r *http.Request) (statetoken.ChainState, string, error) {
	data := formValue(r, "data")

	if returnTo := formValue(r, "returnTo"); returnTo != "" {
		return statetoken.ChainState{
			ConfigurationState: configurationStateConfigure,
			ReturnTo:           returnTo,
			ReturnToState:      formValue(r, "state"),
		}, data, nil
	}

	rawState := formValue(r, "state")
	if rawState == "" {
		return statetoken.ChainState{}, "", fmt.Errorf("either returnTo or state is required")
	}
	state, err := statetoken.DecodeChain(rawState)
	if err != nil {
		return statetoken.ChainState{}, "", err
	}
	if state.ConfigurationState != configurationStateConfigure {
		return statetoken.ChainState{}, "", errors.NewMalformedTokenError(
			"unexpected configuration state "+state.ConfigurationState, nil)
	}
	return state, data, nil
}

// completeWithRelayedError propagates an error reported by a subordinate
// settings manager to the original caller, normalizing the data payload to
// the {status, message} error shape.
func (s *Routes) completeWithRelayedError(w http.ResponseWriter, r *http.Request, state statetoken.ChainState, data string) {
	payload := map[string]any{
		"status":  http.StatusInternalServerError,
		"message": "Unspecified error",
	}
	if decoded, err := statetoken.DecodeData(data); err == nil {
		if status, ok := decoded["status"]; ok {
			payload["status"] = status
		}
		if message, ok := decoded["message"]; ok {
			payload["message"] = message
		}
	}
	logger.Errorf("settings manager at stage %d reported an error: %v", state.StageIndex, payload["message"])

	encoded, err := statetoken.EncodeData(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "the configuration could not be completed")
		return
	}
	http.Redirect(w, r, completionURL(state.ReturnTo, "error", encoded, state.ReturnToState), http.StatusFound)
}

// completeWithError reports a failure through the same opaque redirect shape
// as success, since the caller observes the chain only via its returnTo URL.
func (s *Routes) completeWithError(w http.ResponseWriter, r *http.Request, state statetoken.ChainState, cause error) {
	logger.Errorf("configuration chain failed: %v", cause)
	encoded, err := statetoken.EncodeData(map[string]any{
		"status":     "error",
		"statusCode": http.StatusInternalServerError,
		"message":    "the configuration could not be completed",
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "the configuration could not be completed")
		return
	}
	http.Redirect(w, r, completionURL(state.ReturnTo, "error", encoded, state.ReturnToState), http.StatusFound)
}

const formPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Confirm installation</title></head>
<body>
<h1>Confirm installation</h1>
<form method="post" action="configure">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="data" value="{{.Data}}">
<input type="hidden" name="formSubmitted" value="1">
<button type="submit">Finish</button>
</form>
</body>
</html>
`

var formTemplate = template.Must(template.New("form").Parse(formPage))

func (s *Routes) renderForm(w http.ResponseWriter, state statetoken.ChainState, data string) {
	encoded, err := statetoken.EncodeChain(state)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode chain state")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := formTemplate.Execute(w, struct{ State, Data string }{State: encoded, Data: data}); err != nil {
		logger.Errorf("failed to render confirmation form: %v", err)
	}
}

// installRequest is the payload the hosting platform posts when finalizing an
// installation.
type installRequest struct {
	BaseURL        string            `json:"baseUrl"`
	AccountID      string            `json:"accountId"`
	SubscriptionID string            `json:"subscriptionId"`
	BoundaryID     string            `json:"boundaryId"`
	FunctionID     string            `json:"functionId"`
	TemplateName   string            `json:"templateName"`
	Configuration  map[string]string `json:"configuration,omitempty"`
}

func (req *installRequest) validate() error {
	for name, value := range map[string]string{
		"baseUrl":        req.BaseURL,
		"accountId":      req.AccountID,
		"subscriptionId": req.SubscriptionID,
		"boundaryId":     req.BoundaryID,
		"functionId":     req.FunctionID,
		"templateName":   req.TemplateName,
	} {
		if value == "" {
			return fmt.Errorf("missing required field %s", name)
		}
	}
	return nil
}

func (req *installRequest) target() provision.Target {
	return provision.Target{
		AccountID:      req.AccountID,
		SubscriptionID: req.SubscriptionID,
		BoundaryID:     req.BoundaryID,
		FunctionID:     req.FunctionID,
	}
}

// install provisions the connector function itself, granting it full access
// to its private storage root and to its own function resource.
func (s *Routes) install(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed install request")
		return
	}
	if err := req.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	storageID := s.newStorageID()
	storageResource := fmt.Sprintf("/account/%s/subscription/%s/storage/%s/",
		req.AccountID, req.SubscriptionID, storageID)
	functionResource := fmt.Sprintf("/account/%s/subscription/%s/boundary/%s/function/%s/",
		req.AccountID, req.SubscriptionID, req.BoundaryID, req.FunctionID)

	settings := map[string]string{"storage_id": storageID}
	for key, value := range req.Configuration {
		settings[key] = value
	}

	spec := &provision.Spec{
		Metadata: provision.Metadata{Tags: map[string]string{
			"templateName": req.TemplateName,
		}},
		Security: provision.Security{
			Authentication: "required",
			FunctionPermissions: &permissions.Set{Allow: []permissions.Grant{
				{Action: "storage:*", Resource: storageResource},
				{Action: "function:*", Resource: functionResource},
			}},
		},
		Configuration: serializeSettings(settings),
	}

	location, err := s.artifacts.Provision(r.Context(), req.target(), spec)
	if err != nil {
		logger.Errorf("install failed for %s/%s: %v", req.BoundaryID, req.FunctionID, err)
		writeJSONError(w, http.StatusInternalServerError, "installation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"location":  location,
		"storageId": storageID,
	})
}

// uninstall removes the connector function. The connector's own teardown
// endpoint has already removed its storage and provisioned artifacts.
func (s *Routes) uninstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed uninstall request")
		return
	}
	if req.AccountID == "" || req.SubscriptionID == "" || req.BoundaryID == "" || req.FunctionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing required target fields")
		return
	}

	if err := s.artifacts.Deprovision(r.Context(), req.target()); err != nil {
		logger.Errorf("uninstall failed for %s/%s: %v", req.BoundaryID, req.FunctionID, err)
		writeJSONError(w, http.StatusInternalServerError, "uninstallation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

// serializeSettings renders configuration settings in the key=value format
// the provisioned function consumes. Keys are sorted for determinism.
func serializeSettings(settings map[string]string) string {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(settings[key])
		sb.WriteByte('\n')
	}
	return sb.String()
}

func formValue(r *http.Request, name string) string {
	if r.Method == http.MethodPost {
		return r.PostFormValue(name)
	}
	return r.URL.Query().Get(name)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("failed to write response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"status":     status,
		"statusCode": status,
		"message":    message,
	})
}
