// Package lifecycle implements the connector's installation lifecycle: the
// chained redirect sequence through external settings-manager pages, and the
// install/uninstall endpoints called by the hosting platform.
package lifecycle

import (
	"net/url"
	"strings"

	"github.com/chatlink/connector/pkg/statetoken"
)

// ConfigurationState of the chain handled by this connector.
const configurationStateConfigure = "configure"

// Decision is the outcome of evaluating one configuration-chain hop.
type Decision int

const (
	// DecisionRedirect sends the client to the next settings manager.
	DecisionRedirect Decision = iota

	// DecisionForm renders the local confirmation form.
	DecisionForm

	// DecisionComplete finishes the chain back to the original caller.
	DecisionComplete
)

// Chain evaluates configuration-chain transitions. The transition function is
// pure: it sees only the decoded state and the incoming request's data.
type Chain struct {
	managers []string
	showForm bool
}

// NewChain creates a chain over the ordered settings-manager URLs.
func NewChain(managers []string, showForm bool) *Chain {
	return &Chain{managers: managers, showForm: showForm}
}

// Next decides the following hop. The stage index increases by exactly one
// per settings-manager redirect and is the sole driver of termination; the
// data token is threaded through unchanged.
func (c *Chain) Next(state statetoken.ChainState, data string, formSubmitted bool) (Decision, string, error) {
	if state.StageIndex < len(c.managers) {
		target := c.managers[state.StageIndex]

		next := state
		next.StageIndex++
		encoded, err := statetoken.EncodeChain(next)
		if err != nil {
			return DecisionComplete, "", err
		}
		return DecisionRedirect, withQuery(target, url.Values{
			"state": {encoded},
			"data":  {data},
		}), nil
	}
	if c.showForm && !formSubmitted {
		return DecisionForm, "", nil
	}
	return DecisionComplete, "", nil
}

// allowedReturnTo reports whether returnTo is covered by the allow-list. An
// entry with a trailing '*' matches any URL sharing its prefix; other entries
// must match exactly.
func allowedReturnTo(returnTo string, allowed []string) bool {
	for _, entry := range allowed {
		if strings.HasSuffix(entry, "*") {
			if strings.HasPrefix(returnTo, strings.TrimSuffix(entry, "*")) {
				return true
			}
		} else if returnTo == entry {
			return true
		}
	}
	return false
}

// completionURL builds the one opaque response shape shared by success and
// error completion: status and base64 data, plus the caller's own state when
// it supplied one.
func completionURL(returnTo, status, encodedData, returnToState string) string {
	values := url.Values{"status": {status}}
	if encodedData != "" {
		values.Set("data", encodedData)
	}
	if returnToState != "" {
		values.Set("state", returnToState)
	}
	return withQuery(returnTo, values)
}

func withQuery(base string, values url.Values) string {
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return base + separator + values.Encode()
}
