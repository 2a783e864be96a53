// Package permissions implements the capability-style permission model used to
// gate every cross-component call in the connector.
//
// A caller presents an ordered set of grants; an operation is allowed when the
// first grant whose resource is a prefix of the requested resource also covers
// the requested action. Resources are slash-delimited hierarchical paths,
// actions are colon-delimited token sequences with a '*' wildcard that matches
// the remainder of the action.
package permissions

import "strings"

// Grant authorizes one action on a resource subtree.
type Grant struct {
	// Action is a colon-delimited token sequence, e.g. "function:execute".
	// A token of "*" matches that position and every position after it.
	Action string `json:"action"`

	// Resource is a slash-delimited hierarchical path. It is compared as a
	// literal string prefix of the requested resource.
	Resource string `json:"resource"`
}

// Set is an ordered sequence of grants attached to a caller. Evaluation order
// is the grant list order and the first matching grant wins.
type Set struct {
	Allow []Grant `json:"allow"`
}

// Authorize reports whether the set covers the requested action on the
// requested resource. A nil set denies everything.
func (s *Set) Authorize(action, resource string) bool {
	if s == nil {
		return false
	}
	requiredTokens := strings.Split(action, ":")
	for _, grant := range s.Allow {
		// The resource check is a literal string prefix, not segment-aware:
		// a grant on "/a/b" covers "/a/bc". This matches the platform's
		// matching rules and must not be tightened.
		if !strings.HasPrefix(resource, grant.Resource) {
			continue
		}
		if matchAction(requiredTokens, strings.Split(grant.Action, ":")) {
			return true
		}
	}
	return false
}

// matchAction compares the required action tokens positionally against the
// grant's tokens. Only the required tokens are walked, so a grant with extra
// trailing tokens does not block a shorter request. The first mismatch is
// tolerated only when the grant's token at that position is the wildcard "*",
// which then covers all remaining required tokens.
func matchAction(required, granted []string) bool {
	for i, token := range required {
		if i >= len(granted) {
			return false
		}
		if token != granted[i] {
			return granted[i] == "*"
		}
	}
	return true
}
