// Package statetoken encodes the opaque state tokens that thread protocol
// state across redirect hops, replacing server-side session affinity.
//
// Two envelopes coexist. The sign-in envelope is hex-encoded JSON so it can
// ride inside a URL-safe opaque string without escaping. The configuration
// chain envelope is base64 JSON, compact and able to survive an intermediate
// redirect hop that reformats query strings.
package statetoken

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/chatlink/connector/pkg/errors"
)

// SignInState binds an OAuth state parameter to the chat principal that
// initiated the sign-in.
type SignInState struct {
	// Nonce is a single-use random value.
	Nonce string `json:"nonce"`

	// PrincipalID is the chat-platform identity of the user signing in.
	PrincipalID string `json:"principalId"`
}

// EncodeSignIn serializes a sign-in state into its hex envelope.
func EncodeSignIn(state SignInState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal sign-in state", err)
	}
	return hex.EncodeToString(raw), nil
}

// DecodeSignIn parses a hex sign-in envelope. Any structural deviation,
// including missing or non-string fields, fails closed as a malformed-token
// error; a raw parse error is never surfaced to the caller.
func DecodeSignIn(token string) (SignInState, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return SignInState{}, errors.NewMalformedTokenError("state token is not hex encoded", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return SignInState{}, errors.NewMalformedTokenError("state token is not a JSON object", err)
	}

	state := SignInState{}
	if err := requireString(fields, "nonce", &state.Nonce); err != nil {
		return SignInState{}, err
	}
	if err := requireString(fields, "principalId", &state.PrincipalID); err != nil {
		return SignInState{}, err
	}
	return state, nil
}

// ChainState is the configuration-chain state threaded through each external
// settings-manager redirect during installation.
type ChainState struct {
	// ConfigurationState names the state-machine state handling the next hop.
	ConfigurationState string `json:"configurationState"`

	// ReturnTo is the original caller's URL the chain completes back to.
	ReturnTo string `json:"returnTo"`

	// ReturnToState is the caller's own opaque state, echoed on completion.
	ReturnToState string `json:"returnToState,omitempty"`

	// StageIndex counts completed settings-manager hops. It increases by
	// exactly one per hop and is the sole driver of chain termination.
	StageIndex int `json:"stageIndex,omitempty"`
}

// EncodeChain serializes a chain state into its base64 envelope.
func EncodeChain(state ChainState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal chain state", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeChain parses a base64 chain envelope, failing closed on any
// structural deviation.
func DecodeChain(token string) (ChainState, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return ChainState{}, errors.NewMalformedTokenError("state parameter is not base64 encoded", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ChainState{}, errors.NewMalformedTokenError("state parameter is not a JSON object", err)
	}

	state := ChainState{}
	if err := requireString(fields, "configurationState", &state.ConfigurationState); err != nil {
		return ChainState{}, err
	}
	if err := requireString(fields, "returnTo", &state.ReturnTo); err != nil {
		return ChainState{}, err
	}
	if raw, ok := fields["returnToState"]; ok {
		if err := json.Unmarshal(raw, &state.ReturnToState); err != nil {
			return ChainState{}, errors.NewMalformedTokenError("field returnToState is not a string", err)
		}
	}
	if raw, ok := fields["stageIndex"]; ok {
		if err := json.Unmarshal(raw, &state.StageIndex); err != nil {
			return ChainState{}, errors.NewMalformedTokenError("field stageIndex is not an integer", err)
		}
	}
	return state, nil
}

// EncodeData serializes an arbitrary data payload into the base64 envelope
// shared with the chain state.
func EncodeData(data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal data payload", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeData parses a base64 data payload.
func DecodeData(token string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.NewMalformedTokenError("data parameter is not base64 encoded", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.NewMalformedTokenError("data parameter is not a JSON object", err)
	}
	return data, nil
}

func requireString(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok {
		return errors.NewMalformedTokenError("missing required field "+name, nil)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.NewMalformedTokenError("field "+name+" is not a string", err)
	}
	return nil
}
