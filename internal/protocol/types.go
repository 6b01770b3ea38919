// Package protocol defines the wire contracts spoken by vkrelay: relay
// signature headers, relay session negotiation payloads, the token refresh
// exchange and the JSON Patch stream envelopes.
package protocol

import (
	"encoding/json"
	"time"
)

// SignatureVersion prefixes every signed message. Changing the message layout
// requires bumping it.
const SignatureVersion = "v1"

// Relay signature headers. The same names are used as query parameters on
// WebSocket URLs, where custom headers cannot be sent.
const (
	HeaderSigningSession = "x-vk-sig-session"
	HeaderTimestamp      = "x-vk-sig-ts"
	HeaderNonce          = "x-vk-sig-nonce"
	HeaderSignature      = "x-vk-sig-signature"

	// HeaderRelayed marks a request as having crossed the relay.
	HeaderRelayed = "x-vk-relayed"
)

// Remote API paths.
const (
	PathCreateRelaySession = "/v1/hosts/%s/sessions"
	PathRelaySessionCode   = "/v1/relay/sessions/%s/auth-code"
	PathTokenRefresh       = "/v1/tokens/refresh"
)

// RelayCookieName is the cookie the relay sets after a successful code exchange.
const RelayCookieName = "relay_token"

// RelaySession is a short-lived authorization for reaching a host through the relay.
type RelaySession struct {
	ID        string     `json:"id"`
	HostID    string     `json:"host_id"`
	State     string     `json:"state,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// CreateRelaySessionResponse is returned by POST /v1/hosts/{host_id}/sessions.
type CreateRelaySessionResponse struct {
	Session RelaySession `json:"session"`
}

// RelaySessionAuthCodeResponse is returned by POST /v1/relay/sessions/{id}/auth-code.
type RelaySessionAuthCodeResponse struct {
	SessionID string `json:"session_id"`
	RelayURL  string `json:"relay_url"`
	Code      string `json:"code"`
}

// RefreshTokenRequest is the body of POST /v1/tokens/refresh.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPair is the bearer credential pair for the primary API.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Patch stream SSE event names.
const (
	EventJSONPatch = "json_patch"
	EventFinished  = "finished"
)

// Operation is a single RFC6902 operation.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StreamMessage is a decoded WebSocket patch stream frame.
type StreamMessage struct {
	Patch    []Operation
	Finished bool
}

// ParseStreamMessage decodes a WebSocket text frame. Frames look like
// {"JsonPatch":[...]} or {"Finished":...}; the presence of the Finished key
// ends the stream regardless of its value. The older {"finished":true} form
// is accepted as well. Frames carrying neither key decode to a zero message.
func ParseStreamMessage(data []byte) (StreamMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return StreamMessage{}, err
	}

	var msg StreamMessage
	if raw, ok := fields["JsonPatch"]; ok {
		if err := json.Unmarshal(raw, &msg.Patch); err != nil {
			return StreamMessage{}, err
		}
	}
	if _, ok := fields["Finished"]; ok {
		msg.Finished = true
	}
	if raw, ok := fields["finished"]; ok {
		var done bool
		if json.Unmarshal(raw, &done) == nil && done {
			msg.Finished = true
		}
	}
	return msg, nil
}

// ParsePatch decodes an SSE json_patch payload.
func ParsePatch(data []byte) ([]Operation, error) {
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}
