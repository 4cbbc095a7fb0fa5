package authgate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lmbridge/edgeworker/internal/protocol"
)

// HandshakeResult carries the outcome of a WS first-frame auth handshake
// (spec.md §4.4) back to the caller that owns the connection.
type HandshakeResult struct {
	ClientID string
	Token    string
	OK       bool
	Reason   string
}

// Handshake validates the first frame read off a newly-upgraded Worker
// connection. raw must already have been decoded into an Envelope by the
// caller; Handshake only inspects it and produces the auth_result frame to
// send back. Any non-"auth" first frame is rejected (spec.md §4.4: auth
// must be the first frame, no other message type is accepted before it).
func (g *Gate) Handshake(env protocol.Envelope) (HandshakeResult, protocol.Envelope) {
	tag, known := env.Tag()
	if !known || tag != protocol.TagAuth {
		return g.rejectNotFirstFrame("Authentication required")
	}
	if env.ClientID == "" {
		return g.reject("Client ID required")
	}
	if !g.CheckAPIKey(env.APIKey) {
		return g.reject("Invalid API key")
	}

	token, _, err := g.IssueToken(env.ClientID)
	if err != nil {
		return g.reject(fmt.Sprintf("token issuance failed: %v", err))
	}

	result := HandshakeResult{ClientID: env.ClientID, Token: token, OK: true}
	success := true
	resp := protocol.Envelope{
		Type:      string(protocol.TagAuthResult),
		Timestamp: time.Now().UnixMilli(),
		Success:   &success,
		Token:     token,
	}
	return result, resp
}

// reject builds the auth_result{success:false} rejection used once a frame
// has been recognized as an auth attempt but failed validation (bad clientId
// or api key).
func (g *Gate) reject(reason string) (HandshakeResult, protocol.Envelope) {
	failure := false
	resp := protocol.Envelope{
		Type:      string(protocol.TagAuthResult),
		Timestamp: time.Now().UnixMilli(),
		Success:   &failure,
		Error:     reason,
	}
	return HandshakeResult{OK: false, Reason: reason}, resp
}

// rejectNotFirstFrame builds the error{error:"Authentication required"}
// envelope spec.md §4.4 requires when the first frame off a newly-upgraded
// connection isn't of type auth at all.
func (g *Gate) rejectNotFirstFrame(reason string) (HandshakeResult, protocol.Envelope) {
	resp := protocol.Envelope{
		Type:      string(protocol.TagError),
		Timestamp: time.Now().UnixMilli(),
		Error:     reason,
	}
	return HandshakeResult{OK: false, Reason: reason}, resp
}

// DecodeEnvelope is a small helper so callers reading the first WS frame
// don't need to import encoding/json themselves just for this one call.
func DecodeEnvelope(raw []byte) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("authgate: decode frame: %w", err)
	}
	return env, nil
}
