package authgate

import (
	"testing"
	"time"

	"github.com/lmbridge/edgeworker/internal/protocol"
)

func TestIssueAndValidateToken(t *testing.T) {
	g := New("shared-secret", "signing-key", time.Hour)

	token, expiresAt, err := g.IssueToken("worker-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatalf("expected future expiry, got %v", expiresAt)
	}

	clientID, err := g.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if clientID != "worker-1" {
		t.Fatalf("expected clientId worker-1, got %q", clientID)
	}
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	g1 := New("key", "secret-a", time.Hour)
	g2 := New("key", "secret-b", time.Hour)

	token, _, _ := g1.IssueToken("worker-1")
	if _, err := g2.ValidateToken(token); err == nil {
		t.Fatalf("expected validation to fail against a different signing key")
	}
}

func TestCheckAPIKeyAndHotRotate(t *testing.T) {
	g := New("old-key", "secret", time.Hour)
	if !g.CheckAPIKey("old-key") {
		t.Fatalf("expected old-key to match")
	}
	g.SetAPIKey("new-key")
	if g.CheckAPIKey("old-key") {
		t.Fatalf("expected old-key to be rejected after rotation")
	}
	if !g.CheckAPIKey("new-key") {
		t.Fatalf("expected new-key to match after rotation")
	}
}

func TestHandshakeRejectsNonAuthFirstFrame(t *testing.T) {
	g := New("key", "secret", time.Hour)
	result, resp := g.Handshake(protocol.Envelope{Type: "chat_request"})
	if result.OK {
		t.Fatalf("expected handshake to fail for non-auth first frame")
	}
	if resp.Type != string(protocol.TagError) || resp.Error != "Authentication required" {
		t.Fatalf("expected error{error:\"Authentication required\"}, got %+v", resp)
	}
}

func TestHandshakeRejectsBadAPIKey(t *testing.T) {
	g := New("correct-key", "secret", time.Hour)
	result, _ := g.Handshake(protocol.Envelope{Type: "auth", APIKey: "wrong-key", ClientID: "w1"})
	if result.OK {
		t.Fatalf("expected handshake to fail for bad api key")
	}
}

func TestHandshakeRejectsMissingClientID(t *testing.T) {
	g := New("key", "secret", time.Hour)
	result, _ := g.Handshake(protocol.Envelope{Type: "auth", APIKey: "key"})
	if result.OK {
		t.Fatalf("expected handshake to fail without clientId")
	}
}

func TestHandshakeSuccess(t *testing.T) {
	g := New("key", "secret", time.Hour)
	result, resp := g.Handshake(protocol.Envelope{Type: "AUTH", APIKey: "key", ClientID: "w1"})
	if !result.OK || result.ClientID != "w1" || result.Token == "" {
		t.Fatalf("expected successful handshake, got %+v", result)
	}
	if resp.Success == nil || !*resp.Success || resp.Token == "" {
		t.Fatalf("expected auth_result with success=true and a token, got %+v", resp)
	}
}

func TestAuthenticateHTTPAcceptsAPIKeyAndToken(t *testing.T) {
	g := New("shared-key", "secret", time.Hour)
	if _, ok := g.AuthenticateHTTP("Bearer shared-key"); !ok {
		t.Fatalf("expected raw api key to authenticate")
	}

	token, _, _ := g.IssueToken("w1")
	clientID, ok := g.AuthenticateHTTP("Bearer " + token)
	if !ok || clientID != "w1" {
		t.Fatalf("expected token to authenticate and resolve clientId, got (%q, %v)", clientID, ok)
	}

	if _, ok := g.AuthenticateHTTP("Bearer garbage"); ok {
		t.Fatalf("expected garbage credential to be rejected")
	}
	if _, ok := g.AuthenticateHTTP("garbage"); ok {
		t.Fatalf("expected non-Bearer header to be rejected")
	}
}
