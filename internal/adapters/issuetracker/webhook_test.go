package issuetracker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAccepts(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"issue_id":"ISS-1"}`)

	if err := verifySignature(secret, body, sign(secret, body)); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"issue_id":"ISS-1"}`)
	sig := sign([]byte("correct-secret"), body)

	err := verifySignature([]byte("wrong-secret"), body, sig)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for mismatched secret, got %v", err)
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := []byte("topsecret")
	sig := sign(secret, []byte(`{"issue_id":"ISS-1"}`))

	err := verifySignature(secret, []byte(`{"issue_id":"ISS-2"}`), sig)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered body, got %v", err)
	}
}

func TestVerifySignatureRejectsMissingPrefix(t *testing.T) {
	err := verifySignature([]byte("secret"), []byte("body"), "deadbeef")
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for missing sha256= prefix, got %v", err)
	}
}

func TestVerifySignatureRejectsMalformedHex(t *testing.T) {
	err := verifySignature([]byte("secret"), []byte("body"), "sha256=not-hex!!")
	if err == nil {
		t.Fatal("expected an error for malformed hex signature")
	}
}

func TestVerifySignatureRejectsEmptyHeader(t *testing.T) {
	err := verifySignature([]byte("secret"), []byte("body"), "")
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for empty header, got %v", err)
	}
}

func TestParseInboundEventRequiresIssueID(t *testing.T) {
	_, err := parseInboundEvent([]byte(`{"event_type":"issue_assigned"}`))
	if err == nil {
		t.Fatal("expected an error when issue_id is missing")
	}
}

func TestParseInboundEventHappyPath(t *testing.T) {
	ev, err := parseInboundEvent([]byte(`{
		"event_type": "issue_assigned",
		"issue_id": "ISS-42",
		"agent_name": "claude-code",
		"title": "Fix the thing",
		"body": "please fix",
		"repo_url": "https://example.com/org/repo.git",
		"base_branch": "main"
	}`))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.IssueID != "ISS-42" || ev.AgentName != "claude-code" || ev.BaseBranch != "main" {
		t.Errorf("parsed event does not match input: %+v", ev)
	}
}

func TestParseInboundEventRejectsInvalidJSON(t *testing.T) {
	_, err := parseInboundEvent([]byte("not json"))
	if err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}
