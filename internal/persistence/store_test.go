package persistence

import (
	"path/filepath"
	"testing"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

func TestOpenCreatesEmptyDocumentOnFirstBoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sessions.json")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed on first boot: %v", err)
	}
	if len(store.All()) != 0 {
		t.Fatalf("expected empty store on first boot, got %d sessions", len(store.All()))
	}
}

func TestSaveGetAndRoundTripAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sess := bridgetypes.PersistedSession{
		ExternalSessionID: "linear:ISS-1",
		ServiceName:       "linear:claude",
		AgentName:         "claude-code",
		ACPSessionID:      "acp-session-abc",
		Cwd:               "/work/repo-1",
		BranchName:        "agent/iss-1",
		ServiceMetadata:   map[string]any{"issue_id": "ISS-1"},
	}
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, ok := store.Get("linear:ISS-1")
	if !ok {
		t.Fatal("expected saved session to be retrievable before reopen")
	}
	if got.ACPSessionID != sess.ACPSessionID || got.Cwd != sess.Cwd {
		t.Errorf("retrieved session does not match saved session: %+v", got)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok = reopened.Get("linear:ISS-1")
	if !ok {
		t.Fatal("expected session to survive reopen via the on-disk document")
	}
	if got.BranchName != "agent/iss-1" {
		t.Errorf("branch name did not survive round trip, got %q", got.BranchName)
	}
}

func TestRemoveDeletesSessionAndPersistsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sess := bridgetypes.PersistedSession{ExternalSessionID: "chat:room-1", ServiceName: "teamchat:claude"}
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Remove("chat:room-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := store.Get("chat:room-1"); ok {
		t.Fatal("expected session to be gone after Remove")
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if len(reopened.All()) != 0 {
		t.Fatalf("expected removal to persist across reopen, got %d sessions", len(reopened.All()))
	}
}

func TestRemoveUnknownSessionIsNoop(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "sessions.json"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Remove("does-not-exist"); err != nil {
		t.Fatalf("Remove of an unknown session should be a no-op, got error: %v", err)
	}
}

func TestAllReturnsEveryPersistedSession(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "sessions.json"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		id := filepath.Join("svc", string(rune('a'+i)))
		if err := store.Save(bridgetypes.PersistedSession{ExternalSessionID: id}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	if got := len(store.All()); got != 3 {
		t.Fatalf("expected 3 sessions, got %d", got)
	}
}
