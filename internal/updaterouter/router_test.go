package updaterouter

import (
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
)

func startRouter(t *testing.T, debounce time.Duration) *Router {
	t.Helper()
	r := New("sess-1", debounce, nil)
	go r.Run()
	return r
}

func TestNotifyErrorFlushesImmediatelyBypassingDebounce(t *testing.T) {
	r := startRouter(t, time.Hour) // long window: if this test passes, the error path bypassed it

	r.NotifyError("agent crashed")

	select {
	case update := <-r.Updates():
		if update.Kind != "error" {
			t.Fatalf("expected error update kind, got %q", update.Kind)
		}
		if update.Error != "agent crashed" {
			t.Errorf("expected error message to round-trip, got %q", update.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error update: NotifyError should bypass the debounce window")
	}

	r.FlushAndClose()
}

func TestFlushAndCloseIsIdempotent(t *testing.T) {
	r := startRouter(t, 10*time.Millisecond)

	r.FlushAndClose()
	r.FlushAndClose() // must not block or panic on a second call

	if _, open := <-r.Updates(); open {
		t.Fatal("Updates channel should be closed after FlushAndClose")
	}
}

func TestFlushAndCloseDrainsPendingErrorBeforeClosing(t *testing.T) {
	r := startRouter(t, time.Hour)

	r.NotifyError("boom")
	r.FlushAndClose()

	var got []string
	for update := range r.Updates() {
		got = append(got, update.Error)
	}
	if len(got) != 1 || got[0] != "boom" {
		t.Fatalf("expected exactly one drained error update, got %v", got)
	}
}

// TestNotifyIgnoresUnrecognizedNotifications sends a zero-value
// notification (no variant field set) through the live Run loop and
// confirms it produces no output and does not wedge the debounce state
// machine for a subsequent error.
func TestNotifyIgnoresUnrecognizedNotifications(t *testing.T) {
	r := startRouter(t, 20*time.Millisecond)

	r.Notify(acp.SessionNotification{})
	r.NotifyError("after unrecognized notification")

	select {
	case update := <-r.Updates():
		if update.Error != "after unrecognized notification" {
			t.Fatalf("expected the error update to surface, got %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out: an unrecognized notification should not block subsequent routing")
	}

	r.FlushAndClose()
}
