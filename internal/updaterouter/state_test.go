package updaterouter

import (
	"testing"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

func TestMapActionStatus(t *testing.T) {
	cases := map[string]bridgetypes.ActionStatus{
		"completed":   bridgetypes.ActionCompleted,
		"complete":    bridgetypes.ActionCompleted,
		"failed":      bridgetypes.ActionFailed,
		"error":       bridgetypes.ActionFailed,
		"in_progress": bridgetypes.ActionInProgress,
		"running":     bridgetypes.ActionInProgress,
		"pending":     bridgetypes.ActionPending,
		"":            bridgetypes.ActionPending,
		"unknown":     bridgetypes.ActionPending,
	}
	for raw, want := range cases {
		if got := mapActionStatus(raw); got != want {
			t.Errorf("mapActionStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSummarizeRawOutput(t *testing.T) {
	if got := summarizeRawOutput("plain string"); got != "plain string" {
		t.Errorf("string passthrough: got %q", got)
	}
	if got := summarizeRawOutput(map[string]any{"text": "from map"}); got != "from map" {
		t.Errorf("map[text] extraction: got %q", got)
	}
	if got := summarizeRawOutput(map[string]any{"other": "ignored"}); got != "" {
		t.Errorf("map without text key should summarize empty, got %q", got)
	}
	if got := summarizeRawOutput(42); got != "" {
		t.Errorf("unsupported type should summarize empty, got %q", got)
	}
}

// TestFlushThoughtAndMessage exercises the two rolling string buffers
// directly, bypassing apply (which requires constructing acp-go-sdk
// notification literals) since the coalescing logic under test lives
// entirely in flush/flushOpen.
func TestFlushThoughtAndMessage(t *testing.T) {
	s := newRouterState()

	if out := s.flush(bridgetypes.UpdateThought, "sess-1"); out != nil {
		t.Fatalf("flush on empty thought buffer should return nil, got %v", out)
	}

	s.thought.WriteString("thinking ")
	s.thought.WriteString("more")
	out := s.flush(bridgetypes.UpdateThought, "sess-1")
	if len(out) != 1 {
		t.Fatalf("expected exactly one coalesced thought update, got %d", len(out))
	}
	if out[0].Thought != "thinking more" {
		t.Errorf("expected coalesced thought text, got %q", out[0].Thought)
	}
	if out[0].Kind != bridgetypes.UpdateThought {
		t.Errorf("expected kind %q, got %q", bridgetypes.UpdateThought, out[0].Kind)
	}
	if s.thought.Len() != 0 {
		t.Errorf("thought buffer should reset after flush")
	}

	s.message.WriteString("hello ")
	s.message.WriteString("world")
	out = s.flush(bridgetypes.UpdateMessageChunk, "sess-1")
	if len(out) != 1 || out[0].MessageChunk != "hello world" {
		t.Fatalf("expected coalesced message chunk, got %v", out)
	}
}

// TestFlushActionsPreservesArrivalOrder seeds the action buffer directly
// (mirroring what applyAction would build) to verify flush emits one
// BridgeUpdate per tool call in first-seen order, and resets state.
func TestFlushActionsPreservesArrivalOrder(t *testing.T) {
	s := newRouterState()
	s.actionOrder = []string{"call-1", "call-2"}
	s.actions = map[string]*bridgetypes.ActionPayload{
		"call-1": {ToolCallID: "call-1", Title: "Read file", Status: bridgetypes.ActionPending},
		"call-2": {ToolCallID: "call-2", Title: "Run command", Status: bridgetypes.ActionInProgress},
	}

	out := s.flush(bridgetypes.UpdateAction, "sess-1")
	if len(out) != 2 {
		t.Fatalf("expected 2 action updates, got %d", len(out))
	}
	if out[0].Action.ToolCallID != "call-1" || out[1].Action.ToolCallID != "call-2" {
		t.Errorf("expected arrival order call-1, call-2, got %s, %s", out[0].Action.ToolCallID, out[1].Action.ToolCallID)
	}
	for _, u := range out {
		if u.ExternalSessionID != "sess-1" || u.Kind != bridgetypes.UpdateAction {
			t.Errorf("unexpected update shape: %+v", u)
		}
	}

	if len(s.actionOrder) != 0 || len(s.actions) != 0 {
		t.Errorf("flush should reset action buffers, got order=%v actions=%v", s.actionOrder, s.actions)
	}
}

func TestFlushOpenDrainsEveryBuffer(t *testing.T) {
	s := newRouterState()
	s.thought.WriteString("t")
	s.message.WriteString("m")
	s.actionOrder = []string{"call-1"}
	s.actions = map[string]*bridgetypes.ActionPayload{"call-1": {ToolCallID: "call-1"}}
	s.currentKind = bridgetypes.UpdateAction

	out := s.flushOpen("sess-1")
	if len(out) != 3 {
		t.Fatalf("expected thought + message + action = 3 updates, got %d", len(out))
	}
	if s.currentKind != "" {
		t.Errorf("flushOpen should reset currentKind, got %q", s.currentKind)
	}
}
