package issuetracker

import (
	"context"
	"testing"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

type recordingClient struct {
	issueID string
	body    string
	err     error
}

func (c *recordingClient) PostComment(ctx context.Context, issueID, body string) error {
	c.issueID = issueID
	c.body = body
	return c.err
}

func TestIssueIDFromExternalSessionID(t *testing.T) {
	if got := issueIDFromExternalSessionID("linear:claude", "linear:claude:ISS-1"); got != "ISS-1" {
		t.Errorf("expected ISS-1, got %q", got)
	}
	if got := issueIDFromExternalSessionID("linear:claude", "unrelated-id"); got != "unrelated-id" {
		t.Errorf("expected fallback to the raw id, got %q", got)
	}
}

func TestRenderUpdate(t *testing.T) {
	cases := []struct {
		name   string
		update bridgetypes.BridgeUpdate
		want   string
	}{
		{"thought", bridgetypes.BridgeUpdate{Kind: bridgetypes.UpdateThought, Thought: "considering options"}, "🤔 considering options"},
		{"message chunk", bridgetypes.BridgeUpdate{Kind: bridgetypes.UpdateMessageChunk, MessageChunk: "done"}, "done"},
		{"action", bridgetypes.BridgeUpdate{Kind: bridgetypes.UpdateAction, Action: &bridgetypes.ActionPayload{Title: "Edit file", Status: bridgetypes.ActionInProgress}}, "🔧 Edit file (in_progress)"},
		{"action nil payload", bridgetypes.BridgeUpdate{Kind: bridgetypes.UpdateAction}, ""},
		{"unrecognized kind", bridgetypes.BridgeUpdate{Kind: "unknown"}, ""},
	}
	for _, tc := range cases {
		if got := renderUpdate(tc.update); got != tc.want {
			t.Errorf("%s: renderUpdate() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRenderUpdatePlanListsEveryEntry(t *testing.T) {
	update := bridgetypes.BridgeUpdate{
		Kind: bridgetypes.UpdatePlan,
		Plan: []bridgetypes.PlanEntry{
			{Content: "Write tests", Status: bridgetypes.PlanCompleted},
			{Content: "Ship it", Status: bridgetypes.PlanPending},
		},
	}
	got := renderUpdate(update)
	if got == "" {
		t.Fatal("expected non-empty plan rendering")
	}
	for _, want := range []string{"Write tests", "Ship it"} {
		if !contains(got, want) {
			t.Errorf("expected rendered plan to contain %q, got %q", want, got)
		}
	}
}

func TestSendErrorPrefixesWarningEmoji(t *testing.T) {
	client := &recordingClient{}
	a := New(Config{Service: "linear:claude"}, client, nil)

	if err := a.SendError(context.Background(), "linear:claude:ISS-1", "agent crashed"); err != nil {
		t.Fatalf("SendError returned an error: %v", err)
	}
	if client.issueID != "ISS-1" {
		t.Errorf("expected comment posted against ISS-1, got %q", client.issueID)
	}
	if client.body != "⚠ agent crashed" {
		t.Errorf("expected warning-prefixed body, got %q", client.body)
	}
}

func TestSendUpdateSwallowsPostCommentFailure(t *testing.T) {
	client := &recordingClient{err: context.DeadlineExceeded}
	a := New(Config{Service: "linear:claude"}, client, nil)

	err := a.SendUpdate(context.Background(), "linear:claude:ISS-1", bridgetypes.BridgeUpdate{
		Kind: bridgetypes.UpdateMessageChunk, MessageChunk: "hello",
	})
	if err != nil {
		t.Fatalf("egress failures must not propagate, got %v", err)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "third"); got != "third" {
		t.Errorf("expected third, got %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("expected empty for no arguments, got %q", got)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (needle == "" || indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
