package updaterouter

import (
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

// routerState holds the three coalescing buffers named in spec.md §4.4:
// a single rolling thought buffer, a single rolling message-chunk
// buffer, and an ordered map of tool-call actions keyed by tool_call_id.
// currentKind tracks which buffer is "open" so a kind change can flush
// the previous group before a new one starts accumulating.
type routerState struct {
	currentKind bridgetypes.BridgeUpdateKind

	thought strings.Builder
	message strings.Builder

	actionOrder []string
	actions     map[string]*bridgetypes.ActionPayload
}

func newRouterState() *routerState {
	return &routerState{
		actions: make(map[string]*bridgetypes.ActionPayload),
	}
}

// apply accumulates one classified notification into the buffer for
// kind. Only thought/message_chunk/action reach here; plan and error
// are handled as immediate emissions by the caller.
func (s *routerState) apply(kind bridgetypes.BridgeUpdateKind, n acp.SessionNotification) {
	u := n.Update
	switch kind {
	case bridgetypes.UpdateThought:
		if u.AgentThoughtChunk != nil && u.AgentThoughtChunk.Content.Text != nil {
			s.thought.WriteString(u.AgentThoughtChunk.Content.Text.Text)
		}
	case bridgetypes.UpdateMessageChunk:
		if u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil {
			s.message.WriteString(u.AgentMessageChunk.Content.Text.Text)
		}
	case bridgetypes.UpdateAction:
		s.applyAction(u)
	}
}

func (s *routerState) applyAction(u acp.SessionUpdate) {
	switch {
	case u.ToolCall != nil:
		id := string(u.ToolCall.ToolCallId)
		status := bridgetypes.ActionPending
		if string(u.ToolCall.Status) == "in_progress" || string(u.ToolCall.Status) == "running" {
			status = bridgetypes.ActionInProgress
		}
		payload := &bridgetypes.ActionPayload{
			ToolCallID: id,
			Title:      u.ToolCall.Title,
			Kind:       string(u.ToolCall.Kind),
			Status:     status,
		}
		if _, exists := s.actions[id]; !exists {
			s.actionOrder = append(s.actionOrder, id)
		}
		s.actions[id] = payload

	case u.ToolCallUpdate != nil:
		id := string(u.ToolCallUpdate.ToolCallId)
		payload, exists := s.actions[id]
		if !exists {
			payload = &bridgetypes.ActionPayload{ToolCallID: id}
			s.actionOrder = append(s.actionOrder, id)
			s.actions[id] = payload
		}
		if u.ToolCallUpdate.Status != nil {
			payload.Status = mapActionStatus(string(*u.ToolCallUpdate.Status))
		}
		if u.ToolCallUpdate.RawOutput != nil {
			payload.Result = summarizeRawOutput(u.ToolCallUpdate.RawOutput)
		}
	}
}

func mapActionStatus(raw string) bridgetypes.ActionStatus {
	switch raw {
	case "completed", "complete":
		return bridgetypes.ActionCompleted
	case "failed", "error":
		return bridgetypes.ActionFailed
	case "in_progress", "running":
		return bridgetypes.ActionInProgress
	default:
		return bridgetypes.ActionPending
	}
}

// summarizeRawOutput stores a best-effort textual summary of a tool
// call's raw output; the full structured result stays with the ACP
// transcript and is not duplicated into every debounced update.
func summarizeRawOutput(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	if m, ok := raw.(map[string]any); ok {
		if v, ok := m["text"].(string); ok {
			return v
		}
	}
	return ""
}

// flush drains the buffer(s) belonging to kind into zero or one
// BridgeUpdate (thought/message_chunk), or one update per pending
// action (action), preserving arrival order. Returns nil if nothing was
// open for kind.
func (s *routerState) flush(kind bridgetypes.BridgeUpdateKind, externalSessionID string) []bridgetypes.BridgeUpdate {
	switch kind {
	case bridgetypes.UpdateThought:
		if s.thought.Len() == 0 {
			return nil
		}
		text := s.thought.String()
		s.thought.Reset()
		return []bridgetypes.BridgeUpdate{{
			ExternalSessionID: externalSessionID,
			Kind:              bridgetypes.UpdateThought,
			Thought:           text,
		}}

	case bridgetypes.UpdateMessageChunk:
		if s.message.Len() == 0 {
			return nil
		}
		text := s.message.String()
		s.message.Reset()
		return []bridgetypes.BridgeUpdate{{
			ExternalSessionID: externalSessionID,
			Kind:              bridgetypes.UpdateMessageChunk,
			MessageChunk:      text,
		}}

	case bridgetypes.UpdateAction:
		if len(s.actionOrder) == 0 {
			return nil
		}
		updates := make([]bridgetypes.BridgeUpdate, 0, len(s.actionOrder))
		for _, id := range s.actionOrder {
			payload := s.actions[id]
			updates = append(updates, bridgetypes.BridgeUpdate{
				ExternalSessionID: externalSessionID,
				Kind:              bridgetypes.UpdateAction,
				Action:            payload,
			})
		}
		s.actionOrder = nil
		s.actions = make(map[string]*bridgetypes.ActionPayload)
		return updates
	}
	return nil
}

// flushOpen drains every buffer regardless of which one is "current",
// used on FlushAndClose so nothing accumulated is silently dropped.
func (s *routerState) flushOpen(externalSessionID string) []bridgetypes.BridgeUpdate {
	var out []bridgetypes.BridgeUpdate
	out = append(out, s.flush(bridgetypes.UpdateThought, externalSessionID)...)
	out = append(out, s.flush(bridgetypes.UpdateMessageChunk, externalSessionID)...)
	out = append(out, s.flush(bridgetypes.UpdateAction, externalSessionID)...)
	s.currentKind = ""
	return out
}

// classify maps one ACP session notification to its BridgeUpdate kind.
// For "plan" it returns a fully-formed immediate BridgeUpdate (plans
// replace in full and are never coalesced across multiple plan
// notifications). ok is false for user_message_chunk and any
// notification kind the bridge does not surface, grounded on the
// teacher's convertNotification switch.
func classify(n acp.SessionNotification) (kind bridgetypes.BridgeUpdateKind, plan *bridgetypes.BridgeUpdate, ok bool) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		return bridgetypes.UpdateMessageChunk, nil, true
	case u.AgentThoughtChunk != nil:
		return bridgetypes.UpdateThought, nil, true
	case u.ToolCall != nil, u.ToolCallUpdate != nil:
		return bridgetypes.UpdateAction, nil, true
	case u.Plan != nil:
		entries := make([]bridgetypes.PlanEntry, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = bridgetypes.PlanEntry{
				Content: e.Content,
				Status:  bridgetypes.PlanEntryStatus(e.Status),
			}
		}
		return bridgetypes.UpdatePlan, &bridgetypes.BridgeUpdate{
			Kind: bridgetypes.UpdatePlan,
			Plan: entries,
		}, true
	default:
		// user_message_chunk, available_commands_update, and anything
		// else the SDK adds later: not part of the bridge's update
		// vocabulary (spec.md §3).
		return "", nil, false
	}
}
