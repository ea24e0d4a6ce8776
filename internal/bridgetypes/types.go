// Package bridgetypes holds the bridge's core data model (spec.md §3),
// shared by every component so the Session Manager, Update Router,
// Repository Provider, and Service Adapters speak a single vocabulary.
// Shaped as tagged structs rather than interfaces, in the teacher's
// agentctl/types/streams.NormalizedPayload style.
package bridgetypes

import "time"

// BridgeSessionRequest is a request to start a new session (spec.md §3).
type BridgeSessionRequest struct {
	ExternalSessionID string
	ServiceName       string
	AgentName         string
	Prompt            string
	DescriptiveName   string
	IsFollowup        bool
	ServiceMetadata   map[string]any
}

// StopReason mirrors the ACP prompt turn's terminal stop_reason
// (spec.md §4.2, §6).
type StopReason string

const (
	StopEndTurn          StopReason = "end_turn"
	StopMaxTokens        StopReason = "max_tokens"
	StopMaxTurnRequests  StopReason = "max_turn_requests"
	StopRefusal          StopReason = "refusal"
	StopCancelled        StopReason = "cancelled"
)

// BridgeUpdateKind discriminates BridgeUpdate's payload (spec.md §3).
type BridgeUpdateKind string

const (
	UpdateThought      BridgeUpdateKind = "thought"
	UpdateAction       BridgeUpdateKind = "action"
	UpdatePlan         BridgeUpdateKind = "plan"
	UpdateMessageChunk BridgeUpdateKind = "message_chunk"
	UpdateError        BridgeUpdateKind = "error"
)

// ActionStatus is the lifecycle status of a tool-call action
// (spec.md §3 BridgeUpdate "action" kind).
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
)

// PlanEntryStatus is the lifecycle status of one plan step.
type PlanEntryStatus string

const (
	PlanPending    PlanEntryStatus = "pending"
	PlanInProgress PlanEntryStatus = "inProgress"
	PlanCompleted  PlanEntryStatus = "completed"
	PlanCanceled   PlanEntryStatus = "canceled"
)

// PlanEntry is one step of a plan update.
type PlanEntry struct {
	Content string          `json:"content"`
	Status  PlanEntryStatus `json:"status"`
}

// ActionPayload is the "action" (tool call) BridgeUpdate payload.
type ActionPayload struct {
	ToolCallID string       `json:"tool_call_id"`
	Title      string       `json:"title"`
	Kind       string       `json:"kind"`
	Status     ActionStatus `json:"status"`
	Result     string       `json:"result,omitempty"`
}

// BridgeUpdate is a debounced, user-facing update (spec.md §3).
// Exactly one of the kind-specific fields is set, matching Kind.
type BridgeUpdate struct {
	ExternalSessionID string
	Kind              BridgeUpdateKind
	Timestamp         time.Time

	Thought      string
	MessageChunk string
	Action       *ActionPayload
	Plan         []PlanEntry
	Error        string
}

// RepositoryHandle is the result of Repository Provider's provision()
// (spec.md §3).
type RepositoryHandle struct {
	Cwd        string
	BranchName string
	Cleanup    func() error
}

// PersistedSession is the durable projection of an ActiveSession
// (spec.md §3). It carries no live references or handles.
type PersistedSession struct {
	ExternalSessionID string         `json:"external_session_id"`
	ServiceName       string         `json:"service_name"`
	AgentName         string         `json:"agent_name"`
	ACPSessionID      string         `json:"acp_session_id"`
	Cwd               string         `json:"cwd"`
	BranchName        string         `json:"branch_name"`
	ServiceMetadata   map[string]any `json:"service_metadata,omitempty"`
}
