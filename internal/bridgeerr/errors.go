// Package bridgeerr defines the bridge's error taxonomy (spec.md §7).
// Errors are plain sentinel values wrapped with fmt.Errorf("...: %w", ...)
// at the call site, in the teacher's worktree/errors.go style, so callers
// can use errors.Is against the taxonomy regardless of the wrapping
// context added along the way.
package bridgeerr

import "errors"

var (
	// TransientExternal marks a network blip against an external service.
	// No code in this module returns it, and the adapters do not retry
	// failed egress calls.
	TransientExternal = errors.New("transient external error")

	// AgentCrash marks an agent subprocess that exited unexpectedly mid-turn.
	// The ActiveSession survives (it is persisted) so a follow-up can respawn.
	AgentCrash = errors.New("agent subprocess crashed")

	// ProtocolError marks malformed JSON-RPC or a capability mismatch.
	// Fatal to the session.
	ProtocolError = errors.New("acp protocol error")

	// NoSuchSession marks a follow-up/stop against an unknown external session id.
	NoSuchSession = errors.New("no such session")

	// Busy marks a follow-up rejected because a prompt turn is already in
	// flight. Nothing in the bridge returns it: the Session Manager queues
	// such a follow-up instead.
	Busy = errors.New("session busy")

	// AuthFailed marks a credential or webhook-signature failure at ingress,
	// or a failed repository token exchange.
	AuthFailed = errors.New("authentication failed")

	// RepoUnavailable marks a Repository Provider failure to clone/fetch
	// the bare repository.
	RepoUnavailable = errors.New("repository unavailable")

	// WorktreeConflict marks a Repository Provider failure to create a
	// worktree (e.g. branch name collision, dirty base branch).
	WorktreeConflict = errors.New("worktree conflict")

	// SpawnFailed marks an ACP Session failure to locate/exec the agent binary.
	SpawnFailed = errors.New("failed to spawn agent subprocess")

	// HandshakeFailed marks an ACP Session failure during the initialize handshake.
	HandshakeFailed = errors.New("acp handshake failed")

	// ConnectionClosed marks a request made against a closed ACP Client.
	ConnectionClosed = errors.New("acp connection closed")
)
