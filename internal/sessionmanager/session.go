package sessionmanager

import (
	"sync"
	"time"

	"github.com/larryhudson/agent-acp-bridge/internal/acpsession"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
	"github.com/larryhudson/agent-acp-bridge/internal/serviceadapter"
	"github.com/larryhudson/agent-acp-bridge/internal/updaterouter"
)

// ActiveSession is the in-memory record of a live or restored session
// (spec.md §3). Runtime handles (acpSession, router) are nil for a
// session restored at boot until the first follow-up resumes it.
type ActiveSession struct {
	ExternalSessionID string
	ServiceName       string
	AgentName         string
	Adapter           serviceadapter.Adapter

	Cwd             string
	BranchName      string
	ServiceMetadata map[string]any
	RepoCleanup     func() error

	mu            sync.Mutex
	acpSession    *acpsession.Session
	router        *updaterouter.Router
	acpSessionID  string

	promptInFlight bool
	pendingQueue   []string // FIFO follow-up prompts queued while a turn is in flight

	firstThoughtTimer *time.Timer
	firstEmitted      bool
}

func (s *ActiveSession) toPersisted() bridgetypes.PersistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bridgetypes.PersistedSession{
		ExternalSessionID: s.ExternalSessionID,
		ServiceName:       s.ServiceName,
		AgentName:         s.AgentName,
		ACPSessionID:      s.acpSessionID,
		Cwd:               s.Cwd,
		BranchName:        s.BranchName,
		ServiceMetadata:   s.ServiceMetadata,
	}
}

// sessionLockEntry is a refcounted per-session mutex, the same shape as
// the Repository Provider's repoLockEntry. handle_followup and
// runNewSession hold it while deciding whether a prompt turn starts or
// is queued; promptInFlight/pendingQueue themselves are read and written
// under ActiveSession.mu, and the queue is drained only by the goroutine
// running runPromptChain. Together this keeps invariant 2 (at most one
// in-flight prompt turn per session) true without extra locking inside
// Prompt itself.
type sessionLockEntry struct {
	mu       sync.Mutex
	refCount int
}

type sessionLockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sessionLockEntry
}

func newSessionLockRegistry() *sessionLockRegistry {
	return &sessionLockRegistry{locks: make(map[string]*sessionLockEntry)}
}

func (r *sessionLockRegistry) acquire(id string) *sessionLockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[id]
	if !ok {
		entry = &sessionLockEntry{}
		r.locks[id] = entry
	}
	entry.refCount++
	return entry
}

func (r *sessionLockRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[id]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(r.locks, id)
	}
}
