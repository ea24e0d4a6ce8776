// Package sessionmanager implements the Session Manager (spec.md §4.5):
// the top-level orchestrator that wires adapter -> ACP Session -> Update
// Router -> adapter, persists session metadata, and serializes prompt
// turns per session. Grounded on the teacher's agentctl.Manager /
// orchestrator package (the component that owns the same adapter-facing
// lifecycle calls), adapted to the ACP-specific pipeline this bridge
// implements instead of the teacher's own agent runner.
package sessionmanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/larryhudson/agent-acp-bridge/internal/acpclient"
	"github.com/larryhudson/agent-acp-bridge/internal/acpsession"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgeconfig"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgeerr"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
	"github.com/larryhudson/agent-acp-bridge/internal/eventbus"
	"github.com/larryhudson/agent-acp-bridge/internal/githubapp"
	"github.com/larryhudson/agent-acp-bridge/internal/persistence"
	"github.com/larryhudson/agent-acp-bridge/internal/repoprovider"
	"github.com/larryhudson/agent-acp-bridge/internal/serviceadapter"
	"github.com/larryhudson/agent-acp-bridge/internal/updaterouter"
)

// Event subjects published to the in-process bus at key session
// lifecycle transitions. Per-update frames are never published here —
// they flow directly from Router to Adapter on one goroutine so
// invariant 6 (in-order delivery) holds; the bus instead carries
// coarser lifecycle events for anything else in-process that wants to
// observe them (tracing hooks, a future metrics subscriber).
const (
	subjectSessionStarted   = "bridge.session.started"
	subjectSessionCompleted = "bridge.session.completed"
	subjectSessionFailed    = "bridge.session.failed"
	subjectSessionRemoved   = "bridge.session.removed"
)

const firstThoughtWatchdog = 10 * time.Second

// Manager is the Session Manager (C5). One Manager serves every
// enabled Service Adapter.
type Manager struct {
	agents         bridgeconfig.AgentsConfig
	services       bridgeconfig.ServicesConfig
	repoProvider   *repoprovider.Provider
	store          *persistence.Store
	bus            eventbus.Bus
	debounceWindow time.Duration
	log            *bridgelog.Logger

	mu       sync.RWMutex
	sessions map[string]*ActiveSession

	locks *sessionLockRegistry

	ghMu      sync.Mutex
	ghMinters map[string]*githubapp.Minter
}

// New constructs a Manager. Call RestoreSessionsForAdapter once per
// enabled adapter during boot before serving any ingress traffic.
func New(agents bridgeconfig.AgentsConfig, services bridgeconfig.ServicesConfig, repoProvider *repoprovider.Provider, store *persistence.Store, bus eventbus.Bus, debounceWindow time.Duration, log *bridgelog.Logger) *Manager {
	if log == nil {
		log = bridgelog.Default()
	}
	if debounceWindow <= 0 {
		debounceWindow = 2 * time.Second
	}
	return &Manager{
		agents:         agents,
		services:       services,
		repoProvider:   repoProvider,
		store:          store,
		bus:            bus,
		debounceWindow: debounceWindow,
		log:            log,
		sessions:       make(map[string]*ActiveSession),
		locks:          newSessionLockRegistry(),
		ghMinters:      make(map[string]*githubapp.Minter),
	}
}

// githubToken mints (or returns the cached) GitHub App installation
// token scoped to agentName, per spec.md §4.3's token lifecycle. It
// returns an empty string, not an error, when no GitHub App is
// configured for this agent — the token lifecycle is optional: a
// bridge talking to a non-GitHub issue tracker never sets these vars.
func (m *Manager) githubToken(ctx context.Context, agentName string) (string, error) {
	appID := m.services.CredentialFor("GITHUB_APP_ID", agentName)
	if appID == "" {
		return "", nil
	}

	m.ghMu.Lock()
	minter, ok := m.ghMinters[agentName]
	if !ok {
		var err error
		minter, err = githubapp.NewMinter(githubapp.Credentials{
			AppID:          appID,
			InstallationID: m.services.CredentialFor("GITHUB_INSTALLATION_ID", agentName),
			PrivateKeyPEM:  m.services.CredentialFor("GITHUB_PRIVATE_KEY", agentName),
		})
		if err != nil {
			m.ghMu.Unlock()
			return "", fmt.Errorf("failed to initialize github app token minter for agent %q: %w", agentName, err)
		}
		m.ghMinters[agentName] = minter
	}
	m.ghMu.Unlock()

	return minter.Token(ctx)
}

// agentSubprocessEnv builds the Env passed to the ACP subprocess,
// threading in a freshly minted GitHub App token (spec.md §4.3) when
// one is configured for agentName. Returns (nil, "", nil) when no
// token is configured, which leaves exec.Cmd's default of inheriting
// the bridge's own environment untouched.
func (m *Manager) agentSubprocessEnv(ctx context.Context, agentName string) ([]string, string, error) {
	token, err := m.githubToken(ctx, agentName)
	if err != nil {
		return nil, "", err
	}
	if token == "" {
		return nil, "", nil
	}
	return append(os.Environ(), "GITHUB_TOKEN="+token), token, nil
}

func (m *Manager) publish(ctx context.Context, subject string, session *ActiveSession, detail string) {
	if m.bus == nil {
		return
	}
	payload := map[string]string{
		"external_session_id": session.ExternalSessionID,
		"service_name":        session.ServiceName,
		"detail":              detail,
	}
	if err := m.bus.Publish(ctx, subject, eventbus.NewEvent(subject, payload)); err != nil {
		m.log.Debug("failed to publish session lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (m *Manager) resolveAgent(name string) (bridgeconfig.AgentConfig, error) {
	if name == "" {
		name = m.agents.Default
	}
	cfg, ok := m.agents.Agents[name]
	if !ok {
		return bridgeconfig.AgentConfig{}, fmt.Errorf("unknown agent %q", name)
	}
	return cfg, nil
}

func (m *Manager) get(externalSessionID string) (*ActiveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[externalSessionID]
	return s, ok
}

// HandleNewSession implements spec.md §4.5 handle_new_session. If a
// session already exists for request.ExternalSessionID it is treated
// as a follow-up (step 1 of the spec). The provisioning/spawn/prompt
// pipeline runs in a background goroutine; HandleNewSession returns as
// soon as the request has been accepted, with all outcomes (including
// failures) surfaced to the adapter via SendUpdate/SendCompletion/
// SendError, matching the "async" operations named in spec.md §4.5.
func (m *Manager) HandleNewSession(ctx context.Context, adapter serviceadapter.Adapter, req bridgetypes.BridgeSessionRequest) error {
	if _, exists := m.get(req.ExternalSessionID); exists {
		return m.HandleFollowup(ctx, req.ExternalSessionID, req.Prompt)
	}

	agentCfg, err := m.resolveAgent(req.AgentName)
	if err != nil {
		return err
	}

	session := &ActiveSession{
		ExternalSessionID: req.ExternalSessionID,
		ServiceName:       req.ServiceName,
		AgentName:         agentCfg.Name,
		Adapter:           adapter,
		ServiceMetadata:   req.ServiceMetadata,
	}

	m.mu.Lock()
	if _, exists := m.sessions[req.ExternalSessionID]; exists {
		m.mu.Unlock()
		return m.HandleFollowup(ctx, req.ExternalSessionID, req.Prompt)
	}
	m.sessions[req.ExternalSessionID] = session
	m.mu.Unlock()

	go m.runNewSession(context.Background(), session, agentCfg, req)
	return nil
}

func (m *Manager) runNewSession(ctx context.Context, session *ActiveSession, agentCfg bridgeconfig.AgentConfig, req bridgetypes.BridgeSessionRequest) {
	lock := m.locks.acquire(session.ExternalSessionID)
	lock.mu.Lock()
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			lock.mu.Unlock()
			m.locks.release(session.ExternalSessionID)
		}
	}
	defer unlock()

	repoID := stringMetadata(req.ServiceMetadata, "repo_id", req.ServiceName)
	remoteURL := stringMetadata(req.ServiceMetadata, "repo_url", "")
	baseBranch := stringMetadata(req.ServiceMetadata, "base_branch", "")
	slug := req.DescriptiveName
	if slug == "" {
		slug = req.ExternalSessionID
	}

	env, token, err := m.agentSubprocessEnv(ctx, agentCfg.Name)
	if err != nil {
		m.removeUnstarted(session.ExternalSessionID)
		m.sendError(ctx, session, fmt.Errorf("failed to mint github app token: %w", err))
		return
	}

	handle, err := m.repoProvider.Provision(ctx, repoID, remoteURL, baseBranch, slug, token, nil)
	if err != nil {
		m.removeUnstarted(session.ExternalSessionID)
		m.sendError(ctx, session, fmt.Errorf("failed to provision repository: %w", err))
		return
	}

	session.mu.Lock()
	session.Cwd = handle.Cwd
	session.BranchName = handle.BranchName
	session.RepoCleanup = handle.Cleanup
	session.mu.Unlock()

	_ = m.store.Save(session.toPersisted())

	m.armFirstThoughtWatchdog(session)

	acpSession := acpsession.New(acpsession.Config{
		Command: agentCfg.Command,
		Args:    agentCfg.Args,
		Cwd:     handle.Cwd,
		Env:     env,
	}, m.log)

	router := updaterouter.New(session.ExternalSessionID, m.debounceWindow, m.log)
	go router.Run()
	go m.forwardUpdates(session, router)

	acpSessionID, err := acpSession.Start(ctx, acpclient.UpdateHandler(router.Notify), "")
	if err != nil {
		router.FlushAndClose()
		if handle.Cleanup != nil {
			_ = handle.Cleanup()
		}
		m.removeUnstarted(session.ExternalSessionID)
		m.sendError(ctx, session, fmt.Errorf("failed to start acp session: %w", err))
		return
	}

	session.mu.Lock()
	session.acpSession = acpSession
	session.router = router
	session.acpSessionID = acpSessionID
	session.promptInFlight = true
	session.mu.Unlock()
	_ = m.store.Save(session.toPersisted())
	m.publish(ctx, subjectSessionStarted, session, agentCfg.Name)

	// Release the session lock before the turn so a follow-up arriving
	// mid-turn is queued on pendingQueue instead of blocking its caller.
	unlock()
	m.runPromptChain(ctx, session, req.Prompt)
}

// HandleFollowup implements spec.md §4.5 handle_followup.
func (m *Manager) HandleFollowup(ctx context.Context, externalSessionID, prompt string) error {
	session, ok := m.get(externalSessionID)
	if !ok {
		return fmt.Errorf("%w: %s", bridgeerr.NoSuchSession, externalSessionID)
	}

	lock := m.locks.acquire(externalSessionID)
	lock.mu.Lock()

	session.mu.Lock()
	restored := session.acpSession == nil
	busy := session.promptInFlight
	if busy {
		session.pendingQueue = append(session.pendingQueue, prompt)
	} else {
		session.promptInFlight = true
	}
	session.mu.Unlock()

	if busy {
		lock.mu.Unlock()
		m.locks.release(externalSessionID)
		return nil
	}

	if restored {
		if err := m.resumeSession(ctx, session); err != nil {
			session.mu.Lock()
			session.promptInFlight = false
			session.mu.Unlock()
			lock.mu.Unlock()
			m.locks.release(externalSessionID)
			m.sendError(ctx, session, fmt.Errorf("failed to resume acp session: %w", err))
			return err
		}
	}

	lock.mu.Unlock()
	m.locks.release(externalSessionID)

	go m.runPromptChain(ctx, session, prompt)
	return nil
}

// resumeSession re-spawns an ACP Session for a restored ActiveSession
// whose runtime handles were lost across a restart, using the
// persisted acp_session_id to resume the agent's own history
// (spec.md §4.5 step 2). Caller holds the session's lock.
func (m *Manager) resumeSession(ctx context.Context, session *ActiveSession) error {
	agentCfg, err := m.resolveAgent(session.AgentName)
	if err != nil {
		return err
	}

	env, _, err := m.agentSubprocessEnv(ctx, agentCfg.Name)
	if err != nil {
		return fmt.Errorf("failed to mint github app token: %w", err)
	}

	acpSession := acpsession.New(acpsession.Config{
		Command: agentCfg.Command,
		Args:    agentCfg.Args,
		Cwd:     session.Cwd,
		Env:     env,
	}, m.log)

	router := updaterouter.New(session.ExternalSessionID, m.debounceWindow, m.log)
	go router.Run()
	go m.forwardUpdates(session, router)

	session.mu.Lock()
	resumeID := session.acpSessionID
	session.mu.Unlock()

	acpSessionID, err := acpSession.Start(ctx, acpclient.UpdateHandler(router.Notify), resumeID)
	if err != nil {
		router.FlushAndClose()
		return err
	}

	session.mu.Lock()
	session.acpSession = acpSession
	session.router = router
	session.acpSessionID = acpSessionID
	session.mu.Unlock()
	return m.store.Save(session.toPersisted())
}

// runPromptChain drains one prompt and, on completion, any follow-ups
// queued while it was in flight — all on this one goroutine, which is
// what keeps invariant 2 true without a second lock inside Prompt
// itself (spec.md §6.5 design note).
func (m *Manager) runPromptChain(ctx context.Context, session *ActiveSession, prompt string) {
	for {
		session.mu.Lock()
		acpSess := session.acpSession
		router := session.router
		session.mu.Unlock()

		result, err := acpSess.Prompt(ctx, prompt)
		router.FlushAndClose()
		// A fresh Router is needed for the next turn since FlushAndClose
		// is terminal; re-armed lazily when the next prompt starts.
		m.completeTurn(ctx, session, result, err)

		session.mu.Lock()
		if len(session.pendingQueue) == 0 {
			session.promptInFlight = false
			session.mu.Unlock()
			return
		}
		prompt = session.pendingQueue[0]
		session.pendingQueue = session.pendingQueue[1:]
		session.mu.Unlock()

		// Re-arm a router for the next queued turn.
		newRouter := updaterouter.New(session.ExternalSessionID, m.debounceWindow, m.log)
		go newRouter.Run()
		go m.forwardUpdates(session, newRouter)
		session.mu.Lock()
		session.router = newRouter
		session.mu.Unlock()
	}
}

func (m *Manager) completeTurn(ctx context.Context, session *ActiveSession, result acpsession.PromptResult, err error) {
	if err != nil {
		m.publish(ctx, subjectSessionFailed, session, err.Error())
		m.sendError(ctx, session, err)
		return
	}

	switch bridgetypes.StopReason(result.StopReason) {
	case bridgetypes.StopCancelled:
		// spec.md §5 invariant 5: a human watching the adapter must see
		// explicit confirmation that a requested stop was honored.
		m.publish(ctx, subjectSessionCompleted, session, string(result.StopReason))
		_ = session.Adapter.SendCompletion(ctx, session.ExternalSessionID, "Stopped as requested.")
	case bridgetypes.StopRefusal, bridgetypes.StopMaxTokens:
		m.publish(ctx, subjectSessionFailed, session, string(result.StopReason))
		m.sendError(ctx, session, fmt.Errorf("agent turn ended with stop_reason=%s", result.StopReason))
	default:
		m.publish(ctx, subjectSessionCompleted, session, string(result.StopReason))
		_ = session.Adapter.SendCompletion(ctx, session.ExternalSessionID, "")
	}
}

// HandleStop implements spec.md §4.5 handle_stop.
func (m *Manager) HandleStop(ctx context.Context, externalSessionID string) error {
	session, ok := m.get(externalSessionID)
	if !ok {
		return fmt.Errorf("%w: %s", bridgeerr.NoSuchSession, externalSessionID)
	}

	session.mu.Lock()
	acpSess := session.acpSession
	session.mu.Unlock()

	if acpSess == nil {
		return fmt.Errorf("%w: session %s has no live agent to cancel", bridgeerr.ProtocolError, externalSessionID)
	}
	return acpSess.Cancel(ctx)
}

// RemoveSession implements spec.md §4.5 remove_session.
func (m *Manager) RemoveSession(ctx context.Context, externalSessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[externalSessionID]
	if ok {
		delete(m.sessions, externalSessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", bridgeerr.NoSuchSession, externalSessionID)
	}

	session.mu.Lock()
	acpSess := session.acpSession
	router := session.router
	cleanup := session.RepoCleanup
	session.mu.Unlock()

	if router != nil {
		router.FlushAndClose()
	}
	if acpSess != nil {
		_ = acpSess.Close(ctx)
	}
	if cleanup != nil {
		if err := cleanup(); err != nil {
			m.log.Warn("worktree cleanup failed on session removal",
				zap.String("external_session_id", externalSessionID), zap.Error(err))
		}
	}
	m.publish(ctx, subjectSessionRemoved, session, "")
	return m.store.Remove(externalSessionID)
}

// RestoreSessionsForAdapter implements spec.md §4.5
// restore_sessions_for_adapter: reconstructs ActiveSessions with null
// runtime handles for every persisted session belonging to adapter, so
// a future follow-up can resume them.
func (m *Manager) RestoreSessionsForAdapter(adapter serviceadapter.Adapter) {
	for _, persisted := range m.store.All() {
		if persisted.ServiceName != adapter.ServiceName() {
			continue
		}
		session := &ActiveSession{
			ExternalSessionID: persisted.ExternalSessionID,
			ServiceName:       persisted.ServiceName,
			AgentName:         persisted.AgentName,
			Adapter:           adapter,
			Cwd:               persisted.Cwd,
			BranchName:        persisted.BranchName,
			ServiceMetadata:   persisted.ServiceMetadata,
		}
		session.acpSessionID = persisted.ACPSessionID

		m.mu.Lock()
		m.sessions[persisted.ExternalSessionID] = session
		m.mu.Unlock()
	}
}

// Shutdown implements spec.md §4.5 shutdown: best-effort close of
// every live ACP Session, in parallel, without deleting persisted
// records so a future process can resume them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*ActiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, session := range sessions {
		session := session
		g.Go(func() error {
			session.mu.Lock()
			acpSess := session.acpSession
			router := session.router
			session.mu.Unlock()

			if router != nil {
				router.FlushAndClose()
			}
			if acpSess != nil {
				_ = acpSess.Close(gCtx)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) removeUnstarted(externalSessionID string) {
	m.mu.Lock()
	delete(m.sessions, externalSessionID)
	m.mu.Unlock()
}

func (m *Manager) sendError(ctx context.Context, session *ActiveSession, err error) {
	m.log.Error("session pipeline error",
		zap.String("external_session_id", session.ExternalSessionID), zap.Error(err))
	if session.Adapter == nil {
		return
	}
	if sendErr := session.Adapter.SendError(ctx, session.ExternalSessionID, err.Error()); sendErr != nil {
		m.log.Warn("adapter failed to render send_error",
			zap.String("external_session_id", session.ExternalSessionID), zap.Error(sendErr))
	}
}

// forwardUpdates drains one Router's outbound channel onto its
// session's adapter, in receive order (invariant 6), disarming the
// first-thought watchdog on the first emission.
func (m *Manager) forwardUpdates(session *ActiveSession, router *updaterouter.Router) {
	for update := range router.Updates() {
		session.mu.Lock()
		firstEmission := !session.firstEmitted
		session.firstEmitted = true
		timer := session.firstThoughtTimer
		session.mu.Unlock()

		if firstEmission && timer != nil {
			timer.Stop()
		}

		if err := session.Adapter.SendUpdate(context.Background(), session.ExternalSessionID, update); err != nil {
			m.log.Warn("adapter failed to render send_update",
				zap.String("external_session_id", session.ExternalSessionID), zap.Error(err))
		}
	}
}

// armFirstThoughtWatchdog implements the supplemented first-thought
// watchdog (SPEC_FULL.md §7): if no BridgeUpdate leaves the router
// within 10s of a brand-new session starting, the adapter gets a
// synthetic warning so the human on the other end isn't staring at
// silence while the agent spins up.
func (m *Manager) armFirstThoughtWatchdog(session *ActiveSession) {
	timer := time.AfterFunc(firstThoughtWatchdog, func() {
		session.mu.Lock()
		already := session.firstEmitted
		session.mu.Unlock()
		if already {
			return
		}
		_ = session.Adapter.SendUpdate(context.Background(), session.ExternalSessionID, bridgetypes.BridgeUpdate{
			ExternalSessionID: session.ExternalSessionID,
			Kind:              bridgetypes.UpdateThought,
			Thought:           "still working…",
			Timestamp:         time.Now().UTC(),
		})
	})
	session.mu.Lock()
	session.firstThoughtTimer = timer
	session.mu.Unlock()
}

func stringMetadata(meta map[string]any, key, fallback string) string {
	if meta == nil {
		return fallback
	}
	if v, ok := meta[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
