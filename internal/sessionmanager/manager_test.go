package sessionmanager

import (
	"context"
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/gin-gonic/gin"

	"github.com/larryhudson/agent-acp-bridge/internal/acpsession"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgeconfig"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

// fakeAdapter is a minimal serviceadapter.Adapter recording the terminal
// calls the Session Manager makes on it, so tests can assert on what a
// human watching the adapter would actually see.
type fakeAdapter struct {
	name        string
	completions []string
	errs        []string
}

func (a *fakeAdapter) ServiceName() string              { return a.name }
func (a *fakeAdapter) RegisterRoutes(engine *gin.Engine) {}
func (a *fakeAdapter) Start(ctx context.Context) error   { return nil }
func (a *fakeAdapter) Close(ctx context.Context) error   { return nil }
func (a *fakeAdapter) OnSessionCreated(ctx context.Context, event []byte) (bridgetypes.BridgeSessionRequest, error) {
	return bridgetypes.BridgeSessionRequest{}, nil
}
func (a *fakeAdapter) SendUpdate(ctx context.Context, externalSessionID string, update bridgetypes.BridgeUpdate) error {
	return nil
}
func (a *fakeAdapter) SendCompletion(ctx context.Context, externalSessionID string, message string) error {
	a.completions = append(a.completions, message)
	return nil
}
func (a *fakeAdapter) SendError(ctx context.Context, externalSessionID string, errMessage string) error {
	a.errs = append(a.errs, errMessage)
	return nil
}

func newTestManager() *Manager {
	return New(bridgeconfig.AgentsConfig{}, bridgeconfig.ServicesConfig{}, nil, nil, nil, 0, nil)
}

func TestGithubTokenReturnsEmptyWhenNoAppConfigured(t *testing.T) {
	m := newTestManager()

	token, err := m.githubToken(context.Background(), "claude-code")
	if err != nil {
		t.Fatalf("githubToken returned an error: %v", err)
	}
	if token != "" {
		t.Errorf("expected no token when no GitHub App is configured, got %q", token)
	}
}

func TestAgentSubprocessEnvLeavesEnvNilWhenNoTokenConfigured(t *testing.T) {
	m := newTestManager()

	env, token, err := m.agentSubprocessEnv(context.Background(), "claude-code")
	if err != nil {
		t.Fatalf("agentSubprocessEnv returned an error: %v", err)
	}
	if env != nil {
		t.Errorf("expected a nil Env (inherit the bridge's own environment) when no token is configured, got %v", env)
	}
	if token != "" {
		t.Errorf("expected no token, got %q", token)
	}
}

func TestCompleteTurnOnCancellationSendsStoppedAsRequested(t *testing.T) {
	m := newTestManager()
	adapter := &fakeAdapter{name: "issuetracker:claude-code"}
	session := &ActiveSession{ExternalSessionID: "sess-1", Adapter: adapter}

	m.completeTurn(context.Background(), session, acpsession.PromptResult{StopReason: acp.StopReason(bridgetypes.StopCancelled)}, nil)

	if len(adapter.completions) != 1 || adapter.completions[0] != "Stopped as requested." {
		t.Fatalf("expected a single \"Stopped as requested.\" completion, got %v", adapter.completions)
	}
	if len(adapter.errs) != 0 {
		t.Fatalf("expected no error sent on a cancelled turn, got %v", adapter.errs)
	}
}

func TestCompleteTurnOnNormalEndSendsEmptyCompletion(t *testing.T) {
	m := newTestManager()
	adapter := &fakeAdapter{name: "issuetracker:claude-code"}
	session := &ActiveSession{ExternalSessionID: "sess-1", Adapter: adapter}

	m.completeTurn(context.Background(), session, acpsession.PromptResult{StopReason: acp.StopReason(bridgetypes.StopEndTurn)}, nil)

	if len(adapter.completions) != 1 || adapter.completions[0] != "" {
		t.Fatalf("expected a single empty completion for a normal end_turn, got %v", adapter.completions)
	}
}

func TestCompleteTurnOnRefusalSendsError(t *testing.T) {
	m := newTestManager()
	adapter := &fakeAdapter{name: "issuetracker:claude-code"}
	session := &ActiveSession{ExternalSessionID: "sess-1", Adapter: adapter}

	m.completeTurn(context.Background(), session, acpsession.PromptResult{StopReason: acp.StopReason(bridgetypes.StopRefusal)}, nil)

	if len(adapter.completions) != 0 {
		t.Fatalf("expected no completion sent on a refusal, got %v", adapter.completions)
	}
	if len(adapter.errs) != 1 {
		t.Fatalf("expected a single error sent on a refusal, got %v", adapter.errs)
	}
}

func TestHandleStopReturnsErrorForUnknownSession(t *testing.T) {
	m := newTestManager()

	if err := m.HandleStop(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown session id")
	}
}

func TestHandleStopReturnsErrorWhenNoLiveAgent(t *testing.T) {
	m := newTestManager()
	adapter := &fakeAdapter{name: "issuetracker:claude-code"}
	session := &ActiveSession{ExternalSessionID: "sess-1", Adapter: adapter}

	m.mu.Lock()
	m.sessions[session.ExternalSessionID] = session
	m.mu.Unlock()

	if err := m.HandleStop(context.Background(), session.ExternalSessionID); err == nil {
		t.Fatal("expected an error when the session has no live acp session to cancel")
	}
}
