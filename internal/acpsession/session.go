// Package acpsession implements the ACP Session state machine (spec.md
// §4.2): idle → spawning → initializing → ready ↔ prompting → closing →
// closed. One Session owns exactly one agent subprocess and exactly one
// acp.ClientSideConnection for the lifetime of one ActiveSession.
// Grounded on the teacher's process.Manager (subprocess lifecycle) and
// adapter/transport/acp.Adapter (ACP handshake/session/prompt calls),
// combined into a single component because spec.md does not split
// subprocess ownership from protocol ownership the way the teacher does.
package acpsession

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/larryhudson/agent-acp-bridge/internal/acpclient"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgeerr"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetrace"
)

// State is one value in the Session's lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateSpawning     State = "spawning"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StatePrompting    State = "prompting"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

const stderrBufferSize = 50

// graceful shutdown timings, per spec.md §4.2 "Close": ACP `shutdown`
// request first, then stdin EOF, then SIGTERM, then SIGKILL if the
// process ignores both.
const (
	shutdownGrace   = 5 * time.Second
	stdinCloseGrace = 3 * time.Second
	sigtermGrace    = 5 * time.Second
)

// Config describes how to spawn and address one agent subprocess.
type Config struct {
	Command string
	Args    []string
	Cwd     string
	Env     []string
}

// PromptResult is the outcome of one completed prompt turn.
type PromptResult struct {
	StopReason acp.StopReason
}

// Session manages one agent subprocess across its ACP lifecycle.
type Session struct {
	cfg Config
	log *bridgelog.Logger

	mu    sync.RWMutex
	state State

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	acpClient *acpclient.Client
	conn      *acp.ClientSideConnection

	acpSessionID  string
	agentName     string
	agentVersion  string
	loadSessionOK bool

	stderrMu     sync.Mutex
	stderrBuffer []string

	wg      sync.WaitGroup
	doneCh  chan struct{}
	exitErr atomic.Value // error
}

// New constructs an idle Session. Call Start to spawn the subprocess.
func New(cfg Config, log *bridgelog.Logger) *Session {
	if log == nil {
		log = bridgelog.Default()
	}
	return &Session{
		cfg:    cfg,
		log:    log,
		state:  StateIdle,
		doneCh: make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start spawns the agent subprocess, performs the ACP initialize
// handshake, and opens (or resumes, if resumeACPSessionID is non-empty
// and the agent supports session/load) an ACP session rooted at
// s.cfg.Cwd. On any failure the subprocess is killed and the Session
// moves to StateClosed rather than leaving it half-spawned.
func (s *Session) Start(ctx context.Context, update acpclient.UpdateHandler, resumeACPSessionID string) (acpSessionID string, err error) {
	s.setState(StateSpawning)

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Cwd
	cmd.Env = s.cfg.Env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: stdin pipe: %v", bridgeerr.SpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: stdout pipe: %v", bridgeerr.SpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: stderr pipe: %v", bridgeerr.SpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: %v", bridgeerr.SpawnFailed, err)
	}

	s.mu.Lock()
	s.cmd, s.stdin, s.stdout, s.stderr = cmd, stdin, stdout, stderr
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readStderr()
	go s.waitForExit()

	s.setState(StateInitializing)

	s.acpClient = acpclient.NewClient(
		acpclient.WithLogger(s.log.Zap()),
		acpclient.WithWorkspaceRoot(s.cfg.Cwd),
		acpclient.WithUpdateHandler(update),
	)

	s.conn = acp.NewClientSideConnection(s.acpClient, stdin, stdout)
	s.conn.SetLogger(slog.New(zapSlogHandler{s.log.Zap()}))

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	resp, err := s.conn.Initialize(initCtx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "acp-bridge",
			Version: "1.0.0",
		},
	})
	cancelInit()
	if err != nil {
		s.killAndWait(stdinCloseGrace)
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: %v", bridgeerr.HandshakeFailed, err)
	}

	if resp.AgentInfo != nil {
		s.agentName, s.agentVersion = resp.AgentInfo.Name, resp.AgentInfo.Version
	}
	s.loadSessionOK = resp.AgentCapabilities.LoadSession

	s.log.Info("acp handshake complete",
		zap.String("agent_name", s.agentName),
		zap.String("agent_version", s.agentVersion),
		zap.Bool("supports_load_session", s.loadSessionOK))

	if resumeACPSessionID != "" && s.loadSessionOK {
		if _, err := s.conn.LoadSession(ctx, acp.LoadSessionRequest{SessionId: acp.SessionId(resumeACPSessionID)}); err != nil {
			s.killAndWait(stdinCloseGrace)
			s.setState(StateClosed)
			return "", fmt.Errorf("%w: resume session: %v", bridgeerr.HandshakeFailed, err)
		}
		s.acpSessionID = resumeACPSessionID
	} else {
		newResp, err := s.conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        s.cfg.Cwd,
			McpServers: []acp.McpServer{},
		})
		if err != nil {
			s.killAndWait(stdinCloseGrace)
			s.setState(StateClosed)
			return "", fmt.Errorf("%w: new session: %v", bridgeerr.HandshakeFailed, err)
		}
		s.acpSessionID = string(newResp.SessionId)
	}

	s.setState(StateReady)
	return s.acpSessionID, nil
}

// Prompt sends one prompt turn and blocks until the agent reports a
// terminal stop_reason. Only valid from StateReady; transitions through
// StatePrompting and back.
func (s *Session) Prompt(ctx context.Context, text string) (PromptResult, error) {
	if s.State() != StateReady {
		return PromptResult{}, fmt.Errorf("%w: prompt sent while session is %s", bridgeerr.ProtocolError, s.State())
	}
	s.setState(StatePrompting)
	defer func() {
		if s.State() == StatePrompting {
			s.setState(StateReady)
		}
	}()

	ctx, span := bridgetrace.StartProtocolSpan(ctx, "prompt", s.acpSessionID)
	defer span.End()

	resp, err := s.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(s.acpSessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	if err != nil {
		span.RecordError(err)
		return PromptResult{}, fmt.Errorf("%w: %v", bridgeerr.ProtocolError, err)
	}

	return PromptResult{StopReason: resp.StopReason}, nil
}

// Cancel requests early termination of the in-flight prompt turn.
func (s *Session) Cancel(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("%w: cancel on unstarted session", bridgeerr.ProtocolError)
	}
	return s.conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(s.acpSessionID)})
}

// ACPSessionID returns the agent-assigned session id, for persistence.
func (s *Session) ACPSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acpSessionID
}

// RecentStderr returns the trailing stderr lines captured from the
// subprocess, used to enrich AgentCrash errors surfaced to adapters.
func (s *Session) RecentStderr() []string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	out := make([]string, len(s.stderrBuffer))
	copy(out, s.stderrBuffer)
	return out
}

// Close shuts the session down: send a best-effort ACP `shutdown`
// request (5s timeout), then an `exit` notification, then close stdin
// (EOF), wait briefly, then SIGTERM the process group, then SIGKILL if
// it still hasn't exited. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.State() == StateClosed {
		return nil
	}
	s.setState(StateClosing)
	defer s.setState(StateClosed)

	if s.conn != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		if _, err := s.conn.Shutdown(shutdownCtx, acp.ShutdownRequest{}); err != nil {
			s.log.Debug("acp shutdown request failed, proceeding to exit/kill", zap.Error(err))
		}
		cancel()

		if err := s.conn.Exit(context.Background(), acp.ExitNotification{}); err != nil {
			s.log.Debug("acp exit notification failed, proceeding to process signal", zap.Error(err))
		}
	}

	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	select {
	case <-s.doneCh:
		return nil
	case <-time.After(stdinCloseGrace):
	}

	if s.cmd != nil && s.cmd.Process != nil {
		s.log.Warn("agent did not exit after stdin close, sending sigterm")
		_ = s.cmd.Process.Signal(interruptSignal())
	}

	select {
	case <-s.doneCh:
		return nil
	case <-time.After(sigtermGrace):
	}

	s.killAndWait(0)
	return nil
}

func (s *Session) killAndWait(extraGrace time.Duration) {
	if s.cmd != nil && s.cmd.Process != nil {
		s.log.Warn("force killing agent process group", zap.Int("pid", s.cmd.Process.Pid))
		if err := killProcessGroup(s.cmd.Process.Pid); err != nil {
			_ = s.cmd.Process.Kill()
		}
	}
	if extraGrace > 0 {
		select {
		case <-s.doneCh:
		case <-time.After(extraGrace):
		}
	}
	s.wg.Wait()
}

func (s *Session) waitForExit() {
	defer s.wg.Done()
	defer close(s.doneCh)

	if s.cmd == nil {
		return
	}
	if err := s.cmd.Wait(); err != nil {
		s.exitErr.Store(err)
		s.log.Warn("agent subprocess exited", zap.Error(err))
	} else {
		s.log.Info("agent subprocess exited cleanly")
	}
}

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func (s *Session) readStderr() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		line := ansiEscapeRegex.ReplaceAllString(scanner.Text(), "")
		s.stderrMu.Lock()
		if len(s.stderrBuffer) >= stderrBufferSize {
			s.stderrBuffer = s.stderrBuffer[1:]
		}
		s.stderrBuffer = append(s.stderrBuffer, line)
		s.stderrMu.Unlock()
	}
}

// zapSlogHandler adapts *zap.Logger to slog.Handler for acp-go-sdk's
// internal connection logging, so protocol-level traffic lands in the
// same structured log stream as the rest of the bridge.
type zapSlogHandler struct{ z *zap.Logger }

func (h zapSlogHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h zapSlogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zap.Field, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, zap.Any(a.Key, a.Value.Any()))
		return true
	})
	switch {
	case r.Level >= slog.LevelError:
		h.z.Error(r.Message, fields...)
	case r.Level >= slog.LevelWarn:
		h.z.Warn(r.Message, fields...)
	case r.Level >= slog.LevelInfo:
		h.z.Info(r.Message, fields...)
	default:
		h.z.Debug(r.Message, fields...)
	}
	return nil
}
func (h zapSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h zapSlogHandler) WithGroup(name string) slog.Handler       { return h }
