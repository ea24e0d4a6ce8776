// Package acpclient implements the client side of the ACP JSON-RPC
// contract (spec.md §4.1 "ACP Client"): the callback surface an agent
// subprocess invokes over stdio for permission prompts, workspace file
// access, and session update notifications. Grounded on the teacher's
// internal/agentctl/server/acp package.
package acpclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgetrace"
)

// UpdateHandler is invoked for every session/update notification the
// agent sends. It must not block the caller for long: the Update Router
// owns all debouncing.
type UpdateHandler func(notification acp.SessionNotification)

// Client implements acp.Client: the callback interface acp-go-sdk invokes
// on the bridge whenever the agent subprocess makes a request of its own.
type Client struct {
	logger        *zap.Logger
	workspaceRoot string

	mu            sync.RWMutex
	updateHandler UpdateHandler
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for protocol-level diagnostics.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithWorkspaceRoot confines ReadTextFile/WriteTextFile to this directory
// (the session's git worktree, per repoprovider.RepositoryHandle.Cwd).
func WithWorkspaceRoot(root string) ClientOption {
	return func(c *Client) { c.workspaceRoot = root }
}

// WithUpdateHandler sets the handler invoked for session/update notifications.
func WithUpdateHandler(h UpdateHandler) ClientOption {
	return func(c *Client) { c.updateHandler = h }
}

// NewClient builds a Client. workspaceRoot defaults to the current
// directory; callers always pass WithWorkspaceRoot in practice.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger:        zap.NewNop(),
		workspaceRoot: ".",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUpdateHandler replaces the update handler (thread-safe). The bridge
// itself sets the handler once, via WithUpdateHandler at construction.
func (c *Client) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

// RequestPermission auto-approves tool calls, preferring an
// allow_always option over allow_once (and allow_once over any other
// option), per spec.md §4.1: the bridge runs unattended, so it can
// never forward a permission prompt to a human, and should minimize
// how often it has to ask the agent again for the same kind of action.
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	ctx, span := bridgetrace.StartProtocolSpan(ctx, "request_permission", string(p.SessionId))
	defer span.End()

	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	span.SetAttributes(
		attribute.String("tool_call_id", string(p.ToolCall.ToolCallId)),
		attribute.Int("options_count", len(p.Options)),
	)

	c.logger.Info("received permission request",
		zap.String("session_id", string(p.SessionId)),
		zap.String("tool_call_id", string(p.ToolCall.ToolCallId)),
		zap.String("title", title),
		zap.Int("num_options", len(p.Options)))

	if len(p.Options) == 0 {
		c.logger.Warn("no options available, cancelling permission request")
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	var selected *acp.PermissionOption
	for i := range p.Options {
		if p.Options[i].Kind == acp.PermissionOptionKindAllowAlways {
			selected = &p.Options[i]
			break
		}
	}
	if selected == nil {
		for i := range p.Options {
			if p.Options[i].Kind == acp.PermissionOptionKindAllowOnce {
				selected = &p.Options[i]
				break
			}
		}
	}
	if selected == nil {
		selected = &p.Options[0]
	}

	c.logger.Info("auto-approving permission request",
		zap.String("option_id", string(selected.OptionId)),
		zap.String("kind", string(selected.Kind)))

	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}, nil
}

// SessionUpdate forwards session/update notifications to the registered
// handler. Never returns an error: a handler panic or slow path must not
// break the JSON-RPC read loop.
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(n)
	}
	return nil
}

// resolvePath joins reqPath against workspaceRoot and rejects any result
// that escapes it, per spec.md §4.1's path-traversal requirement.
func (c *Client) resolvePath(reqPath string) (string, error) {
	var resolved string
	if filepath.IsAbs(reqPath) {
		resolved = filepath.Clean(reqPath)
	} else {
		resolved = filepath.Join(c.workspaceRoot, reqPath)
	}
	root := filepath.Clean(c.workspaceRoot) + string(filepath.Separator)
	if resolved != filepath.Clean(c.workspaceRoot) && !strings.HasPrefix(resolved, root) {
		return "", fmt.Errorf("path %q resolves outside workspace root %q", reqPath, c.workspaceRoot)
	}
	return resolved, nil
}

// ReadTextFile reads a workspace-confined file, honoring ACP's optional
// line/limit windowing.
func (c *Client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	_, span := bridgetrace.StartProtocolSpan(ctx, "read_text_file", "")
	defer span.End()
	span.SetAttributes(attribute.String("path", p.Path))

	filePath, err := c.resolvePath(p.Path)
	if err != nil {
		span.RecordError(err)
		return acp.ReadTextFileResponse{}, err
	}

	b, err := os.ReadFile(filePath)
	if err != nil {
		span.RecordError(err)
		return acp.ReadTextFileResponse{}, err
	}

	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile writes a workspace-confined file, creating parent
// directories as needed.
func (c *Client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	_, span := bridgetrace.StartProtocolSpan(ctx, "write_text_file", "")
	defer span.End()
	span.SetAttributes(attribute.String("path", p.Path), attribute.Int("content_length", len(p.Content)))

	filePath, err := c.resolvePath(p.Path)
	if err != nil {
		span.RecordError(err)
		return acp.WriteTextFileResponse{}, err
	}

	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			span.RecordError(err)
			return acp.WriteTextFileResponse{}, err
		}
	}

	if err := os.WriteFile(filePath, []byte(p.Content), 0o644); err != nil {
		span.RecordError(err)
		return acp.WriteTextFileResponse{}, err
	}
	return acp.WriteTextFileResponse{}, nil
}

// Terminal methods are unsupported: spec.md's Non-goals exclude an
// interactive terminal surface. Each returns an error so an agent that
// probes the capability learns immediately to fall back to
// non-interactive tool calls instead of blocking on a terminal that
// will never produce output.

func (c *Client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal access not supported")
}

func (c *Client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal access not supported")
}

func (c *Client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal access not supported")
}

func (c *Client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal access not supported")
}

func (c *Client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal access not supported")
}

var _ acp.Client = (*Client)(nil)
