// Package issuetracker implements a webhook-ingress Service Adapter
// (spec.md §4.6), modeled on the teacher's internal/github package:
// typed payload parsing plus an egress Client interface for posting
// comments back to the originating issue. Unlike the teacher's
// GitHub-specific poller/controller stack, this adapter is a thin
// webhook receiver for any tracker that can fire a signed HTTP POST on
// assignment/comment events.
package issuetracker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
	"github.com/larryhudson/agent-acp-bridge/internal/serviceadapter"
)

// Config controls the adapter's identity, inbound route, and webhook secret.
type Config struct {
	Service      string // unique service_name, e.g. "linear:claude"
	AgentName    string
	WebhookPath  string // e.g. "/webhooks/linear"
	WebhookSecret string
}

// SessionHandler is the slice of the Session Manager the webhook route
// calls after a delivery has been verified and parsed.
type SessionHandler interface {
	HandleNewSession(ctx context.Context, adapter serviceadapter.Adapter, req bridgetypes.BridgeSessionRequest) error
	HandleFollowup(ctx context.Context, externalSessionID, prompt string) error
}

// Adapter is a webhook-style Service Adapter: register_routes wires one
// POST endpoint, start/close are no-ops (there is no background
// connection to hold open), and on_session_created does the real work
// of turning a signed webhook delivery into a BridgeSessionRequest.
type Adapter struct {
	cfg       Config
	client    Client
	onSession SessionHandler
	log       *bridgelog.Logger
}

var _ serviceadapter.Adapter = (*Adapter)(nil)

func New(cfg Config, client Client, log *bridgelog.Logger) *Adapter {
	if log == nil {
		log = bridgelog.Default()
	}
	if client == nil {
		client = NoopClient{}
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhooks/issuetracker"
	}
	return &Adapter{cfg: cfg, client: client, log: log.WithFields(zap.String("service", cfg.Service))}
}

// SetSessionHandler wires the Session Manager calls the webhook route
// invokes once a delivery has been verified and parsed.
func (a *Adapter) SetSessionHandler(h SessionHandler) {
	a.onSession = h
}

func (a *Adapter) ServiceName() string { return a.cfg.Service }

func (a *Adapter) RegisterRoutes(engine *gin.Engine) {
	engine.POST(a.cfg.WebhookPath, a.handleWebhook)
}

// Start and Close are no-ops: a webhook adapter holds no background
// connection open (spec.md §4.6 — "no-op for webhook adapters").
func (a *Adapter) Start(ctx context.Context) error       { return nil }
func (a *Adapter) Close(ctx context.Context) error        { return nil }

func (a *Adapter) OnSessionCreated(ctx context.Context, event []byte) (bridgetypes.BridgeSessionRequest, error) {
	ev, err := parseInboundEvent(event)
	if err != nil {
		return bridgetypes.BridgeSessionRequest{}, err
	}

	externalSessionID := fmt.Sprintf("%s:%s", a.cfg.Service, ev.IssueID)

	return bridgetypes.BridgeSessionRequest{
		ExternalSessionID: externalSessionID,
		ServiceName:       a.cfg.Service,
		AgentName:         firstNonEmpty(ev.AgentName, a.cfg.AgentName),
		Prompt:            ev.Body,
		DescriptiveName:   ev.Title,
		IsFollowup:        ev.EventType == "comment_created",
		ServiceMetadata: map[string]any{
			"issue_id":    ev.IssueID,
			"repo_url":    ev.RepoURL,
			"base_branch": ev.BaseBranch,
		},
	}, nil
}

func (a *Adapter) SendUpdate(ctx context.Context, externalSessionID string, update bridgetypes.BridgeUpdate) error {
	text := renderUpdate(update)
	if text == "" {
		return nil
	}
	return a.postComment(ctx, externalSessionID, text)
}

func (a *Adapter) SendCompletion(ctx context.Context, externalSessionID string, message string) error {
	return a.postComment(ctx, externalSessionID, message)
}

func (a *Adapter) SendError(ctx context.Context, externalSessionID string, errMessage string) error {
	return a.postComment(ctx, externalSessionID, "⚠ "+errMessage)
}

func (a *Adapter) postComment(ctx context.Context, externalSessionID, body string) error {
	issueID := issueIDFromExternalSessionID(a.cfg.Service, externalSessionID)
	if err := a.client.PostComment(ctx, issueID, body); err != nil {
		// Egress failures are logged and dropped, never propagated: a
		// broken comment post must not kill the session (spec.md §4.6
		// propagation policy).
		a.log.Warn("failed to post issue tracker comment",
			zap.String("external_session_id", externalSessionID), zap.Error(err))
	}
	return nil
}

func issueIDFromExternalSessionID(service, externalSessionID string) string {
	prefix := service + ":"
	if len(externalSessionID) > len(prefix) && externalSessionID[:len(prefix)] == prefix {
		return externalSessionID[len(prefix):]
	}
	return externalSessionID
}

func renderUpdate(update bridgetypes.BridgeUpdate) string {
	switch update.Kind {
	case bridgetypes.UpdateThought:
		return "🤔 " + update.Thought
	case bridgetypes.UpdateMessageChunk:
		return update.MessageChunk
	case bridgetypes.UpdateAction:
		if update.Action == nil {
			return ""
		}
		return fmt.Sprintf("🔧 %s (%s)", update.Action.Title, update.Action.Status)
	case bridgetypes.UpdatePlan:
		out := "📋 Plan:\n"
		for _, e := range update.Plan {
			out += fmt.Sprintf("- [%s] %s\n", e.Status, e.Content)
		}
		return out
	default:
		return ""
	}
}

func (a *Adapter) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if a.cfg.WebhookSecret != "" {
		sig := c.GetHeader("X-Webhook-Signature")
		if err := verifySignature([]byte(a.cfg.WebhookSecret), body, sig); err != nil {
			a.log.Warn("rejecting webhook with invalid signature", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	req, err := a.OnSessionCreated(c.Request.Context(), body)
	if err != nil {
		a.log.Warn("failed to parse webhook payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if a.onSession == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session handler not wired"})
		return
	}

	if req.IsFollowup {
		err = a.onSession.HandleFollowup(c.Request.Context(), req.ExternalSessionID, req.Prompt)
	} else {
		err = a.onSession.HandleNewSession(c.Request.Context(), a, req)
	}
	if err != nil {
		a.log.Error("session handler rejected webhook-derived request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
