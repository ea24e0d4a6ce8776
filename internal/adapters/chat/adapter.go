package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
	"github.com/larryhudson/agent-acp-bridge/internal/serviceadapter"
)

// SessionHandler is the slice of the Session Manager this adapter calls
// directly, since socket adapters parse mentions themselves instead of
// going through OnSessionCreated (spec.md §4.6). Declared locally to
// avoid internal/adapters/chat importing internal/sessionmanager, which
// in turn depends on serviceadapter.Adapter.
type SessionHandler interface {
	HandleNewSession(ctx context.Context, adapter serviceadapter.Adapter, req bridgetypes.BridgeSessionRequest) error
	HandleFollowup(ctx context.Context, externalSessionID, prompt string) error
}

// Config controls the chat adapter's identity and inbound route.
type Config struct {
	Service   string // unique service_name, e.g. "teamchat:claude"
	AgentName string
	WSPath    string // gin route the socket upgrades on, e.g. "/ws/chat"
}

// Adapter is a persistent-socket Service Adapter, grounded on the
// teacher's internal/gateway/websocket package. register_routes wires
// the upgrade endpoint; Start runs the Hub's fan-out loop and Close
// cancels it. There is no separate outbound connection.
type Adapter struct {
	cfg      Config
	hub      *Hub
	sessions SessionHandler
	log      *bridgelog.Logger
	upgrader websocket.Upgrader

	hubCancel context.CancelFunc

	seenMu sync.Mutex
	seen   map[string]bool
}

var _ serviceadapter.Adapter = (*Adapter)(nil)

// New constructs a chat Adapter. sessions may be nil at construction
// time and must be set via SetSessionHandler before Start, since the
// Session Manager and the adapter list are typically wired together in
// the Application Shell's bootstrap sequence.
func New(cfg Config, log *bridgelog.Logger) *Adapter {
	if log == nil {
		log = bridgelog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws/chat"
	}
	return &Adapter{
		cfg:  cfg,
		hub:  NewHub(log.WithFields(zap.String("service", cfg.Service))),
		log:  log.WithFields(zap.String("service", cfg.Service)),
		seen: make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetSessionHandler wires the Session Manager calls this adapter
// invokes directly for inbound mentions.
func (a *Adapter) SetSessionHandler(h SessionHandler) {
	a.sessions = h
}

func (a *Adapter) ServiceName() string { return a.cfg.Service }

func (a *Adapter) RegisterRoutes(engine *gin.Engine) {
	engine.GET(a.cfg.WSPath, a.handleUpgrade)
}

func (a *Adapter) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(ctx)
	a.hubCancel = cancel
	go a.hub.Run(hubCtx)
	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	if a.hubCancel != nil {
		a.hubCancel()
	}
	return nil
}

func (a *Adapter) OnSessionCreated(ctx context.Context, event []byte) (bridgetypes.BridgeSessionRequest, error) {
	return bridgetypes.BridgeSessionRequest{}, serviceadapter.ErrNotSupported
}

func (a *Adapter) SendUpdate(ctx context.Context, externalSessionID string, update bridgetypes.BridgeUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge update: %w", err)
	}
	a.hub.SendFrame(externalSessionID, Frame{
		Type:              "update",
		ExternalSessionID: externalSessionID,
		Update:            payload,
	})
	return nil
}

func (a *Adapter) SendCompletion(ctx context.Context, externalSessionID string, message string) error {
	a.hub.SendFrame(externalSessionID, Frame{
		Type:              "completion",
		ExternalSessionID: externalSessionID,
		Completion:        message,
	})
	return nil
}

func (a *Adapter) SendError(ctx context.Context, externalSessionID string, errMessage string) error {
	a.hub.SendFrame(externalSessionID, Frame{
		Type:              "error",
		ExternalSessionID: externalSessionID,
		Error:             errMessage,
	})
	return nil
}

func (a *Adapter) handleUpgrade(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("chat websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = c.ClientIP()
	}

	client := newSocketClient(clientID, conn, a.hub, a.log, a.handleMention)
	a.hub.register <- client

	go client.writePump()
	go client.readPump(c.Request.Context())
}

// handleMention maps an inbound "mention" frame directly into a
// Session Manager call: a new session the first time a given
// external_session_id is mentioned, a follow-up on every mention after
// that. The adapter tracks which session ids it has already started
// rather than asking the Session Manager to infer intent from error
// outcomes.
func (a *Adapter) handleMention(c *socketClient, f Frame) {
	if a.sessions == nil {
		a.log.Error("chat adapter received a mention before a session handler was wired")
		return
	}
	a.hub.Subscribe(c, f.ExternalSessionID)

	ctx := context.Background()

	a.seenMu.Lock()
	isFollowup := a.seen[f.ExternalSessionID]
	a.seen[f.ExternalSessionID] = true
	a.seenMu.Unlock()

	if isFollowup {
		if err := a.sessions.HandleFollowup(ctx, f.ExternalSessionID, f.Text); err != nil {
			a.log.Error("chat follow-up failed", zap.Error(err))
		}
		return
	}

	req := bridgetypes.BridgeSessionRequest{
		ExternalSessionID: f.ExternalSessionID,
		ServiceName:       a.cfg.Service,
		AgentName:         firstNonEmpty(f.AgentName, a.cfg.AgentName),
		Prompt:            f.Text,
	}
	if err := a.sessions.HandleNewSession(ctx, a, req); err != nil {
		a.log.Error("chat new session failed", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
