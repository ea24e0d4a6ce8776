// Package serviceadapter defines the Service Adapter contract
// (spec.md §4.6): the capability set every ingress/egress integration
// implements. Expressed as a plain interface, the way the teacher
// expresses its own protocol-style capabilities (e.g.
// adapter/transport.Transport) — composition across adapters is by list
// iteration over []Adapter, never by embedding or inheritance.
package serviceadapter

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

// ErrNotSupported is returned by on_session_created for socket-based
// adapters that parse inbound events and call the Session Manager
// directly from their own event handler instead (spec.md §4.6).
var ErrNotSupported = errors.New("on_session_created not supported by this adapter")

// Adapter is the capability set every Service Adapter implements. One
// ingress channel (HTTP endpoint OR persistent socket) and one egress
// channel (API calls back to the originating service) per instance.
type Adapter interface {
	// ServiceName is a unique string per adapter instance (e.g.
	// "linear:claude").
	ServiceName() string

	// RegisterRoutes wires ingress HTTP routes onto the shared gin
	// engine. A no-op for socket-based adapters.
	RegisterRoutes(engine *gin.Engine)

	// Start begins background tasks (e.g. opening a persistent
	// WebSocket connection). A no-op for webhook adapters.
	Start(ctx context.Context) error

	// Close releases any resources Start acquired.
	Close(ctx context.Context) error

	// OnSessionCreated parses an inbound webhook event into a
	// BridgeSessionRequest. Socket adapters return ErrNotSupported.
	OnSessionCreated(ctx context.Context, event []byte) (bridgetypes.BridgeSessionRequest, error)

	// SendUpdate renders one user-visible BridgeUpdate.
	SendUpdate(ctx context.Context, externalSessionID string, update bridgetypes.BridgeUpdate) error

	// SendCompletion renders a terminal success message.
	SendCompletion(ctx context.Context, externalSessionID string, message string) error

	// SendError renders a terminal failure message. Rendering failures
	// here are logged and dropped by the caller — they must never
	// bring down the session (spec.md §4.6 propagation policy).
	SendError(ctx context.Context, externalSessionID string, errMessage string) error
}
