// Package updaterouter implements the Update Router (spec.md §4.4): it
// consumes raw ACP session/update notifications (arriving at LLM-token
// cadence) and emits a sparser, debounced sequence of BridgeUpdates. One
// Router exists per ActiveSession, grounded on the teacher's
// agent/streaming.Manager (one instance owns one reader's debounce
// state) and the notification-conversion logic of
// agentctl/server/adapter/transport/acp.Adapter.convertNotification,
// repurposed here to build a bridgetypes.BridgeUpdate directly instead
// of the teacher's internal AgentEvent.
package updaterouter

import (
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

const defaultDebounceWindow = 2 * time.Second

// routerItem is the one thing that flows through Router's input
// channel: either a raw ACP notification or an out-of-band error that
// must flush and bypass the debounce window, per spec.md §4.4's error
// row ("flush immediately, bypassing window").
type routerItem struct {
	notification *acp.SessionNotification
	errMsg       string
	isError      bool
}

// Router owns the debounce state machine for one session. All mutable
// state is confined to the Run goroutine; callers only ever touch
// channels via Notify/NotifyError/Updates/FlushAndClose.
type Router struct {
	externalSessionID string
	debounceWindow    time.Duration
	log               *bridgelog.Logger

	in   chan routerItem
	out  chan bridgetypes.BridgeUpdate
	stop chan struct{}

	closed chan struct{} // closed exactly once, signals stop was requested
	done   chan struct{} // closed once Run has returned
}

// New creates a Router for one session. Call Run in its own goroutine
// before any Notify/NotifyError call.
func New(externalSessionID string, debounceWindow time.Duration, log *bridgelog.Logger) *Router {
	if debounceWindow <= 0 {
		debounceWindow = defaultDebounceWindow
	}
	if log == nil {
		log = bridgelog.Default()
	}
	return &Router{
		externalSessionID: externalSessionID,
		debounceWindow:    debounceWindow,
		log:               log,
		in:                make(chan routerItem, 256),
		out:               make(chan bridgetypes.BridgeUpdate, 256),
		stop:              make(chan struct{}),
		closed:            make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Updates returns the outbound, debounced BridgeUpdate stream. Closed
// once FlushAndClose has drained every open buffer.
func (r *Router) Updates() <-chan bridgetypes.BridgeUpdate {
	return r.out
}

// Notify enqueues one raw ACP session notification for debouncing. The
// input channel is generously buffered; on overflow the notification is
// dropped (and logged) rather than blocking the ACP read loop, since a
// dropped intermediate tool-call frame is harmless but a stalled
// protocol reader can wedge the whole session.
func (r *Router) Notify(n acp.SessionNotification) {
	select {
	case r.in <- routerItem{notification: &n}:
	default:
		r.log.Warn("update router input buffer full, dropping notification",
			zap.String("external_session_id", r.externalSessionID))
	}
}

// NotifyError enqueues a terminal error condition (e.g. a failed prompt
// call, or an ACP protocol error notification). Errors flush whatever
// was open and are themselves emitted immediately.
func (r *Router) NotifyError(msg string) {
	select {
	case r.in <- routerItem{isError: true, errMsg: msg}:
	default:
		r.log.Warn("update router input buffer full, dropping error",
			zap.String("external_session_id", r.externalSessionID))
	}
}

// FlushAndClose flushes any open buffer and closes the output channel.
// Called by the Session Manager at prompt-turn end, and again
// (idempotently) when the session is torn down. Safe to call more than
// once; only the first call has effect.
func (r *Router) FlushAndClose() {
	select {
	case <-r.closed:
		return
	default:
	}
	close(r.closed)
	close(r.stop)
	<-r.done
}

// Run drives the debounce state machine. Must be started in its own
// goroutine; returns once FlushAndClose is called.
func (r *Router) Run() {
	defer close(r.done)
	defer close(r.out)

	state := newRouterState()
	timer := time.NewTimer(r.debounceWindow)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	stopTimer := func() {
		if timerArmed {
			if !timer.Stop() {
				<-timer.C
			}
			timerArmed = false
		}
	}
	emitAll := func(updates []bridgetypes.BridgeUpdate) {
		for _, u := range updates {
			r.out <- u
		}
	}

	for {
		select {
		case item := <-r.in:
			if item.isError {
				emitAll(state.flushOpen(r.externalSessionID))
				emitAll([]bridgetypes.BridgeUpdate{{
					ExternalSessionID: r.externalSessionID,
					Kind:              bridgetypes.UpdateError,
					Timestamp:         time.Now().UTC(),
					Error:             item.errMsg,
				}})
				stopTimer()
				continue
			}

			kind, planUpdate, ok := classify(*item.notification)
			if !ok {
				continue // user_message_chunk and unrecognized kinds: ignored
			}

			if kind != state.currentKind && state.currentKind != "" {
				emitAll(state.flush(state.currentKind, r.externalSessionID))
			}

			if planUpdate != nil {
				planUpdate.ExternalSessionID = r.externalSessionID
				planUpdate.Timestamp = time.Now().UTC()
				emitAll([]bridgetypes.BridgeUpdate{*planUpdate})
				state.currentKind = ""
				stopTimer()
				continue
			}

			state.apply(kind, *item.notification)
			state.currentKind = kind

			stopTimer()
			timer.Reset(r.debounceWindow)
			timerArmed = true

		case <-timer.C:
			timerArmed = false
			if state.currentKind != "" {
				emitAll(state.flush(state.currentKind, r.externalSessionID))
				state.currentKind = ""
			}

		case <-r.stop:
			if len(r.in) > 0 {
				continue // process what was enqueued before FlushAndClose first
			}
			stopTimer()
			emitAll(state.flushOpen(r.externalSessionID))
			return
		}
	}
}
