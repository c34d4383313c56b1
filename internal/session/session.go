// Package session implements the Session Worker (C7): the per-
// subscriber state machine that drains the outbound queue to the
// transport, observes inbound control frames, runs the heartbeat, and
// removes the session from the registry on exit.
//
// Grounded on internal/coop/watcher.go's use of gorilla/websocket for
// the wire transport and on original_source/src/websockets/ws_session.rs
// for the heartbeat/timeout actor shape (constants redefined to
// spec.md's 15s/40s defaults).
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cdcfanout/cdcgate/internal/dispatch"
	"github.com/cdcfanout/cdcgate/internal/logging"
	"github.com/cdcfanout/cdcgate/internal/registry"
)

var log = logging.New("session")

// State is the Session Worker's lifecycle state (spec.md §4.6).
type State int

const (
	Connecting State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the subset of *websocket.Conn the worker needs. Tests
// substitute a fake; production wires a real *websocket.Conn (which
// satisfies this interface as-is).
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetPingHandler(h func(appData string) error)
	SetCloseHandler(h func(code int, text string) error)
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

// Remover abstracts the registry so tests don't need a live one; the
// real caller passes a *registry.Registry.
type Remover interface {
	Remove(id uint64, mask dispatch.OperationKind)
}

// Worker runs one subscriber's lifecycle.
type Worker struct {
	ID        uint64
	transport Transport
	outbox    <-chan json.RawMessage
	mask      dispatch.OperationKind
	registry  Remover

	heartbeatInterval time.Duration
	clientTimeout     time.Duration

	mu         sync.Mutex
	state      State
	lastPongAt time.Time
}

// New constructs a Worker for sess, reading from reg to remove itself
// on exit.
func New(sess *registry.Session, transport Transport, reg Remover, heartbeatInterval, clientTimeout time.Duration) *Worker {
	return &Worker{
		ID:                sess.ID,
		transport:         transport,
		outbox:            sess.Outbox,
		mask:              sess.Mask,
		registry:          reg,
		heartbeatInterval: heartbeatInterval,
		clientTimeout:     clientTimeout,
		state:             Active, // the transport handshake already completed (spec.md §4.6)
		lastPongAt:        time.Now(),
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run drives the worker until Closed: it starts the outbound drain and
// inbound observer goroutines, runs the heartbeat loop itself, and on
// any exit path closes the transport and removes the session from the
// registry. Run blocks until the session is fully closed.
func (w *Worker) Run() {
	closeCh := make(chan struct{})
	var once sync.Once
	triggerClose := func() {
		once.Do(func() { close(closeCh) })
	}

	w.transport.SetPongHandler(func(string) error {
		w.mu.Lock()
		w.lastPongAt = time.Now()
		w.mu.Unlock()
		return nil
	})
	w.transport.SetCloseHandler(func(int, string) error {
		w.setState(Closing)
		triggerClose()
		return nil
	})

	go w.outboundDrain(closeCh, triggerClose)
	go w.inboundObserve(triggerClose)

	w.heartbeatLoop(closeCh, triggerClose)

	w.setState(Closing)
	_ = w.transport.Close()
	w.registry.Remove(w.ID, w.mask)
	w.setState(Closed)
}

// outboundDrain pulls payloads off the outbox and writes them as text
// messages until closeCh fires, the outbox is closed, or a write
// fails. Selecting on closeCh alongside the outbox means a closing
// session with no further traffic still exits promptly instead of
// blocking forever on an outbox nobody closes.
func (w *Worker) outboundDrain(closeCh <-chan struct{}, triggerClose func()) {
	for {
		select {
		case <-closeCh:
			return
		case payload, ok := <-w.outbox:
			if !ok {
				return
			}
			if w.State() != Active {
				return
			}
			if err := w.transport.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("session %d: write error, closing: %v", w.ID, err)
				w.setState(Closing)
				triggerClose()
				return
			}
		}
	}
}

// inboundObserve reads frames until a read error or close frame.
// gorilla/websocket dispatches pong/close through the handlers
// registered in Run and answers pings with its default ping handler;
// ReadMessage must still be called in a loop for those handlers to
// fire, and any other payload is ignored per spec.md §4.6.
func (w *Worker) inboundObserve(triggerClose func()) {
	for {
		if w.State() != Active {
			return
		}
		_, _, err := w.transport.ReadMessage()
		if err != nil {
			if w.State() == Active {
				log.Printf("session %d: read error, closing: %v", w.ID, err)
			}
			w.setState(Closing)
			triggerClose()
			return
		}
	}
}

// heartbeatLoop sends a ping every heartbeatInterval and transitions
// to Closing if no pong has arrived within clientTimeout.
func (w *Worker) heartbeatLoop(closeCh <-chan struct{}, triggerClose func()) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			if w.State() != Active {
				return
			}
			if err := w.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.heartbeatInterval)); err != nil {
				log.Printf("session %d: ping write error, closing: %v", w.ID, err)
				triggerClose()
				return
			}

			w.mu.Lock()
			since := time.Since(w.lastPongAt)
			w.mu.Unlock()
			if since > w.clientTimeout {
				log.Printf("session %d: heartbeat timeout (%s since last pong), closing", w.ID, since)
				triggerClose()
				return
			}
		}
	}
}
