package session

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cdcfanout/cdcgate/internal/dispatch"
	"github.com/cdcfanout/cdcgate/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory stand-in for *websocket.Conn.
type fakeTransport struct {
	mu            sync.Mutex
	written       [][]byte
	closed        bool
	readErr       error
	pongHandler   func(string) error
	pingHandler   func(string) error
	closeHandler  func(int, string) error
	readBlocked   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{readBlocked: make(chan struct{})}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return io.ErrClosedPipe
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	<-f.readBlocked
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, nil, f.readErr
	}
	return 0, nil, io.EOF
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (f *fakeTransport) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeTransport) SetPongHandler(h func(string) error)          { f.pongHandler = h }
func (f *fakeTransport) SetPingHandler(h func(string) error)          { f.pingHandler = h }
func (f *fakeTransport) SetCloseHandler(h func(int, string) error)    { f.closeHandler = h }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.readBlocked)
	}
	return nil
}

type recordingRemover struct {
	mu       sync.Mutex
	removed  bool
	id       uint64
	mask     dispatch.OperationKind
}

func (r *recordingRemover) Remove(id uint64, mask dispatch.OperationKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = true
	r.id = id
	r.mask = mask
}

func TestWorkerDrainsOutboxToTransport(t *testing.T) {
	outbox := make(chan json.RawMessage, 2)
	sess := &registry.Session{ID: 7, Mask: dispatch.Insert, Outbox: outbox}
	transport := newFakeTransport()
	remover := &recordingRemover{}

	w := New(sess, transport, remover, time.Hour, time.Hour)

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	outbox <- json.RawMessage(`{"a":1}`)
	outbox <- json.RawMessage(`{"a":2}`)

	// Give the drain goroutine a moment, then unblock the read side to
	// end the worker's lifecycle so Run() returns.
	time.Sleep(20 * time.Millisecond)
	transport.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after transport close")
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.written, 2)
	assert.JSONEq(t, `{"a":1}`, string(transport.written[0]))
	assert.JSONEq(t, `{"a":2}`, string(transport.written[1]))

	assert.True(t, remover.removed)
	assert.Equal(t, uint64(7), remover.id)
}

func TestWorkerRemovesFromRegistryOnReadError(t *testing.T) {
	outbox := make(chan json.RawMessage)
	sess := &registry.Session{ID: 3, Mask: dispatch.Update, Outbox: outbox}
	transport := newFakeTransport()
	remover := &recordingRemover{}

	w := New(sess, transport, remover, time.Hour, time.Hour)

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	transport.Close() // unblocks ReadMessage with io.EOF

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}

	assert.True(t, remover.removed)
	assert.Equal(t, Closed, w.State())
}

func TestWorkerHeartbeatTimeoutClosesSession(t *testing.T) {
	outbox := make(chan json.RawMessage)
	sess := &registry.Session{ID: 9, Mask: dispatch.Insert, Outbox: outbox}
	transport := newFakeTransport()
	remover := &recordingRemover{}

	// A heartbeat interval shorter than the elapsed time since
	// construction combined with a near-zero timeout forces the
	// heartbeat loop's first tick to observe a timeout.
	w := New(sess, transport, remover, 5*time.Millisecond, 1*time.Millisecond)

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not time out")
	}

	assert.True(t, remover.removed)
}
