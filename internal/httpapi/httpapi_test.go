package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcfanout/cdcgate/internal/dispatch"
	"github.com/cdcfanout/cdcgate/internal/registry"
)

type fakeAdmitter struct {
	sess      *registry.Session
	err       error
	lastQuery string
	lastAdmin bool
}

func (f *fakeAdmitter) Admit(ctx context.Context, query string, isAdmin bool) (*registry.Session, error) {
	f.lastQuery = query
	f.lastAdmin = isAdmin
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

type fakeRemover struct {
	removedID uint64
}

func (f *fakeRemover) Remove(id uint64, mask dispatch.OperationKind) { f.removedID = id }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHandlePingReturnsBody(t *testing.T) {
	srv := New(Options{Registry: &fakeRemover{}})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "zpour", string(body))
}

func TestHandleSubscribeAdmitsAndForwardsOutboxToClient(t *testing.T) {
	outbox := make(chan json.RawMessage, 1)
	sess := &registry.Session{ID: 1, Mask: dispatch.Insert, Outbox: outbox}
	admitter := &fakeAdmitter{sess: sess}
	remover := &fakeRemover{}

	srv := New(Options{
		Admitter:          admitter,
		Registry:          remover,
		HeartbeatInterval: time.Hour,
		ClientTimeout:     time.Hour,
	})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/subscribe?query=insert:accounts", nil)
	require.NoError(t, err)
	defer conn.Close()

	outbox <- json.RawMessage(`{"a":1}`)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	assert.Equal(t, "insert:accounts", admitter.lastQuery)
	assert.False(t, admitter.lastAdmin)
}

func TestHandleSubscribeAdminSecretSetsIsAdmin(t *testing.T) {
	sess := &registry.Session{ID: 2, Mask: dispatch.Insert, Outbox: make(chan json.RawMessage)}
	admitter := &fakeAdmitter{sess: sess}

	srv := New(Options{
		Admitter:          admitter,
		Registry:          &fakeRemover{},
		AdminSecret:       "topsecret",
		HeartbeatInterval: time.Hour,
		ClientTimeout:     time.Hour,
	})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(ts.URL)+"/subscribe?query=insert:accounts&admin_secret=topsecret", nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, admitter.lastAdmin)
}

func TestHandleSubscribeDeniedClosesSocket(t *testing.T) {
	admitter := &fakeAdmitter{err: errors.New("denied")}

	srv := New(Options{
		Admitter: admitter,
		Registry: &fakeRemover{},
	})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/subscribe?query=bad", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
