package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcfanout/cdcgate/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := (&config.Config{ListenAddr: "127.0.0.1:0"}).WithDefaults()
	return cfg
}

func TestNewBuildsGatewayWithoutError(t *testing.T) {
	g := New(Options{Config: testConfig(t)})
	require.NotNil(t, g)
	assert.NotNil(t, g.httpServer)
	assert.NotNil(t, g.supervisor)
}

func TestRunServesPingAndStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.ListenAddr = "127.0.0.1:18085"
	g := New(Options{Config: cfg})

	ctx, cancel := context.WithCancel(context.Background())

	// Avoid driving the real replication pipeline in this test: point the
	// DSN at nothing and rely on the supervisor's restart loop running in
	// the background while we only assert on the HTTP surface.
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + cfg.ListenAddr + "/ping")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not shut down after context cancel")
	}
}
