// Package httpapi exposes cdcgate's external HTTP surface: a liveness
// endpoint and the websocket subscription endpoint that calls into
// Admission (C5) and spawns a Session Worker (C7) on success.
//
// Grounded on internal/rpc/http_sse.go's handler-validates-then-spawns
// shape (auth header check, then a dedicated per-connection goroutine)
// and on internal/coop/watcher.go's gorilla/websocket upgrade usage,
// with the admin bypass and "/ping" liveness body supplemented from
// original_source/src/main.rs (see SPEC_FULL.md §11.1).
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cdcfanout/cdcgate/internal/admission"
	"github.com/cdcfanout/cdcgate/internal/logging"
	"github.com/cdcfanout/cdcgate/internal/registry"
	"github.com/cdcfanout/cdcgate/internal/session"
)

var log = logging.New("httpapi")

// pingBody is the liveness response body, carried over unchanged from
// the original gateway's health check so existing operator tooling
// that greps for it keeps working.
const pingBody = "zpour"

// Admitter is the subset of admission.Admitter the HTTP layer needs.
type Admitter interface {
	Admit(ctx context.Context, query string, isAdmin bool) (*registry.Session, error)
}

// Server wires the websocket upgrade and liveness handlers.
type Server struct {
	admitter          Admitter
	registry          session.Remover
	adminSecret       string
	heartbeatInterval time.Duration
	clientTimeout     time.Duration
	upgrader          websocket.Upgrader
}

// Options configures a Server.
type Options struct {
	Admitter          Admitter
	Registry          session.Remover
	AdminSecret       string
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
}

// New constructs a Server from opts.
func New(opts Options) *Server {
	return &Server{
		admitter:          opts.Admitter,
		registry:          opts.Registry,
		adminSecret:       opts.AdminSecret,
		heartbeatInterval: opts.HeartbeatInterval,
		clientTimeout:     opts.ClientTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the handler mux cdcgate serves.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	return mux
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, pingBody)
}

// handleSubscribe upgrades the connection, admits the subscription
// named by the "query" parameter, and — on success — hands the
// resulting session off to a Session Worker that runs for the
// remainder of the connection's life. The upgrade completes (HTTP 101)
// before admission runs, so an admission failure is reported by a
// policy-violation close frame carrying the error text, not by an HTTP
// status code.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	isAdmin := s.adminSecret != "" && r.URL.Query().Get("admin_secret") == s.adminSecret

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	sess, err := s.admitter.Admit(r.Context(), query, isAdmin)
	if err != nil {
		log.Printf("admission denied for query %q: %v", query, err)
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(5*time.Second))
		_ = conn.Close()
		return
	}

	worker := session.New(sess, conn, s.registry, s.heartbeatInterval, s.clientTimeout)
	go worker.Run()
}
