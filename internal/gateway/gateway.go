// Package gateway wires the Replication Client (C1), Table Catalog
// (C2), Dispatcher (C3), Subscription Registry (C4), Admission (C5),
// Session Fan-Out (C6), and the Supervisor (C8) into one runnable
// process, and serves Session Workers (C7) over HTTP.
//
// Grounded on internal/rpc/server_core.go's Server struct, which holds
// every subsystem a daemon needs behind one constructor and exposes a
// single blocking Start/Run entrypoint.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cdcfanout/cdcgate/internal/admission"
	"github.com/cdcfanout/cdcgate/internal/authcache"
	"github.com/cdcfanout/cdcgate/internal/catalog"
	"github.com/cdcfanout/cdcgate/internal/config"
	"github.com/cdcfanout/cdcgate/internal/dispatch"
	"github.com/cdcfanout/cdcgate/internal/fanout"
	"github.com/cdcfanout/cdcgate/internal/httpapi"
	"github.com/cdcfanout/cdcgate/internal/logging"
	"github.com/cdcfanout/cdcgate/internal/registry"
	"github.com/cdcfanout/cdcgate/internal/replication"
	"github.com/cdcfanout/cdcgate/internal/supervisor"
)

var log = logging.New("gateway")

// Gateway owns every long-lived subsystem for one cdcgate process.
type Gateway struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	registry   *registry.Registry
	authCache  *authcache.Cache
	admitter   *admission.Admitter
	httpServer *http.Server
	supervisor *supervisor.Supervisor
	authorizer admission.Authorizer
}

// Options configures a Gateway. Authorizer may be nil when cfg.AuthEnabled
// is false.
type Options struct {
	Config     *config.Config
	Authorizer admission.Authorizer
}

// New builds a Gateway from opts. It does not connect to the database
// or start serving; call Run for that.
func New(opts Options) *Gateway {
	cfg := opts.Config

	cat := catalog.New()
	reg := registry.New()
	authCache := authcache.New()

	admitter := admission.New(admission.Options{
		Catalog:        cat,
		Registry:       reg,
		AuthCache:      authCache,
		Authorizer:     opts.Authorizer,
		AuthEnabled:    cfg.AuthEnabled,
		OutboxCapacity: cfg.OutboxCapacity,
	})

	httpSrv := httpapi.New(httpapi.Options{
		Admitter:          admitter,
		Registry:          reg,
		AdminSecret:       cfg.AdminSecret,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClientTimeout:     cfg.ClientTimeout,
	})

	return &Gateway{
		cfg:        cfg,
		catalog:    cat,
		registry:   reg,
		authCache:  authCache,
		admitter:   admitter,
		authorizer: opts.Authorizer,
		supervisor: supervisor.New(cfg.SupervisorBackoff),
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      httpSrv.Routes(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // /subscribe holds the connection open indefinitely
		},
	}
}

// LoadCatalog populates the Table Catalog from db, following
// cfg.PartitionedTables. Callers typically open db with the same DSN
// as cfg.DatabaseDSN and pass it here before Run.
func (g *Gateway) LoadCatalog(ctx context.Context, db *sql.DB) {
	g.catalog.Load(ctx, db, g.cfg.PartitionedTables)
}

// Run starts the HTTP server and the supervised replication pipeline,
// blocking until ctx is cancelled or either fails fatally. A cancelled
// ctx is treated as a clean shutdown: Run stops the HTTP server and
// returns nil rather than ctx.Err().
func (g *Gateway) Run(ctx context.Context) error {
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return g.serveHTTP(gctx)
	})

	grp.Go(func() error {
		return g.supervisor.Run(gctx, func() supervisor.Pipeline {
			return g.newPipeline()
		})
	})

	err := grp.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (g *Gateway) newPipeline() supervisor.Pipeline {
	fan := fanout.New(g.registry)
	dispatcher := dispatch.New(g.catalog, fan)
	client := replication.New(replication.Config{
		DSN:       g.cfg.DatabaseDSN,
		TLSPolicy: replication.TLSPolicy(g.cfg.ReplicationTLS),
	}, dispatcher)
	return client
}

func (g *Gateway) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", g.cfg.ListenAddr)
		err := g.httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: http shutdown: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
