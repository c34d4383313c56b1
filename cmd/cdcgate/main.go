// cdcgate fans out Postgres logical-replication change events to many
// filtered websocket subscribers.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/cdcfanout/cdcgate/internal/config"
	"github.com/cdcfanout/cdcgate/internal/gateway"
	"github.com/cdcfanout/cdcgate/internal/logging"
	"github.com/cdcfanout/cdcgate/internal/metrics"
)

var log = logging.New("main")

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cdcgate",
	Short: "cdcgate - change-data-capture fan-out gateway",
	Long:  `Streams Postgres logical-replication change events and fans them out to filtered websocket subscribers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	shutdownTracing, err := metrics.Setup(ctx)
	if err != nil {
		log.Printf("tracing setup failed, continuing without it: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	g := gateway.New(gateway.Options{Config: cfg})

	if cfg.DatabaseDSN != "" {
		db, err := sql.Open("pgx", cfg.DatabaseDSN)
		if err != nil {
			log.Printf("opening catalog db connection failed, starting with empty catalog: %v", err)
		} else {
			defer db.Close()
			g.LoadCatalog(ctx, db)
		}
	}

	log.Printf("starting on %s", cfg.ListenAddr)
	return g.Run(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
