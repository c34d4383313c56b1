// Package replication implements the Replication Client (C1): it opens
// the logical-replication connection, manages the ephemeral slot
// lifecycle, decodes XLogData/PrimaryKeepalive frames, tracks the LSN,
// and answers keepalives with StandbyStatusUpdate replies.
//
// Grounded on the arajkumar-pglogrepl demo's use of jackc/pgx/v5 +
// jackc/pglogrepl (IdentifySystem/CreateReplicationSlot/
// StartReplication/ReceiveMessage/ParseXLogData/
// ParsePrimaryKeepaliveMessage/SendStandbyStatusUpdate), and on
// original_source/src/cdc/replication.rs for the slot-drop-first and
// keepalive-overrun-is-fatal semantics spec.md names explicitly.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/cdcfanout/cdcgate/internal/logging"
	"github.com/cdcfanout/cdcgate/internal/walproto"
)

var log = logging.New("replication")

// ErrFatalPipeline classifies an error as fatal for the current
// replication-client instance; the supervisor (C8) restarts the
// pipeline on any error satisfying errors.Is(err, ErrFatalPipeline).
var ErrFatalPipeline = errors.New("replication: fatal pipeline error")

// OutputPlugin is the server-side plugin cdcgate's slot decodes
// through. spec.md names this "wal2json"-equivalent.
const OutputPlugin = "wal2json"

// Processor receives each XLogData payload's raw bytes. internal/dispatch.Dispatcher
// satisfies this; the client depends on the interface so this package
// never imports dispatch.
type Processor interface {
	Process(payload []byte)
}

// TLSPolicy mirrors internal/config.TLSPolicy without importing it,
// keeping this package's only database dependency on the connection
// string it's handed.
type TLSPolicy string

const (
	TLSRequired TLSPolicy = "required"
	TLSDisabled TLSPolicy = "disabled"
)

// Config configures one Client run.
type Config struct {
	DSN       string
	TLSPolicy TLSPolicy
}

// Client owns one logical-replication connection for its lifetime; a
// new Client (and new ephemeral slot) is created on every supervisor
// restart, per spec.md §4.8's "no backfill" design.
type Client struct {
	cfg       Config
	processor Processor

	slotName                  string
	lastLSN                   pglogrepl.LSN
	consecutivePendingKeepalives int
}

// New returns a Client that will forward decoded payloads to processor.
func New(cfg Config, processor Processor) *Client {
	return &Client{cfg: cfg, processor: processor}
}

// LastLSN returns the most recently observed LSN, monotonically
// non-decreasing for the lifetime of this Client (spec.md §3, §8.3).
func (c *Client) LastLSN() pglogrepl.LSN {
	return c.lastLSN
}

// Run connects, establishes the ephemeral slot, streams until ctx is
// cancelled or a fatal error occurs, and always returns a non-nil
// error wrapping ErrFatalPipeline unless ctx was the cause (in which
// case it returns ctx.Err() unwrapped, which the supervisor treats as
// a clean shutdown, not a restart trigger).
func (c *Client) Run(ctx context.Context) error {
	c.slotName = generateSlotName()

	conn, err := connect(ctx, c.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrFatalPipeline, err)
	}
	defer conn.Close(ctx)

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("%w: identify system: %v", ErrFatalPipeline, err)
	}

	if err := dropSlotIdempotent(ctx, conn, c.slotName); err != nil {
		return fmt.Errorf("%w: drop prior slot: %v", ErrFatalPipeline, err)
	}

	slot, err := pglogrepl.CreateReplicationSlot(ctx, conn, c.slotName, OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: true, SnapshotAction: "NOEXPORT_SNAPSHOT"})
	if err != nil {
		return fmt.Errorf("%w: create replication slot: %v", ErrFatalPipeline, err)
	}
	log.Printf("created temporary slot %q at consistent point %s", c.slotName, slot.ConsistentPoint)

	startLSN, err := pglogrepl.ParseLSN(slot.ConsistentPoint)
	if err != nil {
		startLSN = sysident.XLogPos
	}
	c.lastLSN = startLSN

	if err := pglogrepl.StartReplication(ctx, conn, c.slotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{"\"pretty-print\" '0'"},
	}); err != nil {
		return fmt.Errorf("%w: start replication: %v", ErrFatalPipeline, err)
	}
	log.Printf("streaming started on slot %q from %s", c.slotName, startLSN)

	return c.streamLoop(ctx, conn)
}

func (c *Client) streamLoop(ctx context.Context, conn *pgconn.PgConn) error {
	standbyTimeout := 10 * time.Second
	nextStandbyDeadline := time.Now().Add(standbyTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Now().After(nextStandbyDeadline) {
			if err := c.sendStandbyStatus(ctx, conn); err != nil {
				return fmt.Errorf("%w: send standby status: %v", ErrFatalPipeline, err)
			}
			nextStandbyDeadline = time.Now().Add(standbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: receive message: %v", ErrFatalPipeline, err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("%w: server error: %s", ErrFatalPipeline, errMsg.Message)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			log.Printf("unexpected message type %T, skipping", rawMsg)
			continue
		}
		if len(msg.Data) == 0 {
			continue
		}

		if err := c.handleFrame(ctx, conn, msg.Data); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *pgconn.PgConn, data []byte) error {
	switch data[0] {
	case walproto.TagXLogData:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			log.Printf("malformed XLogData frame, skipping: %v", err)
			return nil
		}
		if xld.WALStart < c.lastLSN {
			return fmt.Errorf("%w: LSN went backwards: %s < %s", ErrFatalPipeline, xld.WALStart, c.lastLSN)
		}
		c.processor.Process(xld.WALData)
		c.lastLSN = xld.WALStart
		return nil

	case walproto.TagPrimaryKeepalive:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			log.Printf("malformed keepalive frame, skipping: %v", err)
			return nil
		}
		if pkm.ServerWALEnd > c.lastLSN {
			c.lastLSN = pkm.ServerWALEnd
		}

		if pkm.ReplyRequested {
			c.consecutivePendingKeepalives++
			if c.consecutivePendingKeepalives > walproto.MaxPendingKeepalives {
				return fmt.Errorf("%w: keepalive overrun: %d consecutive unacknowledged", ErrFatalPipeline, c.consecutivePendingKeepalives)
			}
			if err := c.sendStandbyStatus(ctx, conn); err != nil {
				return fmt.Errorf("%w: send standby status: %v", ErrFatalPipeline, err)
			}
		} else if c.consecutivePendingKeepalives > 0 {
			c.consecutivePendingKeepalives = 0
		}
		return nil

	default:
		log.Printf("unrecognized frame tag %q, skipping", data[0])
		return nil
	}
}

func (c *Client) sendStandbyStatus(ctx context.Context, conn *pgconn.PgConn) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: c.lastLSN,
		WALFlushPosition: c.lastLSN,
		WALApplyPosition: c.lastLSN,
		ClientTime:       time.Now(),
		ReplyRequested:   false,
	})
}

// dropSlotIdempotent drops slotName, tolerating "does not exist" as
// success (spec.md §8's round-trip law: "Dropping a non-existent slot
// succeeds"). Any other error is returned for the caller to treat as
// fatal.
func dropSlotIdempotent(ctx context.Context, conn *pgconn.PgConn, slotName string) error {
	err := pglogrepl.DropReplicationSlot(ctx, conn, slotName, pglogrepl.DropReplicationSlotOptions{})
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}

func connect(ctx context.Context, dsn string) (*pgconn.PgConn, error) {
	return pgconn.Connect(ctx, withReplicationParam(dsn))
}

// withReplicationParam ensures the connection string requests the
// replication protocol. pgconn connection strings accept either
// keyword/value or URL form: a URL gets "replication=database" as a
// query parameter (after "?" or "&"), a keyword/value string gets it as
// a trailing space-separated pair. A DSN that already names a
// replication parameter is returned unchanged.
func withReplicationParam(dsn string) string {
	if strings.Contains(dsn, "replication=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&replication=database"
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dsn + "?replication=database"
	}
	return dsn + " replication=database"
}

// generateSlotName produces a lowercase, whitespace-free, per-process
// unique ephemeral slot name (spec.md §4.1 step 2).
func generateSlotName() string {
	return "cdcgate_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
