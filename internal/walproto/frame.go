// Package walproto names the wire constants of the logical replication
// protocol that internal/replication decodes and re-encodes.
package walproto

import "time"

// Message type tags. The stream is length-delimited by the driver
// (pgx/pgproto3); only the leading tag byte of each CopyData payload is
// ours to interpret.
const (
	TagXLogData        byte = 'w' // 0x77
	TagPrimaryKeepalive byte = 'k' // 0x6B
	TagStandbyStatus    byte = 'r' // 0x72
)

// pgEpoch is the reference point ("2000-01-01 00:00:00 UTC") that every
// timestamp in the replication protocol is measured from.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Now returns the current time as microseconds since pgEpoch, the unit
// StandbyStatusUpdate's timestamp field uses.
func Now() uint64 {
	return uint64(time.Since(pgEpoch).Microseconds())
}

// MaxPendingKeepalives is the number of consecutive reply-requested
// keepalives the client will tolerate without an intervening
// reply-requested=0 before treating the connection as wedged.
const MaxPendingKeepalives = 5
