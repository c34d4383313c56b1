// Package dispatch implements the Dispatcher (C3): it parses each
// XLogData payload's "change" array, renames partitioned hyper-table
// names back to their logical table, classifies the operation kind,
// and forwards the raw JSON element verbatim to an Emitter.
package dispatch

import (
	"encoding/json"

	"github.com/cdcfanout/cdcgate/internal/catalog"
	"github.com/cdcfanout/cdcgate/internal/logging"
)

var log = logging.New("dispatch")

// OperationKind is a single-bit-per-kind bitmask: a ChangeEvent carries
// exactly one bit, while a subscription's interest mask is the
// bitwise OR of the kinds it wants.
type OperationKind uint8

const (
	Insert OperationKind = 1 << iota
	Update
	Delete
)

// AllKinds is the mask produced by the "*" subscription token.
const AllKinds = Insert | Update | Delete

// Kinds enumerates the three bits in a fixed order, used anywhere code
// needs to range over the mask positions (registry indices, for
// example).
var Kinds = [3]OperationKind{Insert, Update, Delete}

// String renders the lowercase wire form ("insert"/"update"/"delete")
// for a single-bit kind. Returns "" for a multi-bit or zero mask.
func (k OperationKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return ""
	}
}

// ParseKind maps the output plugin's "kind" string to a single-bit
// OperationKind. ok is false for any value other than the three
// recognized kinds.
func ParseKind(s string) (OperationKind, bool) {
	switch s {
	case "insert":
		return Insert, true
	case "update":
		return Update, true
	case "delete":
		return Delete, true
	default:
		return 0, false
	}
}

// ChangeEvent is one logical row-level change ready for fan-out.
type ChangeEvent struct {
	Table string
	Kind  OperationKind
	// Raw is the unmodified JSON bytes of the original "change" array
	// element — forwarded to subscribers without re-serialization.
	Raw json.RawMessage
}

// changeElement mirrors only the fields the Dispatcher needs to read
// off each "change" array element; unknown fields are ignored by
// encoding/json by default.
type changeElement struct {
	Table string `json:"table"`
	Kind  string `json:"kind"`
}

// envelope is the top-level shape of an XLogData payload.
type envelope struct {
	Change []json.RawMessage `json:"change"`
}

// Emitter receives classified, renamed change events. internal/fanout
// implements this; Dispatcher depends on the interface, not the
// concrete fan-out, so the two packages don't import each other.
type Emitter interface {
	Deliver(table string, kind OperationKind, raw json.RawMessage)
}

// Dispatcher parses XLogData payloads and forwards classified events.
type Dispatcher struct {
	catalog *catalog.Catalog
	emitter Emitter
}

// New returns a Dispatcher that renames partitioned table names via
// cat and forwards classified events to emitter.
func New(cat *catalog.Catalog, emitter Emitter) *Dispatcher {
	return &Dispatcher{catalog: cat, emitter: emitter}
}

// Process parses payload (the raw text of one XLogData frame) as JSON
// and dispatches each well-formed "change" element. Malformed elements
// are logged and skipped; they never abort the rest of the batch.
func (d *Dispatcher) Process(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("payload is not valid JSON, skipping frame: %v", err)
		return
	}

	for _, raw := range env.Change {
		d.processElement(raw)
	}
}

func (d *Dispatcher) processElement(raw json.RawMessage) {
	var el changeElement
	if err := json.Unmarshal(raw, &el); err != nil {
		log.Printf("change element is not valid JSON, skipping: %v", err)
		return
	}
	if el.Table == "" {
		log.Printf("change element missing table, skipping")
		return
	}

	kind, ok := ParseKind(el.Kind)
	if !ok {
		log.Printf("change element has unrecognized kind %q, skipping", el.Kind)
		return
	}

	table := d.renameTable(el.Table)
	d.emitter.Deliver(table, kind, raw)
}

// renameTable implements spec.md §4.2's hyper-table rename: on a
// catalog miss the raw partitioned name is forwarded unchanged
// (reference behavior (a), see SPEC_FULL.md's Open Question decisions).
func (d *Dispatcher) renameTable(table string) string {
	idx, ok := catalog.ParsePartitionIndex(table)
	if !ok {
		return table
	}
	logical, ok := d.catalog.LookupPartition(idx)
	if !ok {
		log.Printf("no logical table for partition index %d, forwarding raw name %q", idx, table)
		return table
	}
	return logical
}
