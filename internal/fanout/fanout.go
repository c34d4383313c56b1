// Package fanout implements Session Fan-Out (C6): for each classified
// change event, look up interested sessions in the Subscription
// Registry, evaluate each session's filter, and deliver via a
// non-blocking send so one slow subscriber can never stall the
// dispatcher or any other subscriber.
//
// The non-blocking send is grounded directly on internal/rpc/server_core.go's
// fan-out loop:
// select { case sub.ch <- event: default: /* drop, slow consumer */ }.
package fanout

import (
	"context"
	"encoding/json"

	"github.com/cdcfanout/cdcgate/internal/dispatch"
	"github.com/cdcfanout/cdcgate/internal/filter"
	"github.com/cdcfanout/cdcgate/internal/logging"
	"github.com/cdcfanout/cdcgate/internal/metrics"
	"github.com/cdcfanout/cdcgate/internal/registry"
)

var log = logging.New("fanout")

// FanOut implements dispatch.Emitter by delivering each event to every
// session the registry reports as interested.
type FanOut struct {
	registry *registry.Registry
}

// New returns a FanOut reading subscriptions from reg.
func New(reg *registry.Registry) *FanOut {
	return &FanOut{registry: reg}
}

var _ dispatch.Emitter = (*FanOut)(nil)

// Deliver looks up sessions interested in (kind, table), evaluates
// each one's filter, and submits matching payloads to their outbox
// without blocking. A full outbox is a drop, logged and otherwise
// ignored — the session worker, not the fan-out, is responsible for
// deciding a wedged subscriber should be disconnected.
func (f *FanOut) Deliver(table string, kind dispatch.OperationKind, raw json.RawMessage) {
	// The Dispatcher's hot path carries no request-scoped context; each
	// event starts a fresh trace rooted here.
	_, span := metrics.StartSpan(context.Background(), "fanout.deliver")
	defer span.End()

	ids := f.registry.LookupForDelivery(kind, table)
	for _, id := range ids {
		sess := f.registry.Get(id)
		if sess == nil {
			// Racing disconnect between lookup and delivery; spec.md §4.3
			// step 2 says simply skip it.
			continue
		}
		if !filter.Match(sess.Filter, raw) {
			continue
		}

		select {
		case sess.Outbox <- raw:
		default:
			log.Printf("session %d outbox full, dropping event for table %q", id, table)
		}
	}
}
