// Package registry implements the Subscription Registry (C4): the
// clients map plus the three by-operation-kind x table indices used to
// route events to interested sessions without a linear scan.
//
// The locking shape is grounded directly on
// internal/rpc/server_core.go's Subscribe/unsubscribe pattern: allocate
// an id under a single write lock, publish it into every index the
// subscription matches, and make removal from the primary map
// happen-before removal from the secondary indices so a racing lookup
// can never observe an id whose session is already gone.
package registry

import (
	"encoding/json"
	"sync"

	"github.com/cdcfanout/cdcgate/internal/dispatch"
	"github.com/cdcfanout/cdcgate/internal/filter"
)

// Session is what the registry stores per subscriber: its declared
// interest and the outbound queue the fan-out writes to.
type Session struct {
	ID     uint64
	Table  string
	Mask   dispatch.OperationKind
	Filter *filter.Filter
	Outbox chan json.RawMessage
}

// Registry holds clients[id]->Session and byKind[K][table]->set<id>.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	clients map[uint64]*Session
	byKind  [3]map[string]map[uint64]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{
		clients: make(map[uint64]*Session),
	}
	for i := range r.byKind {
		r.byKind[i] = make(map[string]map[uint64]struct{})
	}
	return r
}

func kindIndex(k dispatch.OperationKind) int {
	switch k {
	case dispatch.Insert:
		return 0
	case dispatch.Update:
		return 1
	case dispatch.Delete:
		return 2
	default:
		return -1
	}
}

// Insert allocates the next id, stores sess under it, and adds the id
// to every by_kind[K][table] index whose bit is set in sess.Mask. The
// id is assigned here; sess.ID is set on the returned session.
func (r *Registry) Insert(sess *Session) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	sess.ID = id
	r.clients[id] = sess

	for _, k := range dispatch.Kinds {
		if sess.Mask&k == 0 {
			continue
		}
		idx := kindIndex(k)
		set, ok := r.byKind[idx][sess.Table]
		if !ok {
			set = make(map[uint64]struct{})
			r.byKind[idx][sess.Table] = set
		}
		set[id] = struct{}{}
	}

	return id
}

// Remove deletes id from clients first, then sweeps it out of every
// by_kind[K][*] set for each bit K set in mask — a defensive full
// sweep across all tables under that kind, not only the session's own
// table (spec.md §4.4). clients removal happening first guarantees a
// concurrent lookup never delivers to a session mid-removal.
func (r *Registry) Remove(id uint64, mask dispatch.OperationKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, id)

	for _, k := range dispatch.Kinds {
		if mask&k == 0 {
			continue
		}
		idx := kindIndex(k)
		for _, set := range r.byKind[idx] {
			delete(set, id)
		}
	}
}

// LookupForDelivery returns a snapshot of the session ids interested
// in (kind, table) under a shared read lock.
func (r *Registry) LookupForDelivery(kind dispatch.OperationKind, table string) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := kindIndex(kind)
	if idx < 0 {
		return nil
	}
	set := r.byKind[idx][table]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the session for id, or nil if it has already been
// removed (e.g. a racing disconnect between lookup and delivery).
func (r *Registry) Get(id uint64) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Len returns the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
