// Package admission implements Admission (C5): parsing the subscription
// query grammar, validating it against the Table Catalog, enforcing
// the optional authorization gate, and inserting the resulting session
// into the Subscription Registry.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cdcfanout/cdcgate/internal/authcache"
	"github.com/cdcfanout/cdcgate/internal/catalog"
	"github.com/cdcfanout/cdcgate/internal/dispatch"
	"github.com/cdcfanout/cdcgate/internal/filter"
	"github.com/cdcfanout/cdcgate/internal/registry"
)

// Sentinel errors classify admission failures per spec.md §7's
// "Validation" and "Authorization" error kinds, so callers can tell
// them apart with errors.Is rather than string matching. internal/httpapi
// does not map them to HTTP status codes: it upgrades the connection
// before admission runs, and any rejection reaches the subscriber as a
// policy-violation close frame carrying the error text.
var (
	ErrValidation   = errors.New("admission: validation failed")
	ErrUnauthorized = errors.New("admission: unauthorized")
)

// permittedFilterColumns mirrors the original gateway's restrict_auth
// allow-list of identifier columns a non-admin caller's filter may
// target.
var permittedFilterColumns = map[string]struct{}{
	"host_uuid":   {},
	"uuid":        {},
	"customer_id": {},
	"key":         {},
}

// Authorizer performs the blocking backend check on an authcache miss.
// Implementations run this on a normal goroutine; admission does not
// assume any particular executor, matching spec.md §5's "database
// queries that are not streaming... run on a dedicated blocking
// executor" only insofar as the caller is responsible for not blocking
// the replication/fan-out hot path — admission itself is off that path.
type Authorizer interface {
	Authorize(ctx context.Context, column, value string) (bool, error)
}

// ParsedQuery is the decoded form of a subscription query string.
type ParsedQuery struct {
	Mask   dispatch.OperationKind
	Table  string
	Filter *filter.Filter
}

// ParseQuery decodes "<kinds>:<table>[:<filter>]" per spec.md §4.5 and
// validates kinds/table, but not authorization (that is Admit's job).
func ParseQuery(query string, cat *catalog.Catalog) (ParsedQuery, error) {
	parts := strings.SplitN(query, ":", 3)
	if len(parts) < 2 {
		return ParsedQuery{}, fmt.Errorf("%w: query must be kinds:table[:filter]", ErrValidation)
	}

	mask := parseKinds(parts[0])
	if mask == 0 {
		return ParsedQuery{}, fmt.Errorf("%w: change_type does not match requirements", ErrValidation)
	}

	table := parts[1]
	if !cat.HasTable(table) {
		return ParsedQuery{}, fmt.Errorf("%w: table does not exist", ErrValidation)
	}

	var f *filter.Filter
	if len(parts) == 3 {
		f = parseFilter(parts[2])
	}

	return ParsedQuery{Mask: mask, Table: table, Filter: f}, nil
}

func parseKinds(spec string) dispatch.OperationKind {
	var mask dispatch.OperationKind
	for _, tok := range strings.Split(spec, ",") {
		switch strings.TrimSpace(tok) {
		case "insert":
			mask |= dispatch.Insert
		case "update":
			mask |= dispatch.Update
		case "delete":
			mask |= dispatch.Delete
		case "*":
			mask |= dispatch.AllKinds
		default:
			// Unknown tokens are ignored, not an error (spec.md §4.5).
		}
	}
	return mask
}

// parseFilter splits at most three dot-separated parts. Any op other
// than eq/in yields no filter — this is not a validation error.
func parseFilter(spec string) *filter.Filter {
	parts := strings.SplitN(spec, ".", 3)
	if len(parts) != 3 {
		return nil
	}
	column, op, val := parts[0], parts[1], parts[2]

	switch op {
	case "eq":
		return filter.EQFilter(column, val)
	case "in":
		return filter.INFilter(column, strings.Split(val, ","))
	default:
		return nil
	}
}

// Admitter validates and admits subscription requests.
type Admitter struct {
	catalog    *catalog.Catalog
	registry   *registry.Registry
	authCache  *authcache.Cache
	authorizer Authorizer
	authOn     bool
	outboxCap  int
}

// Options configures an Admitter.
type Options struct {
	Catalog        *catalog.Catalog
	Registry       *registry.Registry
	AuthCache      *authcache.Cache
	Authorizer     Authorizer
	AuthEnabled    bool
	OutboxCapacity int
}

// New constructs an Admitter from opts.
func New(opts Options) *Admitter {
	return &Admitter{
		catalog:    opts.Catalog,
		registry:   opts.Registry,
		authCache:  opts.AuthCache,
		authorizer: opts.Authorizer,
		authOn:     opts.AuthEnabled,
		outboxCap:  opts.OutboxCapacity,
	}
}

// Admit validates query, enforces authorization if enabled, and
// inserts the resulting session into the registry. isAdmin bypasses
// the filter mandate (spec.md §4.5) but is still subject to table/kind
// validation. Returns the newly created *registry.Session on success.
func (a *Admitter) Admit(ctx context.Context, query string, isAdmin bool) (*registry.Session, error) {
	parsed, err := ParseQuery(query, a.catalog)
	if err != nil {
		return nil, err
	}

	if a.authOn && !isAdmin {
		if err := a.authorize(ctx, parsed.Filter); err != nil {
			return nil, err
		}
	}

	capacity := a.outboxCap
	if capacity <= 0 {
		capacity = 1
	}
	sess := &registry.Session{
		Table:  parsed.Table,
		Mask:   parsed.Mask,
		Filter: parsed.Filter,
		Outbox: make(chan json.RawMessage, capacity),
	}
	a.registry.Insert(sess)
	return sess, nil
}

// authorize enforces spec.md §4.5's non-admin authorization gate: a
// filter is mandatory, its column must be on the permitted list, and
// its value must be authorized (cache hit, or a fresh backend check
// whose positive result is cached).
func (a *Admitter) authorize(ctx context.Context, f *filter.Filter) error {
	if f == nil {
		return fmt.Errorf("%w: filter is required", ErrUnauthorized)
	}
	if _, ok := permittedFilterColumns[f.Column]; !ok {
		return fmt.Errorf("%w: column %q is not a permitted filter", ErrUnauthorized, f.Column)
	}

	values := f.Literals
	if f.Op == filter.EQ {
		values = []string{f.Literal}
	}

	for _, v := range values {
		if a.authCache.Allow(f.Column, v) {
			continue
		}
		if a.authorizer == nil {
			return fmt.Errorf("%w: no authorizer configured", ErrUnauthorized)
		}
		ok, err := a.authorizer.Authorize(ctx, f.Column, v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s=%s not authorized", ErrUnauthorized, f.Column, v)
		}
		a.authCache.MarkAuthorized(f.Column, v)
	}
	return nil
}
