// Package catalog implements the Table Catalog (C2): the set of
// logical table names subscriptions may target, and the
// partition-index -> logical-name lookup used to rename hyper-table
// chunk names back to their logical table.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cdcfanout/cdcgate/internal/logging"
)

var log = logging.New("catalog")

// Catalog is written once at startup and read-only afterward; reads
// use a RWMutex only to make that contract safe under the race
// detector rather than because contention is expected.
type Catalog struct {
	mu              sync.RWMutex
	logicalTables   map[string]struct{}
	partitionLookup map[int64]string
}

// New returns an empty Catalog. Load populates it.
func New() *Catalog {
	return &Catalog{
		logicalTables:   make(map[string]struct{}),
		partitionLookup: make(map[int64]string),
	}
}

// NewSeeded returns a Catalog whose logical table set is exactly
// tables, bypassing Load. Intended for tests and for any deployment
// that supplies its table list through static configuration rather
// than a startup catalog query.
func NewSeeded(tables ...string) *Catalog {
	c := New()
	for _, t := range tables {
		c.logicalTables[t] = struct{}{}
	}
	return c
}

// HasTable reports whether name is a known logical table.
func (c *Catalog) HasTable(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.logicalTables[name]
	return ok
}

// LookupPartition returns the logical table name for a hyper-table
// partition index, and whether it was found.
func (c *Catalog) LookupPartition(index int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.partitionLookup[index]
	return name, ok
}

// Load queries db for the set of base tables and, if partitioned is
// true, the hyper-table partition index -> logical name mapping.
// Both queries are independently non-fatal on failure: cdcgate starts
// with whatever was populated, possibly an empty catalog, and logs the
// rest (spec.md §4.7).
func (c *Catalog) Load(ctx context.Context, db *sql.DB, partitioned bool) {
	tables, err := loadBaseTables(ctx, db)
	if err != nil {
		log.Printf("loading base tables failed, starting with empty catalog: %v", err)
	}

	c.mu.Lock()
	for _, t := range tables {
		c.logicalTables[t] = struct{}{}
	}
	c.mu.Unlock()

	if !partitioned {
		return
	}

	lookup, err := loadPartitionLookup(ctx, db)
	if err != nil {
		log.Printf("loading hyper-table metadata failed, continuing without partition rename: %v", err)
		return
	}

	c.mu.Lock()
	for idx, name := range lookup {
		c.partitionLookup[idx] = name
	}
	c.mu.Unlock()
}

func loadBaseTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query base tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("catalog: scan base table: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// loadPartitionLookup queries the hyper-table catalog for
// (table_name, associated_table_prefix) pairs and extracts the numeric
// partition index from the prefix the same way the Dispatcher does for
// incoming change-event table names (spec.md §4.7).
func loadPartitionLookup(ctx context.Context, db *sql.DB) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name, associated_table_prefix FROM _timescaledb_catalog.hypertable`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query hypertable metadata: %w", err)
	}
	defer rows.Close()

	lookup := make(map[int64]string)
	for rows.Next() {
		var tableName, prefix string
		if err := rows.Scan(&tableName, &prefix); err != nil {
			return nil, fmt.Errorf("catalog: scan hypertable row: %w", err)
		}
		idx, ok := ParsePartitionIndex(prefix)
		if !ok {
			log.Printf("skipping hypertable %q: cannot parse index from prefix %q", tableName, prefix)
			continue
		}
		lookup[idx] = tableName
	}
	return lookup, rows.Err()
}

// HyperPrefix is the partitioned-chunk table name prefix recognized by
// both the catalog loader and the Dispatcher's renaming logic.
const HyperPrefix = "_hyper_"

// ParsePartitionIndex extracts the 3rd underscore-separated component
// of a "_hyper_<index>_..." name as a signed integer. Returns false if
// the name does not carry the prefix or the component is not numeric.
func ParsePartitionIndex(name string) (int64, bool) {
	if !strings.HasPrefix(name, HyperPrefix) {
		return 0, false
	}
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return 0, false
	}
	idx, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}
