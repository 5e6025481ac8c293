package store

// Ledger is the interface for rewrite-phase writes. Both Store (direct
// SQLite) and BatchedStore (in-memory buffering for parallel rewriting)
// implement this interface.
type Ledger interface {
	// RecordFile stores f and replaces its rewrites. f.ID is assigned.
	RecordFile(f *File, rewrites []*Rewrite) error
}

// Compile-time check: *Store satisfies Ledger.
var _ Ledger = (*Store)(nil)
