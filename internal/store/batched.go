package store

import "sync"

// BatchedStore buffers file records in memory using fake (negative) IDs. It
// implements Ledger so rewrite workers can record results without knowing
// whether they're hitting SQLite or an in-memory buffer.
// Nothing reaches SQLite until Store.CommitBatch.
//
// Thread safety: the mutex protects fake ID allocation and slice appends.
type BatchedStore struct {
	mu sync.Mutex

	// Buffered rewrite data.
	Files    []File
	Rewrites []Rewrite

	nextFakeID int64 // starts at -1, decrements
}

// Compile-time check: *BatchedStore satisfies Ledger.
var _ Ledger = (*BatchedStore)(nil)

// NewBatchedStore creates an empty BatchedStore.
func NewBatchedStore() *BatchedStore {
	return &BatchedStore{nextFakeID: -1}
}

func (b *BatchedStore) allocFakeID() int64 {
	id := b.nextFakeID
	b.nextFakeID--
	return id
}

func (b *BatchedStore) RecordFile(f *File, rewrites []*Rewrite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f.ID = b.allocFakeID()
	f.Rewrites = len(rewrites)
	b.Files = append(b.Files, *f)
	for _, r := range rewrites {
		r.FileID = f.ID
		b.Rewrites = append(b.Rewrites, *r)
	}
	return nil
}

// Len returns the number of buffered files.
func (b *BatchedStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Files)
}
