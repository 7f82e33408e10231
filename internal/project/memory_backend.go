package project

import (
	"context"
	"sync"
)

// MemoryBackend keeps the latest snapshot and every transaction it has seen.
type MemoryBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
	log      []Transaction
	inits    int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Init(ctx context.Context, src SnapshotSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := src.ExportSnapshot()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = snap
	b.inits++
	return nil
}

func (b *MemoryBackend) Transaction(ctx context.Context, txn Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var snap *Snapshot
	if txn.Source != nil {
		snap = txn.Source.ExportSnapshot()
	}
	txn.Source = nil
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap != nil {
		b.snapshot = snap
	}
	b.log = append(b.log, txn)
	return nil
}

// Snapshot returns a copy of the latest state, or nil before any call.
func (b *MemoryBackend) Snapshot() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil
	}
	return b.snapshot.Clone()
}

func (b *MemoryBackend) Transactions() []Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Transaction(nil), b.log...)
}

func (b *MemoryBackend) InitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inits
}
