package project

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SnapshotSource is what backends read current state from. *Store
// implements it.
type SnapshotSource interface {
	ExportSnapshot() *Snapshot
}

type Transaction struct {
	DataKey DataKey        `json:"data_key"`
	Action  Action         `json:"action"`
	Params  map[string]any `json:"params"`
	At      string         `json:"at"`
	Source  SnapshotSource `json:"-"`
}

// Backend persists store mutations. Init is called after every full
// snapshot load; Transaction once per mutation, concurrently across
// backends. Failures are logged by the store and never roll back memory.
type Backend interface {
	Init(ctx context.Context, src SnapshotSource) error
	Transaction(ctx context.Context, txn Transaction) error
}

type backendCloser interface {
	Close() error
}

// RegisterBackend attaches b under id. Re-registering an id replaces the
// backend but keeps its position in the fan-out order.
func (s *Store) RegisterBackend(id string, b Backend) error {
	id = strings.TrimSpace(id)
	if id == "" || b == nil {
		return fmt.Errorf("%w: backend id and backend are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rb := range s.backends {
		if rb.id == id {
			s.backends[i].backend = b
			return nil
		}
	}
	s.backends = append(s.backends, registeredBackend{id: id, backend: b})
	return nil
}

// UnregisterBackend detaches id. Transactions already dispatched still run.
func (s *Store) UnregisterBackend(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rb := range s.backends {
		if rb.id == id {
			s.backends = append(s.backends[:i:i], s.backends[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) BackendIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.backends))
	for _, rb := range s.backends {
		ids = append(ids, rb.id)
	}
	return ids
}

// backendsLocked returns the fan-out targets, none once the store is closed.
func (s *Store) backendsLocked() []registeredBackend {
	if s.closed || len(s.backends) == 0 {
		return nil
	}
	return append([]registeredBackend(nil), s.backends...)
}

// dispatch starts one goroutine per backend and returns immediately.
func (s *Store) dispatch(backends []registeredBackend, txn Transaction) {
	if len(backends) == 0 {
		return
	}
	// The closed check and Add share the lock Close takes before Wait.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.inflight.Add(len(backends))
	s.mu.RUnlock()
	txn.At = s.timestamp()
	for _, rb := range backends {
		go func(rb registeredBackend) {
			defer s.inflight.Done()
			ctx, cancel := context.WithTimeout(s.baseCtx, s.txnTimeout)
			defer cancel()
			started := time.Now()
			err := rb.backend.Transaction(ctx, txn)
			s.metrics.RecordBackendTransaction(rb.id, err)
			logEvent := s.log.Debug()
			msg := "backend transaction completed"
			if err != nil {
				logEvent = s.log.Warn().Err(err)
				msg = "backend transaction failed"
			}
			logEvent.
				Str("backend", rb.id).
				Str("data_key", string(txn.DataKey)).
				Str("action", string(txn.Action)).
				Interface("params", txn.Params).
				Dur("elapsed", time.Since(started)).
				Msg(msg)
		}(rb)
	}
}
