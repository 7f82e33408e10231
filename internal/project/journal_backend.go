package project

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
)

const defaultJournalCapacity = 1024

// JournalEntry is one persisted transaction. Init calls are journaled with
// Action "init" and the project id in Params.
type JournalEntry struct {
	Seq     uint64         `json:"seq"`
	DataKey DataKey        `json:"data_key,omitempty"`
	Action  Action         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	At      string         `json:"at,omitempty"`
}

type journalState struct {
	NextSeq uint64         `json:"next_seq"`
	Entries []JournalEntry `json:"entries"`
}

// JournalBackend appends transactions to a bounded JSON journal. Once the
// journal holds capacity entries the oldest are dropped.
type JournalBackend struct {
	path     string
	capacity int
	mu       sync.Mutex
	nextSeq  uint64
	entries  []JournalEntry
}

func NewJournalBackend(path string, capacity int) (*JournalBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultJournalCapacity
	}
	j := &JournalBackend{
		path:     path,
		capacity: capacity,
		entries:  []JournalEntry{},
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *JournalBackend) Init(ctx context.Context, src SnapshotSource) error {
	params := map[string]any{}
	if src != nil {
		params["project_id"] = src.ExportSnapshot().Project.ProjectID
	}
	return j.append(ctx, JournalEntry{Action: "init", Params: params})
}

func (j *JournalBackend) Transaction(ctx context.Context, txn Transaction) error {
	return j.append(ctx, JournalEntry{
		DataKey: txn.DataKey,
		Action:  txn.Action,
		Params:  txn.Params,
		At:      txn.At,
	})
}

func (j *JournalBackend) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.entries...)
}

func (j *JournalBackend) Capacity() int {
	return j.capacity
}

func (j *JournalBackend) append(ctx context.Context, entry JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	prevSeq, prevEntries := j.nextSeq, j.entries
	j.nextSeq++
	entry.Seq = j.nextSeq
	entries := append(append([]JournalEntry(nil), j.entries...), entry)
	if len(entries) > j.capacity {
		entries = entries[len(entries)-j.capacity:]
	}
	j.entries = entries
	if err := j.saveLocked(); err != nil {
		j.nextSeq, j.entries = prevSeq, prevEntries
		return err
	}
	return nil
}

func (j *JournalBackend) load() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state journalState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	j.nextSeq = state.NextSeq
	if len(state.Entries) > j.capacity {
		j.entries = append([]JournalEntry(nil), state.Entries[len(state.Entries)-j.capacity:]...)
		return j.saveLocked()
	}
	j.entries = append([]JournalEntry(nil), state.Entries...)
	return nil
}

func (j *JournalBackend) saveLocked() error {
	data, err := json.Marshal(journalState{NextSeq: j.nextSeq, Entries: j.entries})
	if err != nil {
		return err
	}
	return writeFileAtomic(j.path, data)
}
