package httpapi

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/sjson"
)

var (
	errUnknownProject = errors.New("unknown project")
	errStaleRevision  = errors.New("stale revision")
)

// revisionHead is the latest stored revision of one project.
type revisionHead struct {
	rev          int64
	revTimestamp string
	snapshot     []byte
}

type syncAck struct {
	PID          string `json:"pid"`
	Rev          string `json:"rev"`
	RevTimestamp string `json:"rev_timestamp"`
}

// revisionStore keeps the head revision of every project. Writes against
// anything but the head revision are refused.
type revisionStore struct {
	mu    sync.RWMutex
	heads map[string]revisionHead
	newID func() string
	now   func() time.Time
}

func newRevisionStore(newID func() string, now func() time.Time) *revisionStore {
	return &revisionStore{
		heads: map[string]revisionHead{},
		newID: newID,
		now:   now,
	}
}

func (s *revisionStore) exists(pid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.heads[pid]
	return ok
}

func (s *revisionStore) head(pid string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.heads[pid]
	if !ok {
		return nil, false
	}
	return head.snapshot, true
}

func (s *revisionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.heads)
}

func (s *revisionStore) create(snapshot []byte) (syncAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := s.newID()
	for _, taken := s.heads[pid]; taken; _, taken = s.heads[pid] {
		pid = s.newID()
	}
	return s.storeLocked(pid, 1, snapshot)
}

func (s *revisionStore) update(pid, rev string, snapshot []byte) (syncAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok := s.heads[pid]
	if !ok {
		return syncAck{}, errUnknownProject
	}
	if rev != strconv.FormatInt(head.rev, 10) {
		return syncAck{}, fmt.Errorf("%w: revision %s is behind %d", errStaleRevision, rev, head.rev)
	}
	return s.storeLocked(pid, head.rev+1, snapshot)
}

// storeLocked stamps the sync fields into the snapshot and makes it the head.
func (s *revisionStore) storeLocked(pid string, rev int64, snapshot []byte) (syncAck, error) {
	ack := syncAck{
		PID:          pid,
		Rev:          strconv.FormatInt(rev, 10),
		RevTimestamp: strconv.FormatInt(s.now().UnixMilli(), 10),
	}
	stamped, err := sjson.SetBytes(snapshot, "project_store.pid", ack.PID)
	if err == nil {
		stamped, err = sjson.SetBytes(stamped, "project_store.rev", ack.Rev)
	}
	if err == nil {
		stamped, err = sjson.SetBytes(stamped, "project_store.rev_timestamp", ack.RevTimestamp)
	}
	if err != nil {
		return syncAck{}, fmt.Errorf("stamp sync fields: %w", err)
	}
	s.heads[pid] = revisionHead{rev: rev, revTimestamp: ack.RevTimestamp, snapshot: stamped}
	return ack, nil
}
