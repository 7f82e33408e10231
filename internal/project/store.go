package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/annostore/internal/event"
	"github.com/agentworkforce/annostore/internal/metrics"
)

const (
	defaultTransactionTimeout = 10 * time.Second
	eventSource               = "data"
)

type StoreOptions struct {
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
	IDGenerator        func() string
	Now                func() time.Time
	TransactionTimeout time.Duration
	ProjectName        string
}

// Store owns one project and its attribute, file and metadata collections.
// Mutations commit in memory, then fan out to registered backends
// asynchronously and emit an event once the lock is released.
type Store struct {
	mu          sync.RWMutex
	project     Project
	attributes  map[int]Attribute
	aidList     []int
	files       map[int]File
	fidList     []int
	fileMIDList map[int][]string
	metadata    map[string]Metadata
	backends    []registeredBackend

	events     *event.Hub
	log        zerolog.Logger
	metrics    *metrics.Metrics
	newID      func() string
	now        func() time.Time
	txnTimeout time.Duration
	baseCtx    context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closed     bool
	inflight   sync.WaitGroup
}

type registeredBackend struct {
	id      string
	backend Backend
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	newID := opts.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.TransactionTimeout
	if timeout <= 0 {
		timeout = defaultTransactionTimeout
	}
	name := opts.ProjectName
	if name == "" {
		name = DefaultProjectName
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		events:     event.NewHub(eventSource),
		log:        opts.Logger.With().Str("component", "project_store").Logger(),
		metrics:    opts.Metrics,
		newID:      newID,
		now:        now,
		txnTimeout: timeout,
		baseCtx:    ctx,
		cancel:     cancel,
	}
	stamp := s.timestamp()
	s.project = Project{
		ProjectID:         newID(),
		ProjectName:       name,
		DataFormatVersion: DataFormatVersion,
		Creator:           DefaultCreator,
		Created:           stamp,
		Updated:           stamp,
		PID:               ProjectIDMarker,
		Rev:               RevisionMarker,
		RevTimestamp:      RevisionTimestampMarker,
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.attributes = map[int]Attribute{}
	s.aidList = []int{}
	s.files = map[int]File{}
	s.fidList = []int{}
	s.fileMIDList = map[int][]string{}
	s.metadata = map[string]Metadata{}
}

// On subscribes to store events; see the Event* constants for names.
func (s *Store) On(name string, fn event.Handler) event.Subscription {
	return s.events.On(name, fn)
}

func (s *Store) Off(sub event.Subscription) {
	s.events.Off(sub)
}

func (s *Store) AddAttribute(name string, typ AttributeType, options Options, defaultOptionID string) (int, error) {
	s.mu.Lock()
	aid := nextID(s.aidList)
	attr, err := NewAttribute(aid, name, typ, options, defaultOptionID)
	if err != nil {
		s.mu.Unlock()
		return 0, s.fail(EventAttributeAdd, err)
	}
	for _, existing := range s.attributes {
		if existing.Name == attr.Name {
			s.mu.Unlock()
			return 0, s.fail(EventAttributeAdd, &DuplicateNameError{Name: name})
		}
	}
	s.attributes[aid] = attr
	s.aidList = append(s.aidList, aid)
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventAttributeAdd, DataKeyAttribute, ActionAdd, map[string]any{"aid": aid})
	return aid, nil
}

// DeleteAttribute removes the attribute and strips its value from every
// metadata record. The records themselves are kept.
func (s *Store) DeleteAttribute(aid int) error {
	s.mu.Lock()
	if _, ok := s.attributes[aid]; !ok {
		s.mu.Unlock()
		return s.fail(EventAttributeDel, notFound("aid", aid))
	}
	delete(s.attributes, aid)
	s.aidList = removeInt(s.aidList, aid)
	for mid, md := range s.metadata {
		if _, ok := md.Values[aid]; ok {
			delete(md.Values, aid)
			s.metadata[mid] = md
		}
	}
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventAttributeDel, DataKeyAttribute, ActionDelete, map[string]any{"aid": aid})
	return nil
}

// UpdateAttributeOptions replaces the option map from a comma-separated list.
// An entry prefixed with "*" becomes the default option.
func (s *Store) UpdateAttributeOptions(aid int, csv string) error {
	options, defaultID := parseOptionList(csv)
	return s.updateAttribute(aid, func(attr *Attribute) error {
		attr.Options = options
		attr.DefaultOptionID = defaultID
		return nil
	})
}

func (s *Store) UpdateAttributeType(aid int, typ AttributeType) error {
	return s.updateAttribute(aid, func(attr *Attribute) error {
		if !typ.Valid() {
			return fmt.Errorf("%w: attribute type %d", ErrInvalidInput, typ)
		}
		attr.Type = typ
		return nil
	})
}

func (s *Store) updateAttribute(aid int, apply func(*Attribute) error) error {
	s.mu.Lock()
	attr, ok := s.attributes[aid]
	if !ok {
		s.mu.Unlock()
		return s.fail(EventAttributeUpdate, notFound("aid", aid))
	}
	attr = attr.Clone()
	if err := apply(&attr); err != nil {
		s.mu.Unlock()
		return s.fail(EventAttributeUpdate, err)
	}
	s.attributes[aid] = attr
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventAttributeUpdate, DataKeyAttribute, ActionUpdate, map[string]any{"aid": aid})
	return nil
}

func (s *Store) AddFile(filename string, typ FileType, loc FileLocation, src string) (int, error) {
	s.mu.Lock()
	fid := nextID(s.fidList)
	file, err := NewFile(fid, filename, typ, loc, src)
	if err != nil {
		s.mu.Unlock()
		return 0, s.fail(EventFileAdd, err)
	}
	s.files[fid] = file
	s.fidList = append(s.fidList, fid)
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventFileAdd, DataKeyFile, ActionAdd, map[string]any{"fid": fid})
	return fid, nil
}

// AddFiles inserts every spec with one transaction and one event. The whole
// batch is rejected if any entry is invalid.
func (s *Store) AddFiles(specs []FileSpec) ([]int, error) {
	s.mu.Lock()
	next := nextID(s.fidList)
	added := make([]File, 0, len(specs))
	for i, spec := range specs {
		file, err := NewFile(next+i, spec.Filename, spec.Type, spec.Loc, spec.Src)
		if err != nil {
			s.mu.Unlock()
			return nil, s.fail(EventFileAddBulk, fmt.Errorf("file %d: %w", i, err))
		}
		added = append(added, file)
	}
	fids := make([]int, 0, len(added))
	for _, file := range added {
		s.files[file.FID] = file
		s.fidList = append(s.fidList, file.FID)
		fids = append(fids, file.FID)
	}
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventFileAddBulk, DataKeyFile, ActionAddBulk, map[string]any{"fid_list": fids})
	return fids, nil
}

// RemoveFile deletes the file and every metadata record listed under it.
// It reports false, and changes nothing, when fid is unknown.
func (s *Store) RemoveFile(fid int) bool {
	s.mu.Lock()
	if _, ok := s.files[fid]; !ok {
		s.mu.Unlock()
		return false
	}
	for _, mid := range s.fileMIDList[fid] {
		delete(s.metadata, mid)
	}
	delete(s.fileMIDList, fid)
	delete(s.files, fid)
	s.fidList = removeInt(s.fidList, fid)
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventFileRemove, DataKeyFile, ActionRemove, map[string]any{"fid": fid})
	return true
}

func (s *Store) HasFile(fid int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[fid]
	return ok
}

func (s *Store) File(fid int) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.files[fid]
	if !ok {
		return File{}, notFound("fid", fid)
	}
	return file, nil
}

func (s *Store) AddMetadata(fid int, z, xy []float64, values map[int]string) (string, error) {
	s.mu.Lock()
	if _, ok := s.files[fid]; !ok {
		s.mu.Unlock()
		return "", s.fail(EventMetadataAdd, notFound("fid", fid))
	}
	mid := s.newID()
	s.metadata[mid] = NewMetadata(mid, z, xy, values)
	s.fileMIDList[fid] = append(s.fileMIDList[fid], mid)
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventMetadataAdd, DataKeyMetadata, ActionAdd, map[string]any{"fid": fid, "mid": mid})
	return mid, nil
}

// UpdateMetadata replaces the whole record.
func (s *Store) UpdateMetadata(fid int, mid string, z, xy []float64, values map[int]string) error {
	return s.updateMetadata(fid, mid, true, func(md *Metadata) error {
		*md = NewMetadata(mid, z, xy, values)
		return nil
	})
}

// UpdateMetadataZ sets z[index]. An index equal to len(z) appends.
func (s *Store) UpdateMetadataZ(fid int, mid string, index int, value float64) error {
	return s.updateMetadata(fid, mid, true, func(md *Metadata) error {
		switch {
		case index >= 0 && index < len(md.Z):
			md.Z[index] = value
		case index == len(md.Z):
			md.Z = append(md.Z, value)
		default:
			return fmt.Errorf("%w: z index %d out of range [0,%d]", ErrInvalidInput, index, len(md.Z))
		}
		return nil
	})
}

// UpdateMetadataAttributeValue sets one value without checking that fid or
// aid exist. Only an unknown mid is rejected.
func (s *Store) UpdateMetadataAttributeValue(fid int, mid string, aid int, value string) error {
	return s.updateMetadata(fid, mid, false, func(md *Metadata) error {
		md.Values[aid] = value
		return nil
	})
}

func (s *Store) updateMetadata(fid int, mid string, checkFile bool, apply func(*Metadata) error) error {
	s.mu.Lock()
	if checkFile {
		if _, ok := s.files[fid]; !ok {
			s.mu.Unlock()
			return s.fail(EventMetadataUpdate, notFound("fid", fid))
		}
	}
	md, ok := s.metadata[mid]
	if !ok {
		s.mu.Unlock()
		return s.fail(EventMetadataUpdate, notFound("mid", mid))
	}
	md = md.Clone()
	if err := apply(&md); err != nil {
		s.mu.Unlock()
		return s.fail(EventMetadataUpdate, err)
	}
	s.metadata[mid] = md
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventMetadataUpdate, DataKeyMetadata, ActionUpdate, map[string]any{"fid": fid, "mid": mid})
	return nil
}

func (s *Store) DeleteMetadata(fid int, mid string) error {
	s.mu.Lock()
	if _, ok := s.files[fid]; !ok {
		s.mu.Unlock()
		return s.fail(EventMetadataDel, notFound("fid", fid))
	}
	if _, ok := s.metadata[mid]; !ok {
		s.mu.Unlock()
		return s.fail(EventMetadataDel, notFound("mid", mid))
	}
	index := slices.Index(s.fileMIDList[fid], mid)
	if index < 0 {
		s.mu.Unlock()
		return s.fail(EventMetadataDel, notFound("mid", mid))
	}
	delete(s.metadata, mid)
	s.fileMIDList[fid] = slices.Delete(s.fileMIDList[fid], index, index+1)
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, EventMetadataDel, DataKeyMetadata, ActionDelete, map[string]any{"fid": fid, "mid": mid})
	return nil
}

// SetSyncState adopts server-assigned sync fields.
func (s *Store) SetSyncState(pid, rev, revTimestamp string) error {
	if pid == "" || rev == "" || revTimestamp == "" {
		return fmt.Errorf("%w: pid, rev and rev_timestamp are required", ErrInvalidInput)
	}
	s.mu.Lock()
	s.project.PID = pid
	s.project.Rev = rev
	s.project.RevTimestamp = revTimestamp
	s.touchLocked()
	backends := s.backendsLocked()
	s.mu.Unlock()

	s.commit(backends, "", DataKeyProject, ActionUpdate, map[string]any{"pid": pid, "rev": rev})
	return nil
}

func (s *Store) Project() Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project
}

func (s *Store) Attribute(aid int) (Attribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attr, ok := s.attributes[aid]
	if !ok {
		return Attribute{}, notFound("aid", aid)
	}
	return attr.Clone(), nil
}

func (s *Store) AttributeIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int{}, s.aidList...)
}

func (s *Store) FileIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int{}, s.fidList...)
}

func (s *Store) FileMetadataIDs(fid int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.fileMIDList[fid]...)
}

func (s *Store) Metadata(mid string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.metadata[mid]
	if !ok {
		return Metadata{}, notFound("mid", mid)
	}
	return md.Clone(), nil
}

// ExportSnapshot returns a deep copy of the whole project.
func (s *Store) ExportSnapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		Project:     s.project,
		Metadata:    s.metadata,
		Attributes:  s.attributes,
		AIDList:     s.aidList,
		Files:       s.files,
		FIDList:     s.fidList,
		FileMIDList: s.fileMIDList,
	}
	return snap.Clone()
}

// LoadSnapshot replaces all state with snap, re-initializes every backend
// and emits project_load. Nothing changes when snap is inconsistent.
func (s *Store) LoadSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return s.fail(EventProjectLoad, err)
	}
	loaded := snap.Clone()
	loaded.fillSyncMarkers()

	s.mu.Lock()
	s.resetLocked()
	s.project = loaded.Project
	for fid, file := range loaded.Files {
		s.files[fid] = file
	}
	s.fidList = append(s.fidList, loaded.FIDList...)
	for fid, mids := range loaded.FileMIDList {
		s.fileMIDList[fid] = mids
	}
	for aid, attr := range loaded.Attributes {
		s.attributes[aid] = attr
	}
	s.aidList = append(s.aidList, loaded.AIDList...)
	for mid, md := range loaded.Metadata {
		s.metadata[mid] = md
	}
	backends := s.backendsLocked()
	s.mu.Unlock()

	for _, rb := range backends {
		err := rb.backend.Init(ctx, s)
		s.metrics.RecordBackendTransaction(rb.id, err)
		if err != nil {
			s.log.Warn().Err(err).Str("backend", rb.id).Msg("backend init failed")
			continue
		}
		s.log.Debug().Str("backend", rb.id).Msg("backend initialized")
	}
	s.metrics.RecordMutation(EventProjectLoad, nil)
	s.events.Emit(EventProjectLoad, map[string]any{})
	return nil
}

func (s *Store) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(s.ExportSnapshot())
}

func (s *Store) LoadSnapshotJSON(ctx context.Context, data []byte) error {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return s.fail(EventProjectLoad, err)
	}
	return s.LoadSnapshot(ctx, snap)
}

// SaveFile writes the snapshot to path atomically.
func (s *Store) SaveFile(path string) error {
	data, err := s.MarshalSnapshot()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func (s *Store) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.LoadSnapshotJSON(ctx, data)
}

// ProjectIsDifferent reports whether remote differs from the local project
// once sync fields are masked.
func (s *Store) ProjectIsDifferent(remote *Snapshot) bool {
	return !s.ExportSnapshot().Equivalent(remote)
}

// Wait blocks until every dispatched backend transaction has finished.
func (s *Store) Wait() {
	s.inflight.Wait()
}

// Close stops dispatching to backends, waits for in-flight transactions and
// closes backends that hold resources. Later mutations still apply in memory
// but are no longer persisted.
func (s *Store) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		backends := append([]registeredBackend(nil), s.backends...)
		s.mu.Unlock()
		s.inflight.Wait()
		s.cancel()
		for _, rb := range backends {
			if closer, ok := rb.backend.(backendCloser); ok {
				if err := closer.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close backend %s: %w", rb.id, err))
				}
			}
		}
	})
	return errors.Join(errs...)
}

// touchLocked is the single post-mutation hook.
func (s *Store) touchLocked() {
	s.project.Updated = s.timestamp()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) fail(operation string, err error) error {
	s.metrics.RecordMutation(operation, err)
	s.log.Debug().Err(err).Str("operation", operation).Msg("mutation rejected")
	return err
}

// commit runs after the lock is released: it dispatches the transaction
// and then emits the event, if any.
func (s *Store) commit(backends []registeredBackend, eventName string, key DataKey, action Action, params map[string]any) {
	s.dispatch(backends, Transaction{DataKey: key, Action: action, Params: params, Source: s})
	if eventName == "" {
		return
	}
	s.metrics.RecordMutation(eventName, nil)
	payload := make(map[string]any, len(params))
	for k, v := range params {
		payload[k] = v
	}
	s.events.Emit(eventName, payload)
}

func nextID(list []int) int {
	if len(list) == 0 {
		return 0
	}
	return list[len(list)-1] + 1
}

func removeInt(list []int, id int) []int {
	if i := slices.Index(list, id); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}
