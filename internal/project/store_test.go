package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/annostore/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	var ids atomic.Uint64
	var ticks atomic.Int64
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStoreWithOptions(StoreOptions{
		IDGenerator: func() string { return fmt.Sprintf("id-%d", ids.Add(1)) },
		Now:         func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) },
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestNewStoreStartsUnsynced(t *testing.T) {
	s := newTestStore(t)
	p := s.Project()
	if !p.Unsynced() {
		t.Fatalf("expected unsynced project, got %+v", p)
	}
	if p.ProjectID != "id-1" || p.ProjectName != DefaultProjectName || p.DataFormatVersion != DataFormatVersion {
		t.Fatalf("unexpected project defaults: %+v", p)
	}
	if p.ShortID() != "id-1" {
		t.Fatalf("expected short id id-1, got %q", p.ShortID())
	}
}

func TestProjectShortIDTruncates(t *testing.T) {
	p := Project{ProjectID: "abcdef-1234"}
	if got := p.ShortID(); got != "abcde" {
		t.Fatalf("expected abcde, got %q", got)
	}
}

func TestAttributeIDsFollowInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"species", "pose", "occluded"} {
		if _, err := s.AddAttribute(name, AttributeText, Options{}, ""); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	if err := s.DeleteAttribute(1); err != nil {
		t.Fatalf("delete aid 1: %v", err)
	}
	aid, err := s.AddAttribute("color", AttributeRadio, NewOptions("red", "blue"), "0")
	if err != nil {
		t.Fatalf("add color: %v", err)
	}
	if aid != 3 {
		t.Fatalf("expected aid 3 (last id + 1), got %d", aid)
	}
	if got := s.AttributeIDs(); !slices.Equal(got, []int{0, 2, 3}) {
		t.Fatalf("expected aid_list [0 2 3], got %v", got)
	}
	snap := s.ExportSnapshot()
	if len(snap.Attributes) != len(snap.AIDList) {
		t.Fatalf("aid_list %v does not match attribute_store keys", snap.AIDList)
	}
	for _, id := range snap.AIDList {
		if _, ok := snap.Attributes[id]; !ok {
			t.Fatalf("aid %d in aid_list but not in attribute_store", id)
		}
	}
}

func TestAddAttributeDuplicateNameLeavesStoreUnchanged(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddAttribute("species", AttributeText, Options{}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	before := mustJSON(t, s.ExportSnapshot())

	var events int
	s.On(event.Wildcard, func(event.Event) { events++ })
	_, err := s.AddAttribute("species", AttributeSelect, NewOptions("a"), "")
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	var dup *DuplicateNameError
	if !errors.As(err, &dup) || dup.Name != "species" {
		t.Fatalf("expected DuplicateNameError for species, got %#v", err)
	}
	if after := mustJSON(t, s.ExportSnapshot()); after != before {
		t.Fatalf("store changed after rejected add:\nbefore=%s\nafter=%s", before, after)
	}
	if events != 0 {
		t.Fatalf("expected no events for rejected add, got %d", events)
	}
}

func TestAddAttributeRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t)
	cases := []struct {
		name    string
		attr    string
		typ     AttributeType
		options Options
		def     string
	}{
		{name: "empty name", attr: " ", typ: AttributeText},
		{name: "unknown type", attr: "x", typ: 9},
		{name: "default not an option", attr: "x", typ: AttributeRadio, options: NewOptions("a"), def: "3"},
	}
	for _, tc := range cases {
		if _, err := s.AddAttribute(tc.attr, tc.typ, tc.options, tc.def); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
	if ids := s.AttributeIDs(); len(ids) != 0 {
		t.Fatalf("expected no attributes, got %v", ids)
	}
}

func TestUpdateAttributeOptionsParsesDefaultMarker(t *testing.T) {
	s := newTestStore(t)
	aid, err := s.AddAttribute("color", AttributeRadio, Options{}, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.UpdateAttributeOptions(aid, "red,*green,blue"); err != nil {
		t.Fatalf("update options: %v", err)
	}
	attr, err := s.Attribute(aid)
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	if !attr.Options.Equal(NewOptions("red", "green", "blue")) {
		t.Fatalf("unexpected options %s", mustJSON(t, attr.Options))
	}
	if attr.DefaultOptionID != "1" {
		t.Fatalf("expected default option 1, got %q", attr.DefaultOptionID)
	}
	if got := mustJSON(t, attr.Options); got != `{"0":"red","1":"green","2":"blue"}` {
		t.Fatalf("unexpected option encoding %s", got)
	}
}

func TestUpdateAttributeType(t *testing.T) {
	s := newTestStore(t)
	aid, _ := s.AddAttribute("note", AttributeText, Options{}, "")
	if err := s.UpdateAttributeType(aid, AttributeCheckbox); err != nil {
		t.Fatalf("update type: %v", err)
	}
	if attr, _ := s.Attribute(aid); attr.Type != AttributeCheckbox {
		t.Fatalf("expected checkbox, got %s", attr.Type)
	}
	if err := s.UpdateAttributeType(aid, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := s.UpdateAttributeType(42, AttributeText); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAttributeStripsMetadataValues(t *testing.T) {
	s := newTestStore(t)
	keep, _ := s.AddAttribute("keep", AttributeText, Options{}, "")
	drop, _ := s.AddAttribute("drop", AttributeText, Options{}, "")
	var mids []string
	for i := 0; i < 2; i++ {
		fid, err := s.AddFile(fmt.Sprintf("%d.jpg", i), FileImage, LocationLocal, "")
		if err != nil {
			t.Fatalf("add file: %v", err)
		}
		for j := 0; j < 2; j++ {
			mid, err := s.AddMetadata(fid, nil, []float64{1, 2}, map[int]string{keep: "k", drop: "d"})
			if err != nil {
				t.Fatalf("add metadata: %v", err)
			}
			mids = append(mids, mid)
		}
	}
	if err := s.DeleteAttribute(drop); err != nil {
		t.Fatalf("delete attribute: %v", err)
	}
	for _, mid := range mids {
		md, err := s.Metadata(mid)
		if err != nil {
			t.Fatalf("metadata %s: %v", mid, err)
		}
		if _, ok := md.Values[drop]; ok {
			t.Fatalf("metadata %s still has aid %d", mid, drop)
		}
		if md.Values[keep] != "k" {
			t.Fatalf("metadata %s lost aid %d: %v", mid, keep, md.Values)
		}
	}
	if err := s.DeleteAttribute(drop); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestFileRemoveCascadesMetadata(t *testing.T) {
	s := newTestStore(t)
	fid, err := s.AddFile("a.jpg", FileImage, LocationLocal, "a.jpg")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if fid != 0 {
		t.Fatalf("expected fid 0, got %d", fid)
	}
	mid, err := s.AddMetadata(fid, []float64{}, []float64{10, 10, 50, 50}, map[int]string{})
	if err != nil {
		t.Fatalf("add metadata: %v", err)
	}
	other, _ := s.AddFile("b.jpg", FileImage, LocationLocal, "b.jpg")
	otherMID, _ := s.AddMetadata(other, nil, []float64{1, 1}, nil)

	if !s.RemoveFile(fid) {
		t.Fatalf("expected remove to report true")
	}
	if s.HasFile(fid) {
		t.Fatalf("expected fid %d to be gone", fid)
	}
	if _, err := s.Metadata(mid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected metadata %s removed, got %v", mid, err)
	}
	snap := s.ExportSnapshot()
	if _, ok := snap.FileMIDList[fid]; ok {
		t.Fatalf("file_mid_list still has fid %d", fid)
	}
	if !slices.Equal(snap.FIDList, IDList{other}) {
		t.Fatalf("expected fid_list [%d], got %v", other, snap.FIDList)
	}
	if _, err := s.Metadata(otherMID); err != nil {
		t.Fatalf("unrelated metadata removed: %v", err)
	}
}

func TestRemoveUnknownFileIsNoop(t *testing.T) {
	s := newTestStore(t)
	before := s.Project().Updated
	var events int
	s.On(EventFileRemove, func(event.Event) { events++ })
	if s.RemoveFile(7) {
		t.Fatalf("expected unknown fid to report false")
	}
	if events != 0 || s.Project().Updated != before {
		t.Fatalf("expected no side effects, events=%d updated=%s", events, s.Project().Updated)
	}
}

func TestAddFilesEmitsSingleEvent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddFile("first.jpg", FileImage, LocationLocal, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	var payloads []map[string]any
	s.On(event.Wildcard, func(e event.Event) {
		if e.Name != EventFileAddBulk {
			t.Errorf("unexpected event %s", e.Name)
		}
		payloads = append(payloads, e.Payload)
	})
	fids, err := s.AddFiles([]FileSpec{
		{Filename: "a.mp4", Type: FileVideo, Loc: LocationURIHTTP, Src: "http://example.com/a.mp4"},
		{Filename: "b.wav", Type: FileAudio, Loc: LocationURIFile, Src: "file:///b.wav"},
	})
	if err != nil {
		t.Fatalf("add bulk: %v", err)
	}
	if !slices.Equal(fids, []int{1, 2}) {
		t.Fatalf("expected fids [1 2], got %v", fids)
	}
	if len(payloads) != 1 {
		t.Fatalf("expected one event, got %d", len(payloads))
	}
	if got, _ := payloads[0]["fid_list"].([]int); !slices.Equal(got, fids) {
		t.Fatalf("expected payload fid_list %v, got %v", fids, payloads[0]["fid_list"])
	}

	if _, err := s.AddFiles([]FileSpec{{Filename: "ok.jpg", Type: FileImage, Loc: LocationLocal}, {Filename: "bad", Type: 3, Loc: LocationLocal}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad batch, got %v", err)
	}
	if got := s.FileIDs(); !slices.Equal(got, []int{0, 1, 2}) {
		t.Fatalf("expected rejected batch to add nothing, got %v", got)
	}
}

func TestFileLookup(t *testing.T) {
	s := newTestStore(t)
	fid, _ := s.AddFile("a.jpg", FileImage, LocationInline, "data:image/jpeg;base64,AAAA")
	file, err := s.File(fid)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if file.FID != fid || file.Filename != "a.jpg" || file.Loc != LocationInline {
		t.Fatalf("unexpected file %+v", file)
	}
	if _, err := s.File(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddMetadataRequiresFile(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddMetadata(3, nil, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var nf *NotFoundError
	_, err := s.AddMetadata(3, nil, nil, nil)
	if !errors.As(err, &nf) || nf.Kind != "fid" || nf.ID != "3" {
		t.Fatalf("expected NotFoundError{fid,3}, got %#v", err)
	}
}

func TestUpdateMetadataReplacesRecord(t *testing.T) {
	s := newTestStore(t)
	fid, _ := s.AddFile("a.jpg", FileImage, LocationLocal, "")
	mid, _ := s.AddMetadata(fid, []float64{1}, []float64{1, 2, 3, 4}, map[int]string{0: "cat", 1: "sitting"})
	if err := s.UpdateMetadata(fid, mid, nil, []float64{5, 6}, map[int]string{0: "dog"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	md, _ := s.Metadata(mid)
	if len(md.Z) != 0 || !slices.Equal(md.XY, []float64{5, 6}) || len(md.Values) != 1 || md.Values[0] != "dog" {
		t.Fatalf("expected full replace, got %+v", md)
	}
	if err := s.UpdateMetadata(fid, "missing", nil, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown mid, got %v", err)
	}
	if err := s.UpdateMetadata(9, mid, nil, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown fid, got %v", err)
	}
}

func TestUpdateMetadataZ(t *testing.T) {
	s := newTestStore(t)
	fid, _ := s.AddFile("v.mp4", FileVideo, LocationLocal, "")
	mid, _ := s.AddMetadata(fid, []float64{1.5}, nil, nil)
	if err := s.UpdateMetadataZ(fid, mid, 0, 2.5); err != nil {
		t.Fatalf("set z[0]: %v", err)
	}
	if err := s.UpdateMetadataZ(fid, mid, 1, 4); err != nil {
		t.Fatalf("append z[1]: %v", err)
	}
	md, _ := s.Metadata(mid)
	if !slices.Equal(md.Z, []float64{2.5, 4}) {
		t.Fatalf("expected z [2.5 4], got %v", md.Z)
	}
	if err := s.UpdateMetadataZ(fid, mid, 5, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if md, _ := s.Metadata(mid); !slices.Equal(md.Z, []float64{2.5, 4}) {
		t.Fatalf("rejected update changed z: %v", md.Z)
	}
}

func TestUpdateMetadataAttributeValueSkipsFileAndAttributeChecks(t *testing.T) {
	s := newTestStore(t)
	fid, _ := s.AddFile("a.jpg", FileImage, LocationLocal, "")
	mid, _ := s.AddMetadata(fid, nil, nil, nil)
	if err := s.UpdateMetadataAttributeValue(404, mid, 77, "x"); err != nil {
		t.Fatalf("expected unchecked fid and aid, got %v", err)
	}
	md, _ := s.Metadata(mid)
	if md.Values[77] != "x" {
		t.Fatalf("expected value for aid 77, got %v", md.Values)
	}
	if err := s.UpdateMetadataAttributeValue(fid, "missing", 0, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown mid, got %v", err)
	}
}

func TestDeleteMetadataRequiresOwningFile(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.AddFile("a.jpg", FileImage, LocationLocal, "")
	b, _ := s.AddFile("b.jpg", FileImage, LocationLocal, "")
	mid, _ := s.AddMetadata(a, nil, nil, nil)
	if err := s.DeleteMetadata(b, mid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when mid belongs to another file, got %v", err)
	}
	if _, err := s.Metadata(mid); err != nil {
		t.Fatalf("metadata removed by rejected delete: %v", err)
	}
	if err := s.DeleteMetadata(a, mid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ids := s.FileMetadataIDs(a); len(ids) != 0 {
		t.Fatalf("expected empty file_mid_list, got %v", ids)
	}
	if err := s.DeleteMetadata(a, mid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestEveryMutationTouchesUpdatedOnce(t *testing.T) {
	s := newTestStore(t)
	var stamps []string
	s.On(event.Wildcard, func(event.Event) { stamps = append(stamps, s.Project().Updated) })

	fid, _ := s.AddFile("a.jpg", FileImage, LocationLocal, "")
	aid, _ := s.AddAttribute("label", AttributeText, Options{}, "")
	mid, _ := s.AddMetadata(fid, nil, nil, nil)
	_ = s.UpdateMetadataAttributeValue(fid, mid, aid, "cat")
	_ = s.DeleteAttribute(aid)
	_ = s.DeleteMetadata(fid, mid)
	s.RemoveFile(fid)

	if len(stamps) != 7 {
		t.Fatalf("expected 7 events, got %d", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i] <= stamps[i-1] {
			t.Fatalf("updated did not advance at event %d: %v", i, stamps)
		}
	}
}

func TestEventPayloadsCarryAffectedIDs(t *testing.T) {
	s := newTestStore(t)
	var got []event.Event
	s.On(event.Wildcard, func(e event.Event) { got = append(got, e) })
	fid, _ := s.AddFile("a.jpg", FileImage, LocationLocal, "")
	mid, _ := s.AddMetadata(fid, nil, nil, nil)
	_ = s.UpdateMetadata(fid, mid, nil, nil, nil)

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Name != EventFileAdd || got[0].Payload["fid"] != fid || got[0].Source != "data" {
		t.Fatalf("unexpected file_add event %+v", got[0])
	}
	for _, e := range got[1:] {
		if e.Payload["fid"] != fid || e.Payload["mid"] != mid {
			t.Fatalf("unexpected payload for %s: %v", e.Name, e.Payload)
		}
	}
}

type recordingBackend struct {
	mu    sync.Mutex
	txns  []Transaction
	inits int
	err   error
}

func (b *recordingBackend) Init(ctx context.Context, src SnapshotSource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inits++
	return b.err
}

func (b *recordingBackend) Transaction(ctx context.Context, txn Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txns = append(b.txns, txn)
	return b.err
}

func (b *recordingBackend) snapshot() ([]Transaction, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Transaction(nil), b.txns...), b.inits
}

func TestBackendsReceiveOneTransactionPerMutation(t *testing.T) {
	s := newTestStore(t)
	first, second := &recordingBackend{}, &recordingBackend{}
	if err := s.RegisterBackend("first", first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterBackend("second", second); err != nil {
		t.Fatalf("register: %v", err)
	}
	fid, _ := s.AddFile("a.jpg", FileImage, LocationLocal, "")
	_, _ = s.AddFiles([]FileSpec{{Filename: "b.jpg", Type: FileImage, Loc: LocationLocal}})
	mid, _ := s.AddMetadata(fid, nil, nil, nil)
	_ = s.DeleteMetadata(fid, mid)
	s.RemoveFile(fid)
	s.Wait()

	want := []struct {
		key    DataKey
		action Action
	}{
		{DataKeyFile, ActionAdd},
		{DataKeyFile, ActionAddBulk},
		{DataKeyMetadata, ActionAdd},
		{DataKeyMetadata, ActionDelete},
		{DataKeyFile, ActionRemove},
	}
	for _, backend := range []*recordingBackend{first, second} {
		txns, _ := backend.snapshot()
		if len(txns) != len(want) {
			t.Fatalf("expected %d transactions, got %d", len(want), len(txns))
		}
		for _, w := range want {
			found := false
			for _, txn := range txns {
				if txn.DataKey == w.key && txn.Action == w.action {
					found = true
					if txn.Source == nil || txn.At == "" {
						t.Fatalf("transaction %s/%s missing source or timestamp", w.key, w.action)
					}
				}
			}
			if !found {
				t.Fatalf("missing transaction %s/%s in %+v", w.key, w.action, txns)
			}
		}
	}
}

func TestBackendFailureDoesNotRollBackMutation(t *testing.T) {
	s := newTestStore(t)
	failing := &recordingBackend{err: errors.New("disk full")}
	_ = s.RegisterBackend("failing", failing)
	aid, err := s.AddAttribute("label", AttributeText, Options{}, "")
	if err != nil {
		t.Fatalf("expected mutation to succeed despite backend failure, got %v", err)
	}
	s.Wait()
	if _, err := s.Attribute(aid); err != nil {
		t.Fatalf("mutation rolled back: %v", err)
	}
	if txns, _ := failing.snapshot(); len(txns) != 1 {
		t.Fatalf("expected backend to see the transaction, got %d", len(txns))
	}
}

func TestRegisterBackendKeepsRegistrationOrder(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"journal", "memory", "postgres"} {
		if err := s.RegisterBackend(id, &recordingBackend{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	_ = s.RegisterBackend("journal", &recordingBackend{})
	if got := s.BackendIDs(); !slices.Equal(got, []string{"journal", "memory", "postgres"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if !s.UnregisterBackend("memory") {
		t.Fatalf("expected unregister to find memory")
	}
	if s.UnregisterBackend("memory") {
		t.Fatalf("expected second unregister to report false")
	}
	if got := s.BackendIDs(); !slices.Equal(got, []string{"journal", "postgres"}) {
		t.Fatalf("unexpected order after unregister %v", got)
	}
	if err := s.RegisterBackend("", &recordingBackend{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestSetSyncStateAdoptsServerFields(t *testing.T) {
	s := newTestStore(t)
	backend := &recordingBackend{}
	_ = s.RegisterBackend("rec", backend)
	if err := s.SetSyncState("p1", "1", "t1"); err != nil {
		t.Fatalf("set sync state: %v", err)
	}
	s.Wait()
	p := s.Project()
	if p.PID != "p1" || p.Rev != "1" || p.RevTimestamp != "t1" || p.Unsynced() {
		t.Fatalf("unexpected sync fields %+v", p)
	}
	txns, _ := backend.snapshot()
	if len(txns) != 1 || txns[0].DataKey != DataKeyProject || txns[0].Action != ActionUpdate {
		t.Fatalf("expected project_store/update, got %+v", txns)
	}
	if err := s.SetSyncState("", "2", "t2"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

type closingBackend struct {
	recordingBackend
	closed bool
}

func (b *closingBackend) Close() error {
	b.closed = true
	return nil
}

func TestCloseClosesBackends(t *testing.T) {
	s := NewStore()
	backend := &closingBackend{}
	_ = s.RegisterBackend("closer", backend)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !backend.closed {
		t.Fatalf("expected backend to be closed")
	}
}

func TestMutationsAfterCloseStayInMemory(t *testing.T) {
	s := newTestStore(t)
	backend := &closingBackend{}
	_ = s.RegisterBackend("closer", backend)
	if _, err := s.AddFile("a.jpg", FileImage, LocationLocal, "a.jpg"); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fid, err := s.AddFile("b.jpg", FileImage, LocationLocal, "b.jpg")
	if err != nil {
		t.Fatalf("add file after close: %v", err)
	}
	if !s.HasFile(fid) {
		t.Fatalf("expected fid %d in memory after close", fid)
	}
	if err := s.LoadSnapshot(context.Background(), s.ExportSnapshot()); err != nil {
		t.Fatalf("load after close: %v", err)
	}
	s.Wait()
	txns, inits := backend.snapshot()
	if len(txns) != 1 || inits != 0 {
		t.Fatalf("expected only the pre-close transaction, got %d transactions and %d inits", len(txns), inits)
	}
}
