package project

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "https://annostore.local/snapshot.schema.json"

//go:embed snapshot.schema.json
var snapshotSchemaJSON []byte

var (
	snapshotSchemaOnce sync.Once
	snapshotSchema     *jsonschema.Schema
	snapshotSchemaErr  error
)

// Snapshot is the self-contained serialization of a project. It is both the
// local save format and the sync payload.
type Snapshot struct {
	Project     Project             `json:"project_store"`
	Metadata    map[string]Metadata `json:"metadata_store"`
	Attributes  map[int]Attribute   `json:"attribute_store"`
	AIDList     IDList              `json:"aid_list"`
	Files       map[int]File        `json:"file_store"`
	FIDList     IDList              `json:"fid_list"`
	FileMIDList map[int][]string    `json:"file_mid_list"`
}

func compileSnapshotSchema() (*jsonschema.Schema, error) {
	snapshotSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(snapshotSchemaJSON))
		if err != nil {
			snapshotSchemaErr = fmt.Errorf("parse snapshot schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
			snapshotSchemaErr = fmt.Errorf("add snapshot schema: %w", err)
			return
		}
		snapshotSchema, snapshotSchemaErr = c.Compile(snapshotSchemaURL)
	})
	return snapshotSchema, snapshotSchemaErr
}

// ValidateSnapshotJSON checks data against the snapshot schema.
func ValidateSnapshotJSON(data []byte) error {
	sch, err := compileSnapshotSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return malformed("invalid json", err)
	}
	if err := sch.Validate(inst); err != nil {
		return malformed("schema validation failed", err)
	}
	return nil
}

// DecodeSnapshot validates and decodes a serialized snapshot. Structural
// consistency between the collections is checked as well.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if err := ValidateSnapshotJSON(data); err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, malformed("decode", err)
	}
	snap.fillSyncMarkers()
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Validate checks the cross-collection invariants: order lists hold exactly
// the store keys once each, and every metadata record belongs to exactly one
// file's list.
func (s *Snapshot) Validate() error {
	if s == nil {
		return malformed("snapshot is nil", nil)
	}
	if s.Project.ProjectID == "" {
		return malformed("project_store.project_id is required", nil)
	}
	if err := checkOrderList("fid_list", s.FIDList, len(s.Files), func(id int) bool {
		_, ok := s.Files[id]
		return ok
	}); err != nil {
		return err
	}
	if err := checkOrderList("aid_list", s.AIDList, len(s.Attributes), func(id int) bool {
		_, ok := s.Attributes[id]
		return ok
	}); err != nil {
		return err
	}

	names := make(map[string]int, len(s.Attributes))
	for aid, attr := range s.Attributes {
		if _, err := NewAttribute(aid, attr.Name, attr.Type, attr.Options, attr.DefaultOptionID); err != nil {
			return malformed(fmt.Sprintf("attribute_store[%d]", aid), err)
		}
		if other, dup := names[attr.Name]; dup {
			return malformed(fmt.Sprintf("attribute_store[%d] repeats the name of attribute_store[%d]", aid, other), nil)
		}
		names[attr.Name] = aid
	}
	for fid, file := range s.Files {
		if _, err := NewFile(fid, file.Filename, file.Type, file.Loc, file.Src); err != nil {
			return malformed(fmt.Sprintf("file_store[%d]", fid), err)
		}
	}

	owner := make(map[string]int, len(s.Metadata))
	for _, fid := range sortedKeys(s.FileMIDList) {
		if _, ok := s.Files[fid]; !ok {
			return malformed(fmt.Sprintf("file_mid_list references unknown fid %d", fid), nil)
		}
		for _, mid := range s.FileMIDList[fid] {
			if _, ok := s.Metadata[mid]; !ok {
				return malformed(fmt.Sprintf("file_mid_list[%d] references unknown mid %s", fid, mid), nil)
			}
			if prev, taken := owner[mid]; taken {
				return malformed(fmt.Sprintf("mid %s listed under fid %d and fid %d", mid, prev, fid), nil)
			}
			owner[mid] = fid
		}
	}
	if len(owner) != len(s.Metadata) {
		for mid := range s.Metadata {
			if _, ok := owner[mid]; !ok {
				return malformed(fmt.Sprintf("metadata_store[%s] is not listed under any file", mid), nil)
			}
		}
	}
	return nil
}

// fillSyncMarkers sets every absent sync field to its marker. Project files
// saved before the first push carry no pid, rev or rev_timestamp.
func (s *Snapshot) fillSyncMarkers() {
	if s.Project.PID == "" {
		s.Project.PID = ProjectIDMarker
	}
	if s.Project.Rev == "" {
		s.Project.Rev = RevisionMarker
	}
	if s.Project.RevTimestamp == "" {
		s.Project.RevTimestamp = RevisionTimestampMarker
	}
}

func checkOrderList(name string, list IDList, storeLen int, known func(int) bool) error {
	if len(list) != storeLen {
		return malformed(fmt.Sprintf("%s has %d entries, store has %d", name, len(list), storeLen), nil)
	}
	seen := make(map[int]struct{}, len(list))
	for _, id := range list {
		if !known(id) {
			return malformed(fmt.Sprintf("%s references unknown id %d", name, id), nil)
		}
		if _, dup := seen[id]; dup {
			return malformed(fmt.Sprintf("%s repeats id %d", name, id), nil)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy with record ids populated from the map keys.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Project:     s.Project,
		Metadata:    make(map[string]Metadata, len(s.Metadata)),
		Attributes:  make(map[int]Attribute, len(s.Attributes)),
		AIDList:     append(IDList{}, s.AIDList...),
		Files:       make(map[int]File, len(s.Files)),
		FIDList:     append(IDList{}, s.FIDList...),
		FileMIDList: make(map[int][]string, len(s.FileMIDList)),
	}
	for mid, md := range s.Metadata {
		md = md.Clone()
		md.MID = mid
		out.Metadata[mid] = md
	}
	for aid, attr := range s.Attributes {
		attr = attr.Clone()
		attr.AID = aid
		out.Attributes[aid] = attr
	}
	for fid, file := range s.Files {
		file.FID = fid
		out.Files[fid] = file
	}
	for fid, mids := range s.FileMIDList {
		out.FileMIDList[fid] = append([]string{}, mids...)
	}
	return out
}

// Equivalent reports whether two snapshots hold the same project content,
// ignoring the sync fields and the updated timestamp.
func (s *Snapshot) Equivalent(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, errA := json.Marshal(s.maskedForCompare())
	b, errB := json.Marshal(other.maskedForCompare())
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func (s *Snapshot) maskedForCompare() *Snapshot {
	masked := *s
	masked.Project.PID = ProjectIDMarker
	masked.Project.Rev = RevisionMarker
	masked.Project.RevTimestamp = RevisionTimestampMarker
	masked.Project.Updated = ""
	return &masked
}

// WithSyncMarkers returns a copy whose sync fields are replaced by their
// markers. keepPID leaves the pid in place for update payloads.
func (s *Snapshot) WithSyncMarkers(keepPID bool) *Snapshot {
	out := s.Clone()
	if !keepPID {
		out.Project.PID = ProjectIDMarker
	}
	out.Project.Rev = RevisionMarker
	out.Project.RevTimestamp = RevisionTimestampMarker
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
