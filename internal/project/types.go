package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Sync markers stand in for server-assigned values. They cannot collide
// with a pid (uuid), a revision (decimal counter) or a timestamp (epoch ms).
const (
	ProjectIDMarker         = "__VIA_PROJECT_ID__"
	RevisionMarker          = "__VIA_PROJECT_REV_ID__"
	RevisionTimestampMarker = "__VIA_PROJECT_REV_TIMESTAMP__"
)

const (
	DefaultProjectName   = "via_project"
	DataFormatVersion    = "3.0.0"
	DefaultCreator       = "VGG Image Annotator (http://www.robots.ox.ac.uk/~vgg/software/via)"
	DefaultOptionMarker  = "*"
	projectShortIDLength = 5
	optionSeparator      = ","
)

type AttributeType int

const (
	AttributeText     AttributeType = 1
	AttributeCheckbox AttributeType = 2
	AttributeRadio    AttributeType = 3
	AttributeSelect   AttributeType = 4
	AttributeImage    AttributeType = 5
)

func (t AttributeType) Valid() bool {
	return t >= AttributeText && t <= AttributeImage
}

func (t AttributeType) String() string {
	switch t {
	case AttributeText:
		return "text"
	case AttributeCheckbox:
		return "checkbox"
	case AttributeRadio:
		return "radio"
	case AttributeSelect:
		return "select"
	case AttributeImage:
		return "image"
	default:
		return "attribute_type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseAttributeType accepts a type name or its numeric code.
func ParseAttributeType(raw string) (AttributeType, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "text":
		return AttributeText, nil
	case "checkbox":
		return AttributeCheckbox, nil
	case "radio":
		return AttributeRadio, nil
	case "select", "dropdown":
		return AttributeSelect, nil
	case "image":
		return AttributeImage, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || !AttributeType(n).Valid() {
		return 0, fmt.Errorf("%w: attribute type %q", ErrInvalidInput, raw)
	}
	return AttributeType(n), nil
}

type FileType int

const (
	FileImage FileType = 2
	FileVideo FileType = 4
	FileAudio FileType = 8
)

func (t FileType) Valid() bool {
	return t == FileImage || t == FileVideo || t == FileAudio
}

type FileLocation int

const (
	LocationLocal   FileLocation = 1
	LocationURIHTTP FileLocation = 2
	LocationURIFile FileLocation = 3
	LocationInline  FileLocation = 4
)

func (l FileLocation) Valid() bool {
	return l >= LocationLocal && l <= LocationInline
}

type DataKey string

const (
	DataKeyProject     DataKey = "project_store"
	DataKeyAttribute   DataKey = "attribute_store"
	DataKeyFile        DataKey = "file_store"
	DataKeyMetadata    DataKey = "metadata_store"
	DataKeyFileMIDList DataKey = "file_mid_list"
	DataKeyFIDList     DataKey = "fid_list"
	DataKeyAIDList     DataKey = "aid_list"
)

type Action string

const (
	ActionAdd     Action = "add"
	ActionAddBulk Action = "add_bulk"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "del"
	ActionRemove  Action = "remove"
)

const (
	EventAttributeAdd    = "attribute_add"
	EventAttributeDel    = "attribute_del"
	EventAttributeUpdate = "attribute_update"
	EventFileAdd         = "file_add"
	EventFileAddBulk     = "file_add_bulk"
	EventFileRemove      = "file_remove"
	EventMetadataAdd     = "metadata_add"
	EventMetadataUpdate  = "metadata_update"
	EventMetadataDel     = "metadata_del"
	EventProjectLoad     = "project_load"
)

type Project struct {
	ProjectID         string `json:"project_id"`
	ProjectName       string `json:"project_name"`
	DataFormatVersion string `json:"data_format_version"`
	Creator           string `json:"creator"`
	Created           string `json:"created"`
	Updated           string `json:"updated"`
	PID               string `json:"pid"`
	Rev               string `json:"rev"`
	RevTimestamp      string `json:"rev_timestamp"`
}

// ShortID is the display prefix of the project id.
func (p Project) ShortID() string {
	if len(p.ProjectID) <= projectShortIDLength {
		return p.ProjectID
	}
	return p.ProjectID[:projectShortIDLength]
}

// Unsynced reports whether the server has never assigned sync fields.
func (p Project) Unsynced() bool {
	return p.PID == ProjectIDMarker && p.Rev == RevisionMarker && p.RevTimestamp == RevisionTimestampMarker
}

// Options maps option ids to labels, preserving insertion order through
// JSON encoding and decoding.
type Options struct {
	keys   []string
	labels map[string]string
}

// NewOptions assigns ids "0", "1", ... to labels in order.
func NewOptions(labels ...string) Options {
	var o Options
	for i, label := range labels {
		o.Set(strconv.Itoa(i), label)
	}
	return o
}

func (o *Options) Set(id, label string) {
	if o.labels == nil {
		o.labels = map[string]string{}
	}
	if _, exists := o.labels[id]; !exists {
		o.keys = append(o.keys, id)
	}
	o.labels[id] = label
}

func (o Options) Get(id string) (string, bool) {
	label, ok := o.labels[id]
	return label, ok
}

func (o Options) Keys() []string {
	return append([]string(nil), o.keys...)
}

func (o Options) Len() int {
	return len(o.keys)
}

func (o Options) Clone() Options {
	var out Options
	for _, key := range o.keys {
		out.Set(key, o.labels[key])
	}
	return out
}

func (o Options) Equal(other Options) bool {
	if len(o.keys) != len(other.keys) {
		return false
	}
	for i, key := range o.keys {
		if other.keys[i] != key || other.labels[key] != o.labels[key] {
			return false
		}
	}
	return true
}

func (o Options) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(o.labels[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *Options) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: options are not valid json", ErrInvalidInput)
	}
	parsed := gjson.ParseBytes(data)
	*o = Options{}
	if parsed.Type == gjson.Null {
		return nil
	}
	if !parsed.IsObject() {
		return fmt.Errorf("%w: options must be an object", ErrInvalidInput)
	}
	parsed.ForEach(func(key, value gjson.Result) bool {
		o.Set(key.String(), value.String())
		return true
	})
	return nil
}

// IDList is an ordered list of integer ids. It decodes both numeric and
// string elements, since saved projects have used either form.
type IDList []int

func (l *IDList) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: id list is not valid json", ErrInvalidInput)
	}
	parsed := gjson.ParseBytes(data)
	if parsed.Type == gjson.Null {
		*l = nil
		return nil
	}
	if !parsed.IsArray() {
		return fmt.Errorf("%w: id list must be an array", ErrInvalidInput)
	}
	out := IDList{}
	var convErr error
	parsed.ForEach(func(_, value gjson.Result) bool {
		id, err := strconv.Atoi(strings.TrimSpace(value.String()))
		if err != nil || id < 0 {
			convErr = fmt.Errorf("%w: invalid id %q", ErrInvalidInput, value.Raw)
			return false
		}
		out = append(out, id)
		return true
	})
	if convErr != nil {
		return convErr
	}
	*l = out
	return nil
}

type Attribute struct {
	AID             int           `json:"-"`
	Name            string        `json:"attr_name"`
	Type            AttributeType `json:"type"`
	Options         Options       `json:"options"`
	DefaultOptionID string        `json:"default_option_id"`
}

func NewAttribute(aid int, name string, typ AttributeType, options Options, defaultOptionID string) (Attribute, error) {
	if aid < 0 {
		return Attribute{}, fmt.Errorf("%w: negative aid %d", ErrInvalidInput, aid)
	}
	if strings.TrimSpace(name) == "" {
		return Attribute{}, fmt.Errorf("%w: attribute name is required", ErrInvalidInput)
	}
	if !typ.Valid() {
		return Attribute{}, fmt.Errorf("%w: attribute type %d", ErrInvalidInput, typ)
	}
	if defaultOptionID != "" {
		if _, ok := options.Get(defaultOptionID); !ok {
			return Attribute{}, fmt.Errorf("%w: default option %q is not an option", ErrInvalidInput, defaultOptionID)
		}
	}
	return Attribute{
		AID:             aid,
		Name:            name,
		Type:            typ,
		Options:         options.Clone(),
		DefaultOptionID: defaultOptionID,
	}, nil
}

func (a Attribute) Clone() Attribute {
	a.Options = a.Options.Clone()
	return a
}

type File struct {
	FID      int          `json:"-"`
	Filename string       `json:"filename"`
	Type     FileType     `json:"type"`
	Loc      FileLocation `json:"loc"`
	Src      string       `json:"src"`
}

// FileSpec is one input row for AddFiles.
type FileSpec struct {
	Filename string       `json:"filename"`
	Type     FileType     `json:"type"`
	Loc      FileLocation `json:"loc"`
	Src      string       `json:"src"`
}

func NewFile(fid int, filename string, typ FileType, loc FileLocation, src string) (File, error) {
	if fid < 0 {
		return File{}, fmt.Errorf("%w: negative fid %d", ErrInvalidInput, fid)
	}
	if !typ.Valid() {
		return File{}, fmt.Errorf("%w: file type %d", ErrInvalidInput, typ)
	}
	if !loc.Valid() {
		return File{}, fmt.Errorf("%w: file location %d", ErrInvalidInput, loc)
	}
	return File{FID: fid, Filename: filename, Type: typ, Loc: loc, Src: src}, nil
}

type Metadata struct {
	MID    string         `json:"-"`
	Z      []float64      `json:"z"`
	XY     []float64      `json:"xy"`
	Values map[int]string `json:"metadata"`
}

func NewMetadata(mid string, z, xy []float64, values map[int]string) Metadata {
	return Metadata{
		MID:    mid,
		Z:      append([]float64{}, z...),
		XY:     append([]float64{}, xy...),
		Values: copyValues(values),
	}
}

func (m Metadata) Clone() Metadata {
	return NewMetadata(m.MID, m.Z, m.XY, m.Values)
}

func copyValues(in map[int]string) map[int]string {
	out := make(map[int]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// parseOptionList splits a comma-separated option list. The entry prefixed
// with DefaultOptionMarker becomes the default; a later marked entry wins.
func parseOptionList(csv string) (Options, string) {
	var options Options
	defaultID := ""
	for i, entry := range strings.Split(csv, optionSeparator) {
		id := strconv.Itoa(i)
		if strings.HasPrefix(entry, DefaultOptionMarker) {
			defaultID = id
			entry = strings.TrimPrefix(entry, DefaultOptionMarker)
		}
		options.Set(id, entry)
	}
	return options, defaultID
}
