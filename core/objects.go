package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is the identifier of a persistent object. IDs are assigned by the
// store at commit time, increase monotonically, and are never reused:
// deleted objects leave a tombstone behind instead of freeing the ID.
// The zero ID is the null reference.
type ID uint64

// provisionalBit marks IDs handed out for objects created inside an
// uncommitted transaction. Provisional IDs never reach durable storage;
// commit rewrites them to real IDs.
const provisionalBit ID = 1 << 63

// ProvisionalID returns the n-th provisional ID of a transaction.
func ProvisionalID(n uint32) ID {
	return provisionalBit | ID(n)
}

// IsProvisional reports whether id was minted by ProvisionalID.
func (id ID) IsProvisional() bool {
	return id&provisionalBit != 0
}

func (id ID) String() string {
	if id.IsProvisional() {
		return fmt.Sprintf("tmp-%d", uint64(id&^provisionalBit))
	}
	return fmt.Sprintf("%d", uint64(id))
}

// Object kinds stored by the depot.
const (
	KindModel    = "model"
	KindProject  = "project"
	KindRegistry = "registry"
)

// Well-known field names shared between the facade and the index.
const (
	FieldKind        = "kind"
	FieldProjectName = "project_name"
	FieldModels      = "models"
	FieldCreator     = "creator"
	FieldCreatedAt   = "created_at"
	FieldDescription = "description"
	FieldPayload     = "payload"
	FieldContentHash = "content_hash"
	FieldProjects    = "projects"
)

// staticFields are immutable once an object is committed; the content
// hash of an object derives from them.
var staticFields = map[string]bool{
	FieldKind:        true,
	FieldProjectName: true,
	FieldCreatedAt:   true,
	FieldPayload:     true,
	FieldContentHash: true,
}

// IsStaticField reports whether name is immutable after creation.
func IsStaticField(name string) bool {
	return staticFields[name]
}

// Object is a persistent object: a kind tag plus named fields. Fields
// listed in Indexed are published to the metadata index whenever the
// object is committed, provided their values are scalars.
type Object struct {
	Kind    string
	Fields  Map
	Indexed []string
}

// NewObject returns an empty object of the given kind with the kind
// itself indexed, so kind-scoped queries work uniformly.
func NewObject(kind string) *Object {
	return &Object{
		Kind:    kind,
		Fields:  Map{FieldKind: String(kind)},
		Indexed: []string{FieldKind},
	}
}

// Get returns the named field value, or nil if absent.
func (o *Object) Get(name string) Value {
	return o.Fields[name]
}

// Set assigns a field value. It does not enforce immutability; callers
// that mutate committed objects go through SetChecked.
func (o *Object) Set(name string, v Value) {
	if o.Fields == nil {
		o.Fields = Map{}
	}
	o.Fields[name] = v
}

// SetChecked assigns a field value, rejecting static fields and fields
// the object does not already have. Mirrors the update surface of the
// depot: new fields come from constructors, not ad-hoc updates.
func (o *Object) SetChecked(name string, v Value) error {
	if _, ok := o.Fields[name]; !ok {
		return fmt.Errorf("%w: %s has no field %q", ErrUnknownField, o.Kind, name)
	}
	if IsStaticField(name) {
		return fmt.Errorf("%w: %q", ErrImmutableField, name)
	}
	o.Fields[name] = v
	return nil
}

// MarkIndexed declares fields as indexable metadata. Duplicates are
// ignored.
func (o *Object) MarkIndexed(names ...string) {
	for _, name := range names {
		found := false
		for _, have := range o.Indexed {
			if have == name {
				found = true
				break
			}
		}
		if !found {
			o.Indexed = append(o.Indexed, name)
		}
	}
}

// Metadata returns the indexable (field, scalar value) pairs of the
// object in declaration order. Declared fields that are absent or
// non-scalar are skipped: an index entry exists iff the object declares
// the key and holds a scalar for it.
func (o *Object) Metadata() []MetaField {
	out := make([]MetaField, 0, len(o.Indexed))
	for _, name := range o.Indexed {
		v, ok := o.Fields[name]
		if !ok || !IsScalar(v) {
			continue
		}
		out = append(out, MetaField{Key: name, Value: v})
	}
	return out
}

// MetaField is one indexable metadata pair of an object.
type MetaField struct {
	Key   string
	Value Value
}

// Clone returns a deep copy of the object.
func (o *Object) Clone() *Object {
	out := &Object{Kind: o.Kind}
	if o.Fields != nil {
		out.Fields = o.Fields.Clone().(Map)
	}
	if o.Indexed != nil {
		out.Indexed = append([]string(nil), o.Indexed...)
	}
	return out
}

// Equal reports structural equality of two objects.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.Kind != other.Kind || len(o.Indexed) != len(other.Indexed) {
		return false
	}
	for i := range o.Indexed {
		if o.Indexed[i] != other.Indexed[i] {
			return false
		}
	}
	return o.Fields.Equal(other.Fields)
}

// Refs returns every object ID referenced from the object's fields.
func (o *Object) Refs() []ID {
	var out []ID
	WalkRefs(o.Fields, func(id ID) { out = append(out, id) })
	return out
}

// NewProject builds a project object. Projects own models by reference:
// the models field holds a list of Refs maintained by the depot.
func NewProject(name, description string) *Object {
	o := NewObject(KindProject)
	o.Set(FieldProjectName, String(name))
	o.Set(FieldDescription, String(description))
	o.Set(FieldModels, List{})
	o.Set(FieldCreator, String(currentUser()))
	o.Set(FieldCreatedAt, Time(time.Now().UTC()))
	o.Set(FieldContentHash, Int(int64(ContentHash(String(name)))))
	o.MarkIndexed(FieldProjectName, FieldContentHash)
	return o
}

// NewModel builds a model object belonging to the named project. The
// payload is the stored artifact (opaque to the depot); meta holds the
// model's descriptive fields, every scalar one of which is indexed.
// The content hash covers only the payload, so it survives a move to
// another project and still detects re-adding the same artifact.
func NewModel(projectName string, payload Value, meta Map) *Object {
	o := NewObject(KindModel)
	now := Time(time.Now().UTC())
	o.Set(FieldProjectName, String(projectName))
	o.Set(FieldPayload, payload)
	o.Set(FieldCreator, String(currentUser()))
	o.Set(FieldCreatedAt, now)
	o.Set(FieldContentHash, Int(int64(ContentHash(payload))))
	o.MarkIndexed(FieldProjectName, FieldContentHash, FieldCreatedAt)
	for _, k := range meta.SortedKeys() {
		o.Set(k, meta[k])
		if IsScalar(meta[k]) {
			o.MarkIndexed(k)
		}
	}
	return o
}

// NewRegistry builds the store's project registry: a singleton mapping
// project names to references. Every transaction that adds or removes
// a project name rewrites it, so name uniqueness is settled by the
// commit-time conflict check rather than by an unanchored lookup.
func NewRegistry() *Object {
	o := NewObject(KindRegistry)
	o.Set(FieldProjects, Map{})
	return o
}

// ContentHash produces a deterministic 64-bit hash of the given values,
// stable across processes. Used for duplicate detection of projects and
// models, not for identity: object IDs are store-assigned.
func ContentHash(parts ...Value) uint64 {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	for _, p := range parts {
		hashValue(h, p)
	}
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum)
}

func hashValue(h io.Writer, v Value) {
	var buf [8]byte
	switch v := v.(type) {
	case nil:
		h.Write([]byte{'n'})
	case Int:
		h.Write([]byte{'i'})
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	case Float:
		h.Write([]byte{'f'})
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(float64(v)))
		h.Write(buf[:])
	case Bool:
		if v {
			h.Write([]byte{'t'})
		} else {
			h.Write([]byte{'F'})
		}
	case String:
		h.Write([]byte{'s'})
		h.Write([]byte(v))
		h.Write([]byte{0})
	case Time:
		h.Write([]byte{'d'})
		binary.LittleEndian.PutUint64(buf[:], uint64(time.Time(v).UnixMicro()))
		h.Write(buf[:])
	case Ref:
		h.Write([]byte{'r'})
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	case List:
		h.Write([]byte{'l'})
		for _, e := range v {
			hashValue(h, e)
		}
		h.Write([]byte{0})
	case Map:
		h.Write([]byte{'m'})
		for _, k := range v.SortedKeys() {
			h.Write([]byte(k))
			h.Write([]byte{0})
			hashValue(h, v[k])
		}
		h.Write([]byte{0})
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
