// Package domain defines the entity model shared by every entitygraph
// component: entity types and their field descriptors, immutable entity
// values, identifiers, provenance tags, change records and the read-only
// storage contract implemented by snapshots and builders.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Kind identifies the shape of a field or value.
type Kind uint8

// Supported field and value kinds.
const (
	// KindNull is the zero value; only valid for optional fields.
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	// KindStruct is an embedded value type.
	KindStruct
	// KindList holds an ordered (or set-like) list of one element type.
	KindList
	// KindParent is a strong containment reference from child to parent.
	KindParent
	// KindPersistentRef is a weak reference resolved by persistent id.
	KindPersistentRef
)

var kindNames = [...]string{
	KindNull:          "null",
	KindString:        "string",
	KindInt:           "int",
	KindFloat:         "float",
	KindBool:          "bool",
	KindStruct:        "struct",
	KindList:          "list",
	KindParent:        "parent",
	KindPersistentRef: "persistent_ref",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind converts a kind name back into a Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return KindNull, fmt.Errorf("unknown field kind %q", name)
}

// FieldType describes the type of a field or list element.
type FieldType struct {
	Kind Kind
	// Elem is the element type when Kind is KindList.
	Elem *FieldType
	// Struct is the embedded value type when Kind is KindStruct.
	Struct *ValueType
	// Target names the referenced entity type for KindParent and KindPersistentRef.
	Target string
	// Unordered marks a list as set-like: equality and hashing ignore element order.
	Unordered bool
}

// Primitive field type helpers.
var (
	StringType = FieldType{Kind: KindString}
	IntType    = FieldType{Kind: KindInt}
	FloatType  = FieldType{Kind: KindFloat}
	BoolType   = FieldType{Kind: KindBool}
)

// ListOf returns an ordered list type of elem.
func ListOf(elem FieldType) FieldType {
	e := elem
	return FieldType{Kind: KindList, Elem: &e}
}

// SetOf returns a set-like list type of elem.
func SetOf(elem FieldType) FieldType {
	e := elem
	return FieldType{Kind: KindList, Elem: &e, Unordered: true}
}

// StructType returns a field type embedding vt.
func StructType(vt *ValueType) FieldType {
	return FieldType{Kind: KindStruct, Struct: vt}
}

// ParentOf returns a containment reference to an entity of the named type.
func ParentOf(target string) FieldType {
	return FieldType{Kind: KindParent, Target: target}
}

// RefTo returns a weak persistent-id reference to an entity of the named type.
func RefTo(target string) FieldType {
	return FieldType{Kind: KindPersistentRef, Target: target}
}

func (ft FieldType) String() string {
	switch ft.Kind {
	case KindList:
		prefix := "list"
		if ft.Unordered {
			prefix = "set"
		}
		if ft.Elem == nil {
			return prefix + "<?>"
		}
		return prefix + "<" + ft.Elem.String() + ">"
	case KindStruct:
		if ft.Struct == nil {
			return "struct<?>"
		}
		return "struct<" + ft.Struct.Name + ">"
	case KindParent, KindPersistentRef:
		return ft.Kind.String() + "<" + ft.Target + ">"
	default:
		return ft.Kind.String()
	}
}

// accepts reports whether v is a valid, non-null instance of ft.
func (ft FieldType) accepts(v Value) bool {
	if v.kind != ft.Kind {
		return false
	}
	switch ft.Kind {
	case KindList:
		for _, item := range v.items {
			if item.kind == KindNull || !ft.Elem.accepts(item) {
				return false
			}
		}
		return true
	case KindStruct:
		if ft.Struct == nil || v.name != ft.Struct.Name || len(v.items) != len(ft.Struct.Fields) {
			return false
		}
		for i, f := range ft.Struct.Fields {
			if !f.accepts(v.items[i]) {
				return false
			}
		}
		return true
	case KindPersistentRef:
		return ft.Target == "" || v.name == ft.Target
	default:
		return true
	}
}

func (ft FieldType) validate(path string, allowParent bool) error {
	switch ft.Kind {
	case KindNull:
		return fmt.Errorf("%s: field type must not be null", path)
	case KindList:
		if ft.Elem == nil {
			return fmt.Errorf("%s: list without element type", path)
		}
		return ft.Elem.validate(path+"[]", false)
	case KindStruct:
		if ft.Struct == nil {
			return fmt.Errorf("%s: struct without value type", path)
		}
		for _, f := range ft.Struct.Fields {
			if err := f.Type.validate(path+"."+f.Name, false); err != nil {
				return err
			}
		}
	case KindParent:
		if !allowParent {
			return fmt.Errorf("%s: parent references are only allowed as top-level fields", path)
		}
		if ft.Target == "" {
			return fmt.Errorf("%s: parent reference without target type", path)
		}
	case KindPersistentRef:
		if ft.Target == "" {
			return fmt.Errorf("%s: persistent reference without target type", path)
		}
	}
	return nil
}

// Field is a named, typed slot of an entity type or value type.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
}

func (f Field) accepts(v Value) bool {
	if v.kind == KindNull {
		return f.Optional
	}
	return f.Type.accepts(v)
}

// ValueType is an embedded (non-entity) record type.
type ValueType struct {
	Name   string
	Fields []Field
}

// NewValueType declares an embedded value type.
func NewValueType(name string, fields ...Field) *ValueType {
	return &ValueType{Name: name, Fields: append([]Field(nil), fields...)}
}

// FieldIndex returns the position of the named field.
func (vt *ValueType) FieldIndex(name string) (int, bool) {
	for i, f := range vt.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// TypeID is the process-wide handle of a registered entity type. Zero means unregistered.
type TypeID uint32

// EntityType is a named entity schema.
type EntityType struct {
	Name   string
	Fields []Field
	// IdentityFields name the fields the persistent id is computed from. Empty
	// means the type has no persistent id.
	IdentityFields []string

	id       TypeID
	index    map[string]int
	identity []int
	parents  []int

	hashOnce sync.Once
	hash     uint64
}

// NewEntityType declares an entity type. It panics on malformed declarations
// since those are programmer errors; use BuildEntityType for untrusted input.
func NewEntityType(name string, fields ...Field) *EntityType {
	t, err := BuildEntityType(name, nil, fields...)
	if err != nil {
		panic(err)
	}
	return t
}

// BuildEntityType declares an entity type with the given identity fields.
func BuildEntityType(name string, identity []string, fields ...Field) (*EntityType, error) {
	t := &EntityType{
		Name:           name,
		Fields:         append([]Field(nil), fields...),
		IdentityFields: append([]string(nil), identity...),
	}
	if err := t.init(); err != nil {
		return nil, err
	}
	return t, nil
}

// WithIdentity returns t after declaring its persistent-id fields. It panics
// on unknown field names.
func (t *EntityType) WithIdentity(fields ...string) *EntityType {
	if t.id != 0 {
		panic(fmt.Sprintf("entity type %s: identity changed after registration", t.Name))
	}
	t.IdentityFields = append([]string(nil), fields...)
	if err := t.init(); err != nil {
		panic(err)
	}
	return t
}

func (t *EntityType) init() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("entity type name required")
	}
	t.index = make(map[string]int, len(t.Fields))
	t.parents = t.parents[:0]
	for i, f := range t.Fields {
		if f.Name == "" {
			return fmt.Errorf("entity type %s: field %d has no name", t.Name, i)
		}
		if _, dup := t.index[f.Name]; dup {
			return fmt.Errorf("entity type %s: duplicate field %s", t.Name, f.Name)
		}
		if err := f.Type.validate(t.Name+"."+f.Name, true); err != nil {
			return err
		}
		t.index[f.Name] = i
		if f.Type.Kind == KindParent {
			t.parents = append(t.parents, i)
		}
	}
	t.identity = t.identity[:0]
	for _, name := range t.IdentityFields {
		i, ok := t.index[name]
		if !ok {
			return fmt.Errorf("entity type %s: identity field %s not declared", t.Name, name)
		}
		switch t.Fields[i].Type.Kind {
		case KindParent:
			return fmt.Errorf("entity type %s: identity field %s must not be a parent reference", t.Name, name)
		}
		t.identity = append(t.identity, i)
	}
	return nil
}

// ID returns the registry handle, zero when the type was never registered.
func (t *EntityType) ID() TypeID { return t.id }

// HasPersistentID reports whether entities of t carry a persistent id.
func (t *EntityType) HasPersistentID() bool { return len(t.identity) > 0 }

// FieldIndex returns the position of the named field.
func (t *EntityType) FieldIndex(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// ParentFields returns the positions of the containment reference fields.
func (t *EntityType) ParentFields() []int { return t.parents }

// Validate checks that fields form a complete, well-typed instance of t.
func (t *EntityType) Validate(fields []Value) error {
	if len(fields) != len(t.Fields) {
		return fmt.Errorf("%w: %s expects %d fields, got %d", ErrFieldType, t.Name, len(t.Fields), len(fields))
	}
	for i, f := range t.Fields {
		if !f.accepts(fields[i]) {
			return fmt.Errorf("%w: %s.%s expects %s, got %s", ErrFieldType, t.Name, f.Name, f.Type, fields[i].kind)
		}
	}
	return nil
}

func (t *EntityType) String() string { return t.Name }

// EntityID identifies an entity within one builder lineage. Indices are never reused.
type EntityID struct {
	Type  TypeID
	Index uint32
}

// IsZero reports whether id is unset.
func (id EntityID) IsZero() bool { return id.Type == 0 }

func (id EntityID) String() string {
	if t := TypeByID(id.Type); t != nil {
		return t.Name + "#" + strconv.FormatUint(uint64(id.Index), 10)
	}
	return "type" + strconv.FormatUint(uint64(id.Type), 10) + "#" + strconv.FormatUint(uint64(id.Index), 10)
}

// EntitySource tags an entity with its provenance, e.g. the file it was
// loaded from or the UI action that created it.
type EntitySource struct {
	Kind     string
	Location string
}

// Source returns a provenance tag without a location.
func Source(kind string) EntitySource { return EntitySource{Kind: kind} }

// FileSource returns a provenance tag pointing at a file.
func FileSource(path string) EntitySource { return EntitySource{Kind: "file", Location: path} }

func (s EntitySource) String() string {
	if s.Location == "" {
		return s.Kind
	}
	return s.Kind + ":" + s.Location
}

// SourceFilter selects entity sources.
type SourceFilter func(EntitySource) bool

// SourceIs matches exactly the given sources.
func SourceIs(sources ...EntitySource) SourceFilter {
	return func(s EntitySource) bool {
		for _, candidate := range sources {
			if candidate == s {
				return true
			}
		}
		return false
	}
}

// AnySource matches every source.
func AnySource(EntitySource) bool { return true }

// PersistentID is a content-derived identity: the entity type name plus a
// canonical encoding of the identity field values.
type PersistentID struct {
	Type string
	Key  string
}

// NewPersistentID builds a persistent id for a single-field identity.
func NewPersistentID(typeName, key string) PersistentID {
	return PersistentID{Type: typeName, Key: key}
}

func (p PersistentID) String() string { return p.Type + "(" + p.Key + ")" }

// IsZero reports whether p is unset.
func (p PersistentID) IsZero() bool { return p.Type == "" }

// Entity is an immutable record. Modifying an entity inside a builder yields a
// new Entity value with the same ID; holders of the old value keep seeing the
// old fields.
type Entity struct {
	id     EntityID
	typ    *EntityType
	source EntitySource
	fields []Value
}

// NewEntity assembles an immutable entity after validating fields against t.
// Stores use it to rebuild entities; hosts create entities through a builder.
func NewEntity(t *EntityType, id EntityID, source EntitySource, fields []Value) (*Entity, error) {
	if err := t.Validate(fields); err != nil {
		return nil, err
	}
	return &Entity{id: id, typ: t, source: source, fields: append([]Value(nil), fields...)}, nil
}

func (e *Entity) ID() EntityID         { return e.id }
func (e *Entity) Type() *EntityType    { return e.typ }
func (e *Entity) Source() EntitySource { return e.source }

// Fields returns a copy of the field values in declaration order.
func (e *Entity) Fields() []Value { return append([]Value(nil), e.fields...) }

// Field returns the value at position i.
func (e *Entity) Field(i int) Value { return e.fields[i] }

// Get returns the named field, or a null value when the field is unknown.
func (e *Entity) Get(name string) Value {
	i, ok := e.typ.index[name]
	if !ok {
		return Value{}
	}
	return e.fields[i]
}

// StringField returns the named string field.
func (e *Entity) StringField(name string) string { return e.Get(name).Str() }

// IntField returns the named int field.
func (e *Entity) IntField(name string) int64 { return e.Get(name).Int() }

// BoolField returns the named bool field.
func (e *Entity) BoolField(name string) bool { return e.Get(name).Bool() }

// ParentID returns the containment reference stored in the named field.
func (e *Entity) ParentID(name string) (EntityID, bool) {
	v := e.Get(name)
	if v.kind != KindParent {
		return EntityID{}, false
	}
	return v.ref, true
}

// Ref returns the weak reference stored in the named field.
func (e *Entity) Ref(name string) (PersistentID, bool) {
	return e.Get(name).PersistentID()
}

// PersistentID computes the content-derived identity of e.
func (e *Entity) PersistentID() (PersistentID, bool) {
	if len(e.typ.identity) == 0 {
		return PersistentID{}, false
	}
	return persistentIDOf(e.typ, e.fields), true
}

func persistentIDOf(t *EntityType, fields []Value) PersistentID {
	if len(t.identity) == 1 {
		v := fields[t.identity[0]]
		if v.kind == KindString {
			return PersistentID{Type: t.Name, Key: v.str}
		}
		return PersistentID{Type: t.Name, Key: v.canonical()}
	}
	parts := make([]string, len(t.identity))
	for i, idx := range t.identity {
		parts[i] = fields[idx].canonical()
	}
	return PersistentID{Type: t.Name, Key: strings.Join(parts, ",")}
}

// Parents returns the containment references held by e.
func (e *Entity) Parents() []EntityID {
	var out []EntityID
	for _, i := range e.typ.parents {
		if v := e.fields[i]; v.kind == KindParent {
			out = append(out, v.ref)
		}
	}
	return out
}

// PersistentRefs returns every weak reference held by e, including ones nested in lists and structs.
func (e *Entity) PersistentRefs() []PersistentID {
	var out []PersistentID
	for _, v := range e.fields {
		out = v.collectRefs(out)
	}
	return out
}

// EqualByProperties compares type and field values, ignoring id and source.
func (e *Entity) EqualByProperties(other *Entity) bool {
	if e == other {
		return true
	}
	if e == nil || other == nil || !SameType(e.typ, other.typ) {
		return false
	}
	for i := range e.fields {
		if !e.fields[i].Equal(other.fields[i]) {
			return false
		}
	}
	return true
}

// WithSource returns a copy of e carrying a different source.
func (e *Entity) WithSource(source EntitySource) *Entity {
	cp := *e
	cp.source = source
	return &cp
}

func (e *Entity) GoString() string {
	var b strings.Builder
	b.WriteString(e.id.String())
	b.WriteString("{")
	for i, f := range e.typ.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(e.fields[i].canonical())
	}
	b.WriteString("} @")
	b.WriteString(e.source.String())
	return b.String()
}
