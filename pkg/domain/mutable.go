package domain

import "fmt"

// MutableEntity is the scoped, writable view handed to add and modify
// callbacks. It becomes read-only once the scope closes; later writes fail with
// ErrIllegalModificationState.
type MutableEntity struct {
	typ    *EntityType
	id     EntityID
	source EntitySource
	fields []Value
	sealed bool
}

// NewMutableEntity opens a modification scope over the given field values.
// Passing nil fields starts from all-null values.
func NewMutableEntity(t *EntityType, id EntityID, source EntitySource, fields []Value) *MutableEntity {
	m := &MutableEntity{typ: t, id: id, source: source, fields: make([]Value, len(t.Fields))}
	copy(m.fields, fields)
	return m
}

// Edit opens a modification scope over the current values of e.
func Edit(e *Entity) *MutableEntity {
	return NewMutableEntity(e.typ, e.id, e.source, e.fields)
}

func (m *MutableEntity) ID() EntityID         { return m.id }
func (m *MutableEntity) Type() *EntityType    { return m.typ }
func (m *MutableEntity) Source() EntitySource { return m.source }

// Get returns the current value of the named field.
func (m *MutableEntity) Get(name string) Value {
	i, ok := m.typ.index[name]
	if !ok {
		return Value{}
	}
	return m.fields[i]
}

// Set assigns the named field after checking it against the field descriptor.
func (m *MutableEntity) Set(name string, v Value) error {
	if m.sealed {
		return fmt.Errorf("%w: %s.%s on %s", ErrIllegalModificationState, m.typ.Name, name, m.id)
	}
	i, ok := m.typ.index[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, m.typ.Name, name)
	}
	f := m.typ.Fields[i]
	if v.kind != KindNull && !f.Type.accepts(v) {
		return fmt.Errorf("%w: %s.%s expects %s, got %s", ErrFieldType, m.typ.Name, name, f.Type, v.kind)
	}
	m.fields[i] = v
	return nil
}

func (m *MutableEntity) SetString(name, s string) error { return m.Set(name, StringValue(s)) }
func (m *MutableEntity) SetInt(name string, n int64) error { return m.Set(name, IntValue(n)) }
func (m *MutableEntity) SetBool(name string, b bool) error { return m.Set(name, BoolValue(b)) }
func (m *MutableEntity) SetFloat(name string, f float64) error {
	return m.Set(name, FloatValue(f))
}

// SetParent points the named containment field at parent.
func (m *MutableEntity) SetParent(name string, parent EntityID) error {
	return m.Set(name, ParentValue(parent))
}

// SetRef stores a weak reference in the named field.
func (m *MutableEntity) SetRef(name string, pid PersistentID) error {
	return m.Set(name, RefValue(pid))
}

// SetSource changes the provenance tag of the entity under construction.
func (m *MutableEntity) SetSource(source EntitySource) error {
	if m.sealed {
		return fmt.Errorf("%w: source of %s", ErrIllegalModificationState, m.id)
	}
	m.source = source
	return nil
}

// Seal closes the scope and returns the validated immutable entity.
func (m *MutableEntity) Seal() (*Entity, error) {
	m.sealed = true
	if err := m.typ.Validate(m.fields); err != nil {
		return nil, err
	}
	return &Entity{id: m.id, typ: m.typ, source: m.source, fields: append([]Value(nil), m.fields...)}, nil
}
