package domain

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// typeTable is an immutable view of the registry published for lock-free reads.
type typeTable struct {
	byID   []*EntityType
	byName map[string]*EntityType
}

var (
	registryMu sync.Mutex
	registry   atomic.Pointer[typeTable]
)

func init() {
	registry.Store(&typeTable{byID: []*EntityType{nil}, byName: map[string]*EntityType{}})
}

// Register adds t to the process-wide registry and assigns its TypeID.
// Registering a structurally identical schema under an existing name is
// idempotent: t adopts the existing TypeID. A different schema under the same
// name fails with a *SchemaIncompatibleError.
func Register(t *EntityType) (TypeID, error) {
	if t == nil {
		return 0, fmt.Errorf("register: nil entity type")
	}
	if t.id != 0 {
		return t.id, nil
	}
	if t.index == nil {
		if err := t.init(); err != nil {
			return 0, err
		}
	}
	registryMu.Lock()
	defer registryMu.Unlock()

	current := registry.Load()
	if existing, ok := current.byName[t.Name]; ok {
		if existing.SchemaHash() != t.SchemaHash() {
			return 0, &SchemaIncompatibleError{Type: t.Name, Want: existing.SchemaHash(), Got: t.SchemaHash()}
		}
		t.id = existing.id
		return t.id, nil
	}

	next := &typeTable{
		byID:   append(slices.Clip(current.byID), t),
		byName: make(map[string]*EntityType, len(current.byName)+1),
	}
	for name, et := range current.byName {
		next.byName[name] = et
	}
	t.id = TypeID(len(next.byID) - 1)
	next.byName[t.Name] = t
	registry.Store(next)
	return t.id, nil
}

// MustRegister registers t and panics on failure.
func MustRegister(t *EntityType) *EntityType {
	if _, err := Register(t); err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the registered entity type with the given name.
func Lookup(name string) (*EntityType, bool) {
	t, ok := registry.Load().byName[name]
	return t, ok
}

// TypeByID returns the registered entity type for id, or nil.
func TypeByID(id TypeID) *EntityType {
	table := registry.Load()
	if id == 0 || int(id) >= len(table.byID) {
		return nil
	}
	return table.byID[id]
}

// RegisteredTypes lists every registered entity type ordered by TypeID.
func RegisteredTypes() []*EntityType {
	table := registry.Load()
	return append([]*EntityType(nil), table.byID[1:]...)
}

// SameType reports whether a and b describe the same registered type.
func SameType(a, b *EntityType) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.id != 0 && a.id == b.id {
		return true
	}
	return a.Name == b.Name && a.SchemaHash() == b.SchemaHash()
}

// SchemaHash returns the structural hash of t: field names, kinds, nesting and
// order. Element order of set-like value types does not contribute. The value
// is computed once per type.
func (t *EntityType) SchemaHash() uint64 {
	t.hashOnce.Do(func() {
		t.hash = xxhash.Sum64String(t.SchemaString())
	})
	return t.hash
}

// SchemaString renders the canonical schema description the hash is computed from.
func (t *EntityType) SchemaString() string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteString("{")
	b.WriteString(describeFields(t.Fields, false))
	b.WriteString("}")
	if len(t.IdentityFields) > 0 {
		b.WriteString(" id(")
		b.WriteString(strings.Join(t.IdentityFields, ","))
		b.WriteString(")")
	}
	return b.String()
}

func describeFields(fields []Field, unordered bool) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		s := f.Name + ":" + describeType(f.Type)
		if f.Optional {
			s += "?"
		}
		parts[i] = s
	}
	if unordered {
		slices.Sort(parts)
	}
	return strings.Join(parts, ";")
}

func describeType(ft FieldType) string {
	switch ft.Kind {
	case KindList:
		if ft.Unordered {
			if ft.Elem.Kind == KindStruct && ft.Elem.Struct != nil {
				return "set<" + ft.Elem.Struct.Name + "{" + describeFields(ft.Elem.Struct.Fields, true) + "}>"
			}
			return "set<" + describeType(*ft.Elem) + ">"
		}
		return "list<" + describeType(*ft.Elem) + ">"
	case KindStruct:
		return ft.Struct.Name + "{" + describeFields(ft.Struct.Fields, false) + "}"
	default:
		return ft.String()
	}
}
