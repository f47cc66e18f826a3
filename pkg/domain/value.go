package domain

import (
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Value is an immutable field value. The zero Value is null.
type Value struct {
	kind      Kind
	str       string
	num       int64
	flt       float64
	ref       EntityID
	name      string
	vt        *ValueType
	items     []Value
	unordered bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// IntValue wraps n.
func IntValue(n int64) Value { return Value{kind: KindInt, num: n} }

// FloatValue wraps f. Negative zero is stored as zero and every NaN as the
// same NaN, so that equal values hash alike.
func FloatValue(f float64) Value {
	switch {
	case f == 0:
		f = 0
	case math.IsNaN(f):
		f = math.NaN()
	}
	return Value{kind: KindFloat, flt: f}
}

// BoolValue wraps b.
func BoolValue(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// ListValue builds an ordered list.
func ListValue(items ...Value) Value {
	return Value{kind: KindList, items: append([]Value(nil), items...)}
}

// SetValue builds a set-like list; element order is irrelevant for equality.
func SetValue(items ...Value) Value {
	return Value{kind: KindList, items: append([]Value(nil), items...), unordered: true}
}

// StructValue builds an embedded value of type vt with fields in declaration order.
func StructValue(vt *ValueType, fields ...Value) Value {
	return Value{kind: KindStruct, name: vt.Name, vt: vt, items: append([]Value(nil), fields...)}
}

// ParentValue references a containing entity.
func ParentValue(id EntityID) Value { return Value{kind: KindParent, ref: id} }

// RefValue references an entity by persistent id.
func RefValue(pid PersistentID) Value {
	return Value{kind: KindPersistentRef, name: pid.Type, str: pid.Key}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) Str() string    { return v.str }
func (v Value) Int() int64     { return v.num }
func (v Value) Float() float64 { return v.flt }
func (v Value) Bool() bool     { return v.kind == KindBool && v.num != 0 }

// Len returns the number of list elements or struct fields.
func (v Value) Len() int { return len(v.items) }

// Item returns the i-th list element or struct field.
func (v Value) Item(i int) Value { return v.items[i] }

// Items returns a copy of the list elements or struct fields.
func (v Value) Items() []Value { return append([]Value(nil), v.items...) }

// Unordered reports whether a list value is set-like.
func (v Value) Unordered() bool { return v.unordered }

// StructType returns the embedded value type of a struct value.
func (v Value) StructType() *ValueType { return v.vt }

// StructName returns the value type name of a struct value.
func (v Value) StructName() string {
	if v.kind != KindStruct {
		return ""
	}
	return v.name
}

// FieldByName returns the named field of a struct value.
func (v Value) FieldByName(name string) Value {
	if v.kind != KindStruct || v.vt == nil {
		return Value{}
	}
	i, ok := v.vt.FieldIndex(name)
	if !ok {
		return Value{}
	}
	return v.items[i]
}

// EntityID returns the referenced parent id of a parent value.
func (v Value) EntityID() (EntityID, bool) {
	if v.kind != KindParent {
		return EntityID{}, false
	}
	return v.ref, true
}

// PersistentID returns the referenced id of a weak reference value.
func (v Value) PersistentID() (PersistentID, bool) {
	if v.kind != KindPersistentRef {
		return PersistentID{}, false
	}
	return PersistentID{Type: v.name, Key: v.str}, true
}

// Equal compares values structurally. Set-like lists compare as multisets.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindInt, KindBool:
		return v.num == o.num
	case KindFloat:
		// NaN equals NaN here; FloatValue canonicalises both.
		return v.flt == o.flt || (math.IsNaN(v.flt) && math.IsNaN(o.flt))
	case KindParent:
		return v.ref == o.ref
	case KindPersistentRef:
		return v.name == o.name && v.str == o.str
	case KindStruct:
		if v.name != o.name || len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindList:
		if v.unordered != o.unordered || len(v.items) != len(o.items) {
			return false
		}
		if v.unordered {
			return slices.Equal(v.sortedItems(), o.sortedItems())
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Hash returns a structural hash consistent with Equal.
func (v Value) Hash() uint64 {
	d := xxhash.New()
	v.writeCanonical(d)
	return d.Sum64()
}

func (v Value) String() string { return v.canonical() }

func (v Value) canonical() string {
	var b strings.Builder
	v.writeCanonical(&b)
	return b.String()
}

func (v Value) sortedItems() []string {
	out := make([]string, len(v.items))
	for i, item := range v.items {
		out[i] = item.canonical()
	}
	slices.Sort(out)
	return out
}

func (v Value) writeCanonical(w io.StringWriter) {
	switch v.kind {
	case KindNull:
		_, _ = w.WriteString("~")
	case KindString:
		_, _ = w.WriteString(strconv.Quote(v.str))
	case KindInt:
		_, _ = w.WriteString(strconv.FormatInt(v.num, 10))
	case KindFloat:
		_, _ = w.WriteString("f" + strconv.FormatFloat(v.flt, 'g', -1, 64))
	case KindBool:
		_, _ = w.WriteString(strconv.FormatBool(v.num != 0))
	case KindParent:
		_, _ = w.WriteString("@" + strconv.FormatUint(uint64(v.ref.Type), 10) + "#" + strconv.FormatUint(uint64(v.ref.Index), 10))
	case KindPersistentRef:
		_, _ = w.WriteString("&" + v.name + "(" + strconv.Quote(v.str) + ")")
	case KindStruct:
		_, _ = w.WriteString(v.name + "{")
		for i, item := range v.items {
			if i > 0 {
				_, _ = w.WriteString(",")
			}
			item.writeCanonical(w)
		}
		_, _ = w.WriteString("}")
	case KindList:
		if v.unordered {
			_, _ = w.WriteString("set[" + strings.Join(v.sortedItems(), ",") + "]")
			return
		}
		_, _ = w.WriteString("[")
		for i, item := range v.items {
			if i > 0 {
				_, _ = w.WriteString(",")
			}
			item.writeCanonical(w)
		}
		_, _ = w.WriteString("]")
	}
}

func (v Value) collectRefs(out []PersistentID) []PersistentID {
	switch v.kind {
	case KindPersistentRef:
		out = append(out, PersistentID{Type: v.name, Key: v.str})
	case KindStruct, KindList:
		for _, item := range v.items {
			out = item.collectRefs(out)
		}
	}
	return out
}
