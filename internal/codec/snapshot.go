// Package codec round-trips snapshots through a compact binary frame: a
// magic tag and format version followed by a zstd-compressed msgpack body.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/klauspost/compress/zstd"
	ugcodec "github.com/ugorji/go/codec"

	"entitygraph/internal/core"
	"entitygraph/pkg/domain"
)

const (
	magic = "EGSF"
	// FormatVersion is bumped whenever the body layout changes. Version 1
	// frames carry no slot counts; they are derived from the entity ids.
	FormatVersion byte = 2

	// maxTableSlots bounds the id space a frame may declare for one type.
	maxTableSlots = 1 << 26
)

var (
	// ErrInvalidFrame reports data that is not a snapshot frame.
	ErrInvalidFrame = errors.New("invalid snapshot frame")
	// ErrUnsupportedVersion reports a frame written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported snapshot frame version")
)

var msgpack = &ugcodec.MsgpackHandle{}

type wireSnapshot struct {
	Types    []wireType   `codec:"types"`
	Entities []wireEntity `codec:"entities"`
}

type wireType struct {
	Name  string `codec:"name"`
	Hash  uint64 `codec:"hash"`
	Slots int    `codec:"slots,omitempty"`
}

type wireEntity struct {
	Type     int         `codec:"t"`
	Index    uint32      `codec:"i"`
	Kind     string      `codec:"sk"`
	Location string      `codec:"sl,omitempty"`
	Fields   []wireValue `codec:"f"`
}

type wireValue struct {
	Kind    uint8       `codec:"k"`
	Str     string      `codec:"s,omitempty"`
	Int     int64       `codec:"n,omitempty"`
	Float   float64     `codec:"x,omitempty"`
	RefType int         `codec:"rt,omitempty"`
	Ref     uint32      `codec:"r,omitempty"`
	Name    string      `codec:"m,omitempty"`
	Items   []wireValue `codec:"v,omitempty"`
	Set     bool        `codec:"u,omitempty"`
}

// slotCounter is implemented by stores that track handed-out ids.
type slotCounter interface {
	SlotCounts() map[domain.TypeID]int
}

// Serialize encodes every entity of s, keeping ids, fields and sources. The
// number of ids each type has handed out is kept too, so a decoded store
// never reuses the id of an entity removed before the save.
func Serialize(s domain.Storage) ([]byte, error) {
	enc := &encoder{typeIndex: make(map[domain.TypeID]int)}
	if sc, ok := s.(slotCounter); ok {
		counts := sc.SlotCounts()
		for _, id := range slices.Sorted(maps.Keys(counts)) {
			t := domain.TypeByID(id)
			if t == nil {
				return nil, fmt.Errorf("serialize: unregistered type %d", id)
			}
			enc.reserve(enc.typeRef(t), counts[id])
		}
	}
	for e := range s.All() {
		ti := enc.typeRef(e.Type())
		enc.reserve(ti, int(e.ID().Index)+1)
		we := wireEntity{
			Type:     ti,
			Index:    e.ID().Index,
			Kind:     e.Source().Kind,
			Location: e.Source().Location,
			Fields:   make([]wireValue, len(e.Type().Fields)),
		}
		for i := range e.Type().Fields {
			wv, err := enc.value(e.Field(i))
			if err != nil {
				return nil, fmt.Errorf("serialize %s: %w", e.ID(), err)
			}
			we.Fields[i] = wv
		}
		enc.body.Entities = append(enc.body.Entities, we)
	}

	var raw []byte
	if err := ugcodec.NewEncoderBytes(&raw, msgpack).Encode(&enc.body); err != nil {
		return nil, fmt.Errorf("serialize: encode body: %w", err)
	}
	zw, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	defer zw.Close()

	out := make([]byte, 0, len(magic)+1+len(raw)/2)
	out = append(out, magic...)
	out = append(out, FormatVersion)
	return zw.EncodeAll(raw, out), nil
}

type encoder struct {
	body      wireSnapshot
	typeIndex map[domain.TypeID]int
}

func (enc *encoder) typeRef(t *domain.EntityType) int {
	if i, ok := enc.typeIndex[t.ID()]; ok {
		return i
	}
	i := len(enc.body.Types)
	enc.body.Types = append(enc.body.Types, wireType{Name: t.Name, Hash: t.SchemaHash()})
	enc.typeIndex[t.ID()] = i
	return i
}

func (enc *encoder) reserve(ti, slots int) {
	if t := &enc.body.Types[ti]; slots > t.Slots {
		t.Slots = slots
	}
}

func (enc *encoder) value(v domain.Value) (wireValue, error) {
	wv := wireValue{Kind: uint8(v.Kind())}
	switch v.Kind() {
	case domain.KindNull:
	case domain.KindString:
		wv.Str = v.Str()
	case domain.KindInt, domain.KindBool:
		wv.Int = v.Int()
	case domain.KindFloat:
		wv.Float = v.Float()
	case domain.KindParent:
		id, _ := v.EntityID()
		t := domain.TypeByID(id.Type)
		if t == nil {
			return wv, fmt.Errorf("parent reference to unregistered type %d", id.Type)
		}
		wv.RefType = enc.typeRef(t)
		wv.Ref = id.Index
	case domain.KindPersistentRef:
		pid, _ := v.PersistentID()
		wv.Name, wv.Str = pid.Type, pid.Key
	case domain.KindStruct, domain.KindList:
		wv.Set = v.Unordered()
		wv.Items = make([]wireValue, v.Len())
		for i := range v.Len() {
			item, err := enc.value(v.Item(i))
			if err != nil {
				return wv, err
			}
			wv.Items[i] = item
		}
	default:
		return wv, fmt.Errorf("unsupported value kind %s", v.Kind())
	}
	return wv, nil
}

// Deserialize decodes a frame produced by Serialize. Types are matched by
// name against the process registry; a missing type or a schema hash
// mismatch fails with domain.ErrSchemaIncompatible.
func Deserialize(data []byte) (*core.Snapshot, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], []byte(magic)) {
		return nil, ErrInvalidFrame
	}
	version := data[len(magic)]
	if version == 0 || version > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("deserialize: %w", err)
	}
	defer zr.Close()
	raw, err := zr.DecodeAll(data[len(magic)+1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	var body wireSnapshot
	if err := ugcodec.NewDecoderBytes(raw, msgpack).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	types := make([]*domain.EntityType, len(body.Types))
	for i, wt := range body.Types {
		t, ok := domain.Lookup(wt.Name)
		if !ok {
			return nil, &domain.SchemaIncompatibleError{Type: wt.Name, Got: wt.Hash}
		}
		if t.SchemaHash() != wt.Hash {
			return nil, &domain.SchemaIncompatibleError{Type: wt.Name, Want: t.SchemaHash(), Got: wt.Hash}
		}
		types[i] = t
	}

	for _, we := range body.Entities {
		if we.Type < 0 || we.Type >= len(types) {
			return nil, fmt.Errorf("%w: entity type index %d", ErrInvalidFrame, we.Type)
		}
	}
	slots := make([]int, len(types))
	for i, wt := range body.Types {
		slots[i] = wt.Slots
	}
	if version == 1 {
		for _, we := range body.Entities {
			slots[we.Type] = max(slots[we.Type], int(we.Index)+1)
		}
	}

	dec := decoder{types: types}
	b := core.NewBuilder(core.WithBuilderMetrics(core.NoopMetrics{}))
	for i, t := range types {
		if slots[i] < 0 || slots[i] > maxTableSlots {
			return nil, fmt.Errorf("%w: %s declares %d slots", ErrInvalidFrame, t.Name, slots[i])
		}
		if err := b.Reserve(t, slots[i]); err != nil {
			return nil, fmt.Errorf("deserialize: %w", err)
		}
	}
	for _, we := range body.Entities {
		t := types[we.Type]
		if int(we.Index) >= slots[we.Type] {
			return nil, fmt.Errorf("%w: %s index %d outside %d slots", ErrInvalidFrame, t.Name, we.Index, slots[we.Type])
		}
		if len(we.Fields) != len(t.Fields) {
			return nil, fmt.Errorf("%w: %s carries %d fields", ErrInvalidFrame, t.Name, len(we.Fields))
		}
		fields := make([]domain.Value, len(t.Fields))
		for i, f := range t.Fields {
			v, err := dec.value(we.Fields[i], f.Type)
			if err != nil {
				return nil, fmt.Errorf("deserialize %s.%s: %w", t.Name, f.Name, err)
			}
			fields[i] = v
		}
		id := domain.EntityID{Type: t.ID(), Index: we.Index}
		e, err := domain.NewEntity(t, id, domain.EntitySource{Kind: we.Kind, Location: we.Location}, fields)
		if err != nil {
			return nil, fmt.Errorf("deserialize %s: %w", id, err)
		}
		if err := b.Restore(e); err != nil {
			return nil, fmt.Errorf("deserialize: %w", err)
		}
	}
	snap := b.ToSnapshot()
	if err := snap.CheckConsistency(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return snap, nil
}

type decoder struct {
	types []*domain.EntityType
}

func (dec decoder) value(wv wireValue, ft domain.FieldType) (domain.Value, error) {
	kind := domain.Kind(wv.Kind)
	if kind == domain.KindNull {
		return domain.Null(), nil
	}
	if kind != ft.Kind {
		return domain.Value{}, fmt.Errorf("%w: got %s, want %s", domain.ErrFieldType, kind, ft)
	}
	switch kind {
	case domain.KindString:
		return domain.StringValue(wv.Str), nil
	case domain.KindInt:
		return domain.IntValue(wv.Int), nil
	case domain.KindBool:
		return domain.BoolValue(wv.Int != 0), nil
	case domain.KindFloat:
		return domain.FloatValue(wv.Float), nil
	case domain.KindParent:
		if wv.RefType < 0 || wv.RefType >= len(dec.types) {
			return domain.Value{}, fmt.Errorf("%w: parent type index %d", ErrInvalidFrame, wv.RefType)
		}
		return domain.ParentValue(domain.EntityID{Type: dec.types[wv.RefType].ID(), Index: wv.Ref}), nil
	case domain.KindPersistentRef:
		return domain.RefValue(domain.PersistentID{Type: wv.Name, Key: wv.Str}), nil
	case domain.KindStruct:
		if len(wv.Items) != len(ft.Struct.Fields) {
			return domain.Value{}, fmt.Errorf("%w: %s carries %d fields", ErrInvalidFrame, ft.Struct.Name, len(wv.Items))
		}
		items := make([]domain.Value, len(wv.Items))
		for i, f := range ft.Struct.Fields {
			v, err := dec.value(wv.Items[i], f.Type)
			if err != nil {
				return domain.Value{}, err
			}
			items[i] = v
		}
		return domain.StructValue(ft.Struct, items...), nil
	case domain.KindList:
		items := make([]domain.Value, len(wv.Items))
		for i, item := range wv.Items {
			v, err := dec.value(item, *ft.Elem)
			if err != nil {
				return domain.Value{}, err
			}
			items[i] = v
		}
		if wv.Set {
			return domain.SetValue(items...), nil
		}
		return domain.ListValue(items...), nil
	}
	return domain.Value{}, fmt.Errorf("%w: value kind %d", ErrInvalidFrame, wv.Kind)
}
