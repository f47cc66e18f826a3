package entitymodel

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"

	"entitygraph/pkg/domain"
)

// Fingerprint records the schema hash of every type of a schema. A persisted
// frame can only be decoded by a process whose types share these hashes.
type Fingerprint struct {
	Version string                     `json:"version"`
	Types   map[string]TypeFingerprint `json:"types"`
}

// TypeFingerprint describes one entity type.
type TypeFingerprint struct {
	Hash     string   `json:"hash"`
	Fields   []string `json:"fields"`
	Identity []string `json:"identity,omitempty"`
}

// Fingerprint computes the fingerprint of s.
func (s *Schema) Fingerprint() Fingerprint {
	return ComputeFingerprint(s.Version, s.Types)
}

// ComputeFingerprint fingerprints types.
func ComputeFingerprint(version string, types []*domain.EntityType) Fingerprint {
	fp := Fingerprint{Version: version, Types: make(map[string]TypeFingerprint, len(types))}
	for _, t := range types {
		fields := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			fields[i] = f.Name + ":" + f.Type.String()
			if f.Optional {
				fields[i] += "?"
			}
		}
		fp.Types[t.Name] = TypeFingerprint{
			Hash:     strconv.FormatUint(t.SchemaHash(), 16),
			Fields:   fields,
			Identity: slices.Clone(t.IdentityFields),
		}
	}
	return fp
}

// DiffKind classifies a fingerprint difference.
type DiffKind string

const (
	TypeAdded   DiffKind = "added"
	TypeRemoved DiffKind = "removed"
	TypeChanged DiffKind = "changed"
)

// Difference is one entry of a fingerprint diff.
type Difference struct {
	Type   string
	Kind   DiffKind
	Detail string
}

func (d Difference) String() string {
	if d.Detail == "" {
		return fmt.Sprintf("type %s %s", d.Type, d.Kind)
	}
	return fmt.Sprintf("type %s %s: %s", d.Type, d.Kind, d.Detail)
}

// Breaking reports whether frames written under the old fingerprint stop loading.
func (d Difference) Breaking() bool { return d.Kind != TypeAdded }

// Diff compares baseline against current, ordered by type name.
func Diff(baseline, current Fingerprint) []Difference {
	var out []Difference
	names := slices.Sorted(maps.Keys(baseline.Types))
	for name := range current.Types {
		if _, ok := baseline.Types[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		old, hadOld := baseline.Types[name]
		cur, hasCur := current.Types[name]
		switch {
		case !hadOld:
			out = append(out, Difference{Type: name, Kind: TypeAdded})
		case !hasCur:
			out = append(out, Difference{Type: name, Kind: TypeRemoved})
		case old.Hash != cur.Hash:
			out = append(out, Difference{Type: name, Kind: TypeChanged, Detail: describeChange(old, cur)})
		}
	}
	return out
}

func describeChange(old, cur TypeFingerprint) string {
	for _, f := range old.Fields {
		if !slices.Contains(cur.Fields, f) {
			return "field " + f + " removed or retyped"
		}
	}
	for _, f := range cur.Fields {
		if !slices.Contains(old.Fields, f) {
			return "field " + f + " added"
		}
	}
	if !slices.Equal(old.Identity, cur.Identity) {
		return "identity fields changed"
	}
	if !slices.Equal(old.Fields, cur.Fields) {
		return "fields reordered"
	}
	return "schema hash changed"
}

// LoadFingerprint reads a fingerprint JSON file.
func LoadFingerprint(path string) (Fingerprint, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // fingerprint path is operator supplied
	if err != nil {
		return Fingerprint{}, err
	}
	var fp Fingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return Fingerprint{}, fmt.Errorf("parse fingerprint: %w", err)
	}
	return fp, nil
}

// WriteFingerprint writes fp as indented JSON.
func WriteFingerprint(path string, fp Fingerprint) error {
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write fingerprint: %w", err)
	}
	return nil
}
