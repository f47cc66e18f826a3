// Package entitymodel loads entity type declarations from YAML schema files
// and fingerprints them so incompatible schema edits are caught before
// persisted frames stop loading.
package entitymodel

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"entitygraph/pkg/domain"
)

// Document is the YAML layout of a schema file.
//
//	version: "1"
//	structs:
//	  - name: Coordinates
//	    fields:
//	      - {name: line, type: int}
//	types:
//	  - name: Module
//	    identity: [name]
//	    fields:
//	      - {name: name, type: string}
//	      - {name: tags, type: set<string>}
//	      - {name: at, type: struct<Coordinates>, optional: true}
//	      - {name: owner, type: parent<Project>}
//	      - {name: uses, type: list<ref<Library>>}
type Document struct {
	Version string     `yaml:"version"`
	Structs []TypeDecl `yaml:"structs"`
	Types   []TypeDecl `yaml:"types"`
}

// TypeDecl declares an entity type or an embedded struct.
type TypeDecl struct {
	Name     string      `yaml:"name"`
	Identity []string    `yaml:"identity,omitempty"`
	Fields   []FieldDecl `yaml:"fields"`
}

// FieldDecl declares one field. Type uses the same notation FieldType.String
// produces, with ref<T> accepted as shorthand for persistent_ref<T>.
type FieldDecl struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Schema is a decoded document: entity types in declaration order.
type Schema struct {
	Version string
	Types   []*domain.EntityType
}

// LoadSchema decodes a YAML schema document. The returned types are not
// registered; see Schema.Register.
func LoadSchema(r io.Reader) (*Schema, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return doc.Build()
}

// Build resolves the declarations into entity types. Structs may only use
// structs declared before them.
func (doc Document) Build() (*Schema, error) {
	structs := make(map[string]*domain.ValueType, len(doc.Structs))
	for _, decl := range doc.Structs {
		if _, dup := structs[decl.Name]; dup || decl.Name == "" {
			return nil, fmt.Errorf("struct %q declared twice or unnamed", decl.Name)
		}
		fields, err := buildFields(decl, structs)
		if err != nil {
			return nil, err
		}
		structs[decl.Name] = domain.NewValueType(decl.Name, fields...)
	}

	out := &Schema{Version: doc.Version}
	seen := make(map[string]bool, len(doc.Types))
	for _, decl := range doc.Types {
		if seen[decl.Name] {
			return nil, fmt.Errorf("entity type %s declared twice", decl.Name)
		}
		seen[decl.Name] = true
		fields, err := buildFields(decl, structs)
		if err != nil {
			return nil, err
		}
		t, err := domain.BuildEntityType(decl.Name, decl.Identity, fields...)
		if err != nil {
			return nil, err
		}
		out.Types = append(out.Types, t)
	}
	return out, nil
}

func buildFields(decl TypeDecl, structs map[string]*domain.ValueType) ([]domain.Field, error) {
	fields := make([]domain.Field, 0, len(decl.Fields))
	for _, f := range decl.Fields {
		ft, err := ParseFieldType(f.Type, structs)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", decl.Name, f.Name, err)
		}
		fields = append(fields, domain.Field{Name: f.Name, Type: ft, Optional: f.Optional})
	}
	return fields, nil
}

// ParseFieldType parses a type expression such as "list<struct<Point>>".
func ParseFieldType(expr string, structs map[string]*domain.ValueType) (domain.FieldType, error) {
	expr = strings.TrimSpace(expr)
	head, arg, generic := strings.Cut(expr, "<")
	if generic {
		if !strings.HasSuffix(arg, ">") {
			return domain.FieldType{}, fmt.Errorf("unbalanced type expression %q", expr)
		}
		arg = strings.TrimSpace(strings.TrimSuffix(arg, ">"))
	}
	switch head {
	case "string", "int", "float", "bool":
		if generic {
			return domain.FieldType{}, fmt.Errorf("%s takes no type argument", head)
		}
		kind, err := domain.ParseKind(head)
		if err != nil {
			return domain.FieldType{}, err
		}
		return domain.FieldType{Kind: kind}, nil
	case "list", "set":
		if !generic {
			return domain.FieldType{}, fmt.Errorf("%s needs an element type", head)
		}
		elem, err := ParseFieldType(arg, structs)
		if err != nil {
			return domain.FieldType{}, err
		}
		if head == "set" {
			return domain.SetOf(elem), nil
		}
		return domain.ListOf(elem), nil
	case "struct":
		vt, ok := structs[arg]
		if !ok {
			return domain.FieldType{}, fmt.Errorf("unknown struct %q", arg)
		}
		return domain.StructType(vt), nil
	case "parent":
		if arg == "" {
			return domain.FieldType{}, fmt.Errorf("parent needs a target type")
		}
		return domain.ParentOf(arg), nil
	case "ref", "persistent_ref":
		if arg == "" {
			return domain.FieldType{}, fmt.Errorf("%s needs a target type", head)
		}
		return domain.RefTo(arg), nil
	}
	return domain.FieldType{}, fmt.Errorf("unknown field type %q", expr)
}

// Register adds every type of s to the process registry. Types already
// registered with an identical schema are reused, so the returned slice may
// hold previously registered instances.
func (s *Schema) Register() ([]*domain.EntityType, error) {
	out := make([]*domain.EntityType, 0, len(s.Types))
	for _, t := range s.Types {
		if _, err := domain.Register(t); err != nil {
			return nil, err
		}
		registered, _ := domain.Lookup(t.Name)
		out = append(out, registered)
	}
	return out, nil
}

// Type returns the declared type named name.
func (s *Schema) Type(name string) (*domain.EntityType, bool) {
	for _, t := range s.Types {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}
