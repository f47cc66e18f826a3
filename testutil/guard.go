// Package testutil provides test helpers that enforce the layering of the
// entitygraph module: the entity model stays free of storage code and frame
// stores never reach back into the snapshot core.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

// ImportRule names a forbidden set of import paths.
type ImportRule struct {
	Reason    string
	Forbidden func(importPath string) bool
}

// NoInternal forbids every package below an internal/ directory.
var NoInternal = ImportRule{
	Reason: "public packages must not depend on internal packages",
	Forbidden: func(path string) bool {
		return strings.Contains(path, "/internal/") || strings.HasPrefix(path, "internal/")
	},
}

// NoCore forbids the snapshot core and the codec built on it.
var NoCore = ImportRule{
	Reason: "frame stores persist opaque frames and must not depend on the snapshot core",
	Forbidden: func(path string) bool {
		return strings.HasSuffix(path, "/internal/core") || strings.HasSuffix(path, "/internal/codec")
	},
}

// storageModules are module prefixes of database drivers and cloud SDKs.
var storageModules = []string{
	"modernc.org/sqlite",
	"github.com/jackc/pgx",
	"github.com/aws/aws-sdk-go-v2",
	"database/sql",
}

// NoStorageDrivers forbids database drivers and cloud SDKs.
var NoStorageDrivers = ImportRule{
	Reason: "the entity model must stay independent of storage backends",
	Forbidden: func(path string) bool {
		return slices.ContainsFunc(storageModules, func(prefix string) bool {
			return path == prefix || strings.HasPrefix(path, prefix+"/")
		})
	},
}

// AssertNoTransitiveDependency runs `go list -deps` on pattern and fails if
// any dependency matches rule.
func AssertNoTransitiveDependency(t testing.TB, pattern string, rule ImportRule) {
	t.Helper()
	out, err := goListDeps(pattern)
	if err != nil {
		t.Fatalf("go list failed: %v\n%s", err, string(out))
	}
	report(t, "transitive dependency", rule, matching(strings.Split(string(out), "\n"), rule))
}

// AssertNoDirectImports parses the non-test Go files of every dir and fails
// if an import matches rule. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, rule ImportRule, dirs ...string) {
	t.Helper()
	var viols []string
	for _, dir := range dirs {
		found, err := directImports(dir, rule)
		if err != nil {
			t.Fatalf("scan %s: %v", dir, err)
		}
		viols = append(viols, found...)
	}
	report(t, "direct import", rule, viols)
}

var goListDeps = func(pattern string) ([]byte, error) {
	return exec.Command("go", "list", "-deps", pattern).CombinedOutput()
}

func matching(lines []string, rule ImportRule) []string {
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" && rule.Forbidden(line) {
			out = append(out, line)
		}
	}
	return out
}

func directImports(dir string, rule ImportRule) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			if path := strings.Trim(imp.Path.Value, `"`); rule.Forbidden(path) {
				viols = append(viols, path+" (in "+filepath.Join(dir, name)+")")
			}
		}
	}
	return viols, nil
}

type fatalf interface {
	Fatalf(format string, args ...any)
}

func report(t fatalf, kind string, rule ImportRule, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden %s (%s):\n%s", kind, rule.Reason, strings.Join(viols, "\n"))
	}
}
