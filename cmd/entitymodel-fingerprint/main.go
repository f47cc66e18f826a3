// Command entitymodel-fingerprint checks a YAML entity schema against its
// recorded fingerprint so incompatible schema edits fail in CI before
// persisted frames stop loading.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"entitygraph/internal/entitymodel"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("entitymodel-fingerprint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	schemaPath := fs.String("schema", "schema/entitygraph.yaml", "path to the YAML entity schema")
	fingerprintPath := fs.String("fingerprint", "schema/entitygraph.fingerprint.json", "path to the fingerprint file")
	write := fs.Bool("write", false, "rewrite the fingerprint file instead of diffing")
	allowAdditions := fs.Bool("allow-additions", true, "accept newly added types")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	schema, err := loadSchema(*schemaPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	current := schema.Fingerprint()

	if *write {
		if err := entitymodel.WriteFingerprint(*fingerprintPath, current); err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "wrote fingerprint to %s\n", *fingerprintPath)
		return 0
	}

	baseline, err := entitymodel.LoadFingerprint(*fingerprintPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_, _ = fmt.Fprintf(stderr, "fingerprint missing (%s); run with -write\n", *fingerprintPath)
			return 1
		}
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	failed := false
	for _, d := range entitymodel.Diff(baseline, current) {
		_, _ = fmt.Fprintln(stdout, d)
		if d.Breaking() || !*allowAdditions {
			failed = true
		}
	}
	if failed {
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "entity schema fingerprint matches")
	return 0
}

func loadSchema(path string) (*entitymodel.Schema, error) {
	f, err := os.Open(path) //nolint:gosec // schema path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	defer func() { _ = f.Close() }()
	return entitymodel.LoadSchema(f)
}
