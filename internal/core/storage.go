package core

import (
	"context"
	"fmt"
	"os"

	"entitygraph/internal/blob"
	"entitygraph/internal/infra/persistence/blobframes"
	"entitygraph/internal/infra/persistence/memory"
	"entitygraph/internal/infra/persistence/postgres"
	"entitygraph/internal/infra/persistence/sqlite"
	"entitygraph/pkg/domain"
)

// FrameDriver identifies a concrete frame store implementation.
type FrameDriver string

const (
	FrameMemory   FrameDriver = "memory"   // in-memory only (tests / ephemeral)
	FrameSQLite   FrameDriver = "sqlite"   // embedded sqlite file
	FramePostgres FrameDriver = "postgres" // PostgreSQL server
	FrameBlob     FrameDriver = "blob"     // blob store archive (fs, s3, memory)
)

// OpenFrameStore selects a frame store using environment variables.
//
//	ENTITYGRAPH_FRAME_DRIVER: memory|sqlite|postgres|blob (default memory)
//	ENTITYGRAPH_SQLITE_PATH: path to sqlite file (default ./entitygraph.db)
//	ENTITYGRAPH_POSTGRES_DSN: postgres DSN when driver=postgres
//	(blob variables documented in internal/blob)
func OpenFrameStore(ctx context.Context) (domain.FrameStore, error) {
	driver := os.Getenv("ENTITYGRAPH_FRAME_DRIVER")
	if driver == "" {
		driver = string(FrameMemory)
	}
	switch FrameDriver(driver) {
	case FrameMemory:
		return memory.NewStore(), nil
	case FrameSQLite:
		return sqlite.NewStore(os.Getenv("ENTITYGRAPH_SQLITE_PATH"))
	case FramePostgres:
		return postgres.NewStore(ctx, os.Getenv("ENTITYGRAPH_POSTGRES_DSN"))
	case FrameBlob:
		blobs, err := blob.Open(ctx)
		if err != nil {
			return nil, err
		}
		return blobframes.New(blobs), nil
	default:
		return nil, fmt.Errorf("unknown frame driver %s", driver)
	}
}
