// Package blob selects a blob store backend for archived snapshot frames.
package blob

import (
	"context"
	"fmt"
	"os"

	"entitygraph/internal/blob/core"
	"entitygraph/internal/infra/blob/fs"
	"entitygraph/internal/infra/blob/memory"
	"entitygraph/internal/infra/blob/s3"
)

// Open selects a core.Store implementation using environment variables.
//
//	ENTITYGRAPH_BLOB_DRIVER: fs|s3|memory (default fs)
//	ENTITYGRAPH_BLOB_FS_ROOT: directory root when driver=fs (default ./framedata)
//	(S3 specific variables documented in internal/infra/blob/s3)
func Open(ctx context.Context) (core.Store, error) {
	driver := os.Getenv("ENTITYGRAPH_BLOB_DRIVER")
	if driver == "" {
		driver = string(core.DriverFilesystem)
	}
	switch core.Driver(driver) {
	case core.DriverFilesystem:
		return fs.New(os.Getenv("ENTITYGRAPH_BLOB_FS_ROOT"))
	case core.DriverS3:
		return s3.OpenFromEnv(ctx)
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
