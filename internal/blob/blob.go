// Package blob exposes the artifact store used for export artifacts and
// published generation tables. The concrete backends live in the fs, s3 and
// memory subpackages; this package re-exports the shared types and selects a
// driver from the environment.
package blob

import (
	"context"
	"fmt"
	"os"

	"villagepop/internal/blob/core"
	fsdriver "villagepop/internal/blob/fs"
	memdriver "villagepop/internal/blob/memory"
	s3driver "villagepop/internal/blob/s3"
)

type (
	Driver           = core.Driver
	PutOptions       = core.PutOptions
	SignedURLOptions = core.SignedURLOptions
	Info             = core.Info
	Store            = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var ErrUnsupported = core.ErrUnsupported

// NewFilesystem returns a filesystem store rooted at root, creating it if needed.
func NewFilesystem(root string) (Store, error) { return fsdriver.New(root) }

// NewMemory returns an in-memory store for tests.
func NewMemory() Store { return memdriver.New() }

// Open selects a Store implementation using environment variables.
//
//	VILLAGEPOP_BLOB_DRIVER: fs|s3|memory (default fs)
//	VILLAGEPOP_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 specific variables documented in the s3 subpackage)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("VILLAGEPOP_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := os.Getenv("VILLAGEPOP_BLOB_FS_ROOT")
		if root == "" {
			root = "./blobdata"
		}
		return NewFilesystem(root)
	case DriverS3:
		return s3driver.OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
