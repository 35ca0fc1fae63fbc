package snapshot

import (
	"context"
	"fmt"
	"os"
)

// Open selects a snapshot Store implementation using environment variables.
//
//	REPLICORE_SNAPSHOT_DRIVER: fs|s3|memory (default fs)
//	REPLICORE_SNAPSHOT_FS_ROOT: directory root when driver=fs (default ./snapshotdata)
//	(S3 specific variables documented in s3.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("REPLICORE_SNAPSHOT_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("REPLICORE_SNAPSHOT_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown snapshot driver %s", driver)
	}
}
