package backup

import (
	"context"
	"time"
)

// Config controls periodic warehouse snapshots.
type Config struct {
	Enabled  bool
	Interval time.Duration
	LocalDir string
	KeepLast int
	// RemotePrefix is the object key prefix for uploaded snapshots.
	RemotePrefix string
}

// Snapshotter is the minimal warehouse snapshot contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) (int64, error)
}

// Uploader archives one snapshot file under key.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, key string) (string, error)
}

// RemotePruner lists and removes archived snapshots. Uploaders that
// implement it get the same keep-last policy as the local directory.
type RemotePruner interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Remove(ctx context.Context, key string) error
}
