package backup

import (
	"context"
	"time"
)

// Config controls periodic snapshots of the local archive.
type Config struct {
	Enabled  bool
	Interval time.Duration
	LocalDir string
	KeepLast int
	// BucketURL (s3://bucket/prefix) enables uploading each snapshot.
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool
}

// Snapshotter is the archive contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) error
}

// Uploader uploads one snapshot file.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}
