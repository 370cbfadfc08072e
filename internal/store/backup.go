package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// BackupConfig configures periodic cloud backup of the durable store's
// SQLite file to an S3-compatible bucket, mirroring the teacher's R2 backup
// service but pointed at this repository's single ledger database.
type BackupConfig struct {
	Enabled bool
	Bucket  string
	Prefix  string
}

// Backup uploads a snapshot of the durable store's on-disk file to S3.
type Backup struct {
	cfg    BackupConfig
	client *s3.Client
	log    zerolog.Logger
}

// NewBackup resolves AWS credentials via the default credential chain
// (environment, shared config, IMDS) and constructs a Backup. Returns nil,
// nil if cfg.Enabled is false.
func NewBackup(ctx context.Context, cfg BackupConfig, log zerolog.Logger) (*Backup, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Backup{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg),
		log:    log.With().Str("component", "store-backup").Logger(),
	}, nil
}

// Snapshot reads db's SQLite file from disk and uploads it under
// <prefix>/<name>-<timestamp>.db using the multipart manager.Uploader, which
// handles files larger than a single PutObject call transparently.
func (b *Backup) Snapshot(ctx context.Context, db *DB) error {
	f, err := os.Open(db.Path())
	if err != nil {
		return fmt.Errorf("open database file for backup: %w", err)
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(b.cfg.Prefix, fmt.Sprintf("%s-%s.db", db.name, time.Now().UTC().Format("20060102T150405Z"))))

	uploader := manager.NewUploader(b.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload backup snapshot: %w", err)
	}

	b.log.Info().Str("key", key).Msg("durable store snapshot uploaded")
	return nil
}
