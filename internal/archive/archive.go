// Package archive copies finished runs to an S3-compatible bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lucasnoah/wayfinder/internal/config"
)

// ObjectStore is the subset of *minio.Client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// RunLocator resolves a run to its directory. *pipeline.Store implements it.
type RunLocator interface {
	RunDir(sessionID, runID string) string
}

// Archiver uploads run directories.
type Archiver struct {
	client ObjectStore
	bucket string
	region string
	runs   RunLocator
}

// New connects to the configured endpoint.
func New(cfg config.ArchiveConfig, runs RunLocator) (*Archiver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("archive: endpoint is required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("archive: endpoint must not include scheme: %q", cfg.Endpoint)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("archive: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: minio client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Region, runs), nil
}

// NewWithClient builds an archiver around an existing client.
func NewWithClient(client ObjectStore, bucket, region string, runs RunLocator) *Archiver {
	return &Archiver{client: client, bucket: bucket, region: region, runs: runs}
}

// Bucket returns the target bucket name.
func (a *Archiver) Bucket() string { return a.bucket }

// EnsureBucket creates the bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive: check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("archive: create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// ObjectKey is the key a run file is stored under: <session>/<run>/<relative path>.
func ObjectKey(sessionID, runID, rel string) string {
	return path.Join(sessionID, runID, filepath.ToSlash(rel))
}

// ArchiveRun uploads every regular file in the run directory and returns the keys written.
func (a *Archiver) ArchiveRun(ctx context.Context, sessionID, runID string) ([]string, error) {
	dir := a.runs.RunDir(sessionID, runID)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: run %s/%s not found", sessionID, runID)
		}
		return nil, fmt.Errorf("archive: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive: %s is not a directory", dir)
	}

	var keys []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		// in-flight temp files from WriteAtomic
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		key := ObjectKey(sessionID, runID, rel)
		opts := minio.PutObjectOptions{ContentType: contentType(p)}
		if _, err := a.client.FPutObject(ctx, a.bucket, key, p, opts); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return keys, fmt.Errorf("archive: run %s/%s: %w", sessionID, runID, err)
	}
	return keys, nil
}

func contentType(p string) string {
	if strings.HasSuffix(p, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}
