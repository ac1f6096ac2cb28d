package checkpoint

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiverConfig selects the object-storage target for checkpoint archives.
type ArchiverConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func ArchiverConfigFromEnv() ArchiverConfig {
	return ArchiverConfig{
		Endpoint:  strings.TrimSpace(os.Getenv("AGENTQ_MINIO_ENDPOINT")),
		AccessKey: os.Getenv("AGENTQ_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("AGENTQ_MINIO_SECRET_KEY"),
		Bucket:    strings.TrimSpace(os.Getenv("AGENTQ_MINIO_BUCKET")),
		UseSSL:    strings.EqualFold(strings.TrimSpace(os.Getenv("AGENTQ_MINIO_USE_SSL")), "true"),
	}
}

// Archiver mirrors a job's artifact tree into an object-storage bucket so
// checkpoints survive the worker host.
type Archiver struct {
	store  *Store
	client *minio.Client
	bucket string
}

func NewArchiver(store *Store, cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when AGENTQ_ARTIFACT_BACKEND=minio")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "agentq-artifacts"
	}
	return &Archiver{store: store, client: client, bucket: bucket}, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveJob uploads every artifact under the job directory, keyed by
// job id and relative path. Returns the number of objects written.
func (a *Archiver) ArchiveJob(ctx context.Context, jobID string) (int, error) {
	jobPath, err := a.store.JobPath(jobID)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(jobPath); os.IsNotExist(err) {
		return 0, nil
	}
	if err := a.ensureBucket(ctx); err != nil {
		return 0, err
	}
	uploaded := 0
	err = filepath.WalkDir(jobPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(jobPath, path)
		if err != nil {
			return err
		}
		objectName := jobID + "/" + filepath.ToSlash(rel)
		contentType := "application/octet-stream"
		if strings.HasSuffix(rel, ".json") {
			contentType = "application/json"
		}
		if _, err := a.client.FPutObject(ctx, a.bucket, objectName, path, minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("upload %s: %w", objectName, err)
		}
		uploaded++
		return nil
	})
	return uploaded, err
}
