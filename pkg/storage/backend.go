package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotExist is returned by Backend.Read when nothing has been persisted yet.
var ErrNotExist = errors.New("snapshot does not exist")

// Backend persists one opaque snapshot. Write must replace the previous
// snapshot atomically: a reader sees either the old or the new bytes.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// FileBackend stores the snapshot in a single local file.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the snapshot file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Read returns the snapshot bytes.
func (b *FileBackend) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	return data, err
}

// Write replaces the snapshot via a temp file and rename.
func (b *FileBackend) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	return renameio.WriteFile(b.path, data, 0600)
}

// MinioBackend stores the snapshot as one object in an S3-compatible bucket.
// PutObject replaces objects atomically, so no temp object is needed.
type MinioBackend struct {
	client *minio.Client
	bucket string
	key    string
}

// MinioOptions configures NewMinioClient.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinioClient connects to a MinIO or S3 endpoint with static credentials.
func NewMinioClient(opts MinioOptions) (*minio.Client, error) {
	return minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
}

// NewMinioBackend returns a backend storing name under prefix in bucket.
func NewMinioBackend(client *minio.Client, bucket, prefix, name string) *MinioBackend {
	return &MinioBackend{
		client: client,
		bucket: bucket,
		key:    path.Join(prefix, name),
	}
}

// EnsureBucket creates the bucket if it does not exist.
func (b *MinioBackend) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Read fetches the snapshot object.
func (b *MinioBackend) Read(ctx context.Context) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, notExist(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, notExist(err)
	}
	return data, nil
}

// Write uploads the snapshot object.
func (b *MinioBackend) Write(ctx context.Context, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

func notExist(err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return ErrNotExist
	}
	return err
}
