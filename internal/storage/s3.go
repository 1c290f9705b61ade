package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Adapter uploads snapshots to an S3-compatible bucket under
// <deviceID>/<day>/<basename>. Uploads are idempotent: the object key is
// fully determined by the request, so a replay overwrites the same object.
type S3Adapter struct {
	client *minio.Client
	bucket string
}

type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewS3Adapter(cfg S3Config) (*S3Adapter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3Adapter{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Adapter) Store(ctx context.Context, req Request) (Result, error) {
	key := fmt.Sprintf("%s/%s/%s", req.DeviceID, req.Day, filepath.Base(req.LocalPath))

	_, err := a.client.FPutObject(ctx, a.bucket, key, req.LocalPath, minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return Result{}, fmt.Errorf("s3 put %s: %w", key, err)
	}

	return Result{
		Storage:     "s3",
		StoredURI:   fmt.Sprintf("s3://%s/%s", a.bucket, key),
		DeleteLocal: true,
	}, nil
}
