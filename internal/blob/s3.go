package blob

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// S3 is a Store over an S3-compatible service. Multipart calls go through
// minio.Core, which exposes the raw upload API the presigned-part flow
// needs.
type S3 struct {
	core   *minio.Core
	bucket string
}

var _ Store = (*S3)(nil)

// NewS3 creates an S3 store. It does not contact the service.
func NewS3(config S3Config) (*S3, error) {
	if config.Endpoint == "" {
		return nil, Error.New("no endpoint provided for s3 store")
	}
	if config.Bucket == "" {
		return nil, Error.New("no bucket provided for s3 store")
	}
	core, err := minio.NewCore(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.Secure,
		Region: config.Region,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &S3{core: core, bucket: config.Bucket}, nil
}

// Put implements Store.
func (s *S3) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	_, err := s.core.Client.PutObject(ctx, s.bucket, path, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Error.New("put %s: %v", path, err)
	}
	return nil
}

// Head implements Store.
func (s *S3) Head(ctx context.Context, path string) (Info, error) {
	oi, err := s.core.Client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, s.mapError(path, err)
	}
	return Info{
		Path:         path,
		Size:         oi.Size,
		ETag:         oi.ETag,
		ContentType:  oi.ContentType,
		LastModified: oi.LastModified,
	}, nil
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.core.Client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(path, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.mapError(path, err)
	}
	return obj, nil
}

// Delete implements Store.
func (s *S3) Delete(ctx context.Context, path string) error {
	err := s.core.Client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return Error.New("delete %s: %v", path, err)
	}
	return nil
}

// PresignGet implements Store.
func (s *S3) PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, err := s.core.Client.PresignedGetObject(ctx, s.bucket, path, ttl, url.Values{})
	if err != nil {
		return "", Error.New("presign %s: %v", path, err)
	}
	return u.String(), nil
}

// InitiateMultipart implements Store.
func (s *S3) InitiateMultipart(ctx context.Context, path string) (string, error) {
	id, err := s.core.NewMultipartUpload(ctx, s.bucket, path, minio.PutObjectOptions{})
	if err != nil {
		return "", Error.New("initiate upload %s: %v", path, err)
	}
	return id, nil
}

// PresignPart implements Store.
func (s *S3) PresignPart(ctx context.Context, path, uploadID string, part int, ttl time.Duration) (string, error) {
	params := url.Values{
		"partNumber": {strconv.Itoa(part)},
		"uploadId":   {uploadID},
	}
	u, err := s.core.Client.Presign(ctx, http.MethodPut, s.bucket, path, ttl, params)
	if err != nil {
		return "", Error.New("presign part %d of %s: %v", part, path, err)
	}
	return u.String(), nil
}

// CompleteMultipart implements Store.
func (s *S3) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) error {
	complete := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		complete[i] = minio.CompletePart{PartNumber: p.Number, ETag: p.ETag}
	}
	if _, err := s.core.CompleteMultipartUpload(ctx, s.bucket, path, uploadID, complete, minio.PutObjectOptions{}); err != nil {
		return Error.New("complete upload %s: %v", path, err)
	}
	return nil
}

func (s *S3) mapError(path string, err error) error {
	if isNoSuchKey(err) {
		return ErrNotFound.New("%s", path)
	}
	return Error.New("%s: %v", path, err)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
