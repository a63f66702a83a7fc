// Package media stores issue photos in an S3-compatible object store.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	MaxUploadBytes    = 10 << 20
	DefaultPresignTTL = 15 * time.Minute
	maxPresignTTL     = 7 * 24 * time.Hour
)

var (
	ErrUnsupportedType = errors.New("only jpeg, png and webp images are accepted")
	ErrTooLarge        = fmt.Errorf("file exceeds %d bytes", MaxUploadBytes)
	ErrEmpty           = errors.New("file is empty")
	ErrInvalidKey      = errors.New("object key does not belong to this issue")
)

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// ObjectStore is the subset of the MinIO client used here.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, params url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	objects ObjectStore
	bucket  string
	log     *zap.Logger
}

// Object describes a stored upload.
type Object struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Connect builds a MinIO client and makes sure the bucket exists.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := New(client, cfg.Bucket, log)
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func New(objects ObjectStore, bucket string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{objects: objects, bucket: bucket, log: log.With(zap.String("component", "media"))}
}

func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.objects.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.objects.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.log.Info("media bucket created", zap.String("bucket", s.bucket))
	return nil
}

// Upload stores one photo for issueID and returns its object key. The type
// is sniffed from the content; the declared contentType must agree with it.
func (s *Store) Upload(ctx context.Context, issueID, filename, contentType string, size int64, r io.Reader) (Object, error) {
	if size == 0 {
		return Object{}, ErrEmpty
	}
	if size > MaxUploadBytes {
		return Object{}, ErrTooLarge
	}

	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) {
		return Object{}, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return Object{}, ErrEmpty
	}
	sniffed := http.DetectContentType(head)
	ext, ok := allowedTypes[sniffed]
	if !ok {
		return Object{}, ErrUnsupportedType
	}
	if declared := baseType(contentType); declared != "" && declared != sniffed {
		return Object{}, ErrUnsupportedType
	}

	key := path.Join("issues", issueID, uuid.NewString()+ext)
	body := io.LimitReader(br, MaxUploadBytes+1)
	if size < 0 {
		size = -1
	}
	info, err := s.objects.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  sniffed,
		UserMetadata: map[string]string{"original-name": path.Base(filename), "issue-id": issueID},
	})
	if err != nil {
		return Object{}, fmt.Errorf("put object: %w", err)
	}
	if info.Size > MaxUploadBytes {
		s.Remove(ctx, key)
		return Object{}, ErrTooLarge
	}
	s.log.Info("media uploaded", zap.String("issue_id", issueID), zap.String("key", key), zap.Int64("size", info.Size))
	return Object{Key: key, ContentType: sniffed, Size: info.Size}, nil
}

// PresignedURL returns a time-limited download URL for key, which must
// belong to issueID.
func (s *Store) PresignedURL(ctx context.Context, issueID, key string, ttl time.Duration) (string, error) {
	if !strings.HasPrefix(key, path.Join("issues", issueID)+"/") || strings.Contains(key, "..") {
		return "", ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	ttl = min(ttl, maxPresignTTL)
	u, err := s.objects.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Remove deletes key, logging failures.
func (s *Store) Remove(ctx context.Context, key string) {
	if err := s.objects.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.log.Warn("remove media failed", zap.String("key", key), zap.Error(err))
	}
}

func baseType(contentType string) string {
	t, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(t))
}
