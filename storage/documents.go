package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DocumentStorage keeps uploaded knowledge files in MinIO/S3 so the original
// bytes survive re-chunking and can be re-ingested later.
type DocumentStorage struct {
	client *minio.Client
	bucket string
}

// NewDocumentStorageFromEnv initialises DocumentStorage using MINIO_* environment
// variables. Returns (nil, nil) when object storage is not configured, which
// callers treat as "keep only the extracted text".
func NewDocumentStorageFromEnv() (*DocumentStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &DocumentStorage{client: client, bucket: bucket}, nil
}

// Store writes one uploaded document under knowledge/<agent>/<uuid>-<name>
// and returns the object key.
func (s *DocumentStorage) Store(ctx context.Context, agentID uint64, fileName string, contentType string, data []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("document storage not configured")
	}
	if len(data) == 0 {
		return "", errors.New("document is empty")
	}

	cleaned := sanitizeFileName(fileName)
	objectKey := path.Join("knowledge", fmt.Sprintf("%d", agentID), uuid.NewString()+"-"+cleaned)

	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(putCtx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	return objectKey, nil
}

// Remove deletes a stored document. Missing objects are not an error.
func (s *DocumentStorage) Remove(ctx context.Context, objectKey string) error {
	if s == nil || s.client == nil || strings.TrimSpace(objectKey) == "" {
		return nil
	}
	removeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return s.client.RemoveObject(removeCtx, s.bucket, objectKey, minio.RemoveObjectOptions{})
}

// PresignedURL returns a temporary download link for a stored document.
func (s *DocumentStorage) PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("document storage not configured")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign document: %w", err)
	}
	return signed.String(), nil
}

func sanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "" || base == "." || base == "/" {
		return "document"
	}
	var builder strings.Builder
	for _, ch := range base {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			builder.WriteRune(ch)
		case ch == '.', ch == '-', ch == '_':
			builder.WriteRune(ch)
		default:
			builder.WriteRune('_')
		}
	}
	return builder.String()
}
