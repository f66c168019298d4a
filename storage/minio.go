package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/loiht2/ml-platform-retrain/logger"
)

// MinIOClient wraps MinIO client with bucket management
type MinIOClient struct {
	client *minio.Client
	log    *logger.Logger
}

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// SecretReader loads every key of a Kubernetes Secret.
type SecretReader interface {
	SecretData(ctx context.Context, namespace, name string) (map[string]string, error)
}

// ConfigFromSecret reads endpoint, accesskey and secretkey from a Secret.
func ConfigFromSecret(ctx context.Context, secrets SecretReader, namespace, name string, useSSL bool) (MinIOConfig, error) {
	data, err := secrets.SecretData(ctx, namespace, name)
	if err != nil {
		return MinIOConfig{}, err
	}

	cfg := MinIOConfig{
		Endpoint:  strings.TrimSpace(data["endpoint"]),
		AccessKey: strings.TrimSpace(data["accesskey"]),
		SecretKey: strings.TrimSpace(data["secretkey"]),
		Region:    strings.TrimSpace(data["region"]),
		UseSSL:    useSSL,
	}
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return MinIOConfig{}, fmt.Errorf("secret %s/%s is missing required fields (endpoint, accesskey, secretkey)", namespace, name)
	}
	return cfg, nil
}

// NewMinIOClient creates a MinIO client with explicit configuration
func NewMinIOClient(config MinIOConfig, log *logger.Logger) (*MinIOClient, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(config.Endpoint, "http://"), "https://")
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}

	return &MinIOClient{
		client: minioClient,
		log:    log.With("component", "minio"),
	}, nil
}

// EnsureBucket creates a bucket if it doesn't exist
func (m *MinIOClient) EnsureBucket(ctx context.Context, bucketName string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	m.log.Info("Creating MinIO bucket", "bucket", bucketName)
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// UploadFile uploads a file to MinIO
func (m *MinIOClient) UploadFile(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, contentType string) error {
	info, err := m.client.PutObject(ctx, bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", bucketName, objectName, err)
	}

	m.log.Debug("Object uploaded", "bucket", bucketName, "object", objectName, "size", info.Size)
	return nil
}

// ObjectStore is the subset of MinIOClient the archive needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucketName string) error
	UploadFile(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, contentType string) error
}

// ManifestArchive writes JSON documents into one bucket. The bucket is
// created on first use.
type ManifestArchive struct {
	store  ObjectStore
	bucket string

	mu          sync.Mutex
	bucketReady bool
}

func NewManifestArchive(store ObjectStore, bucket string) *ManifestArchive {
	return &ManifestArchive{store: store, bucket: bucket}
}

// PutJSON marshals v and uploads it under key.
func (a *ManifestArchive) PutJSON(ctx context.Context, key string, v interface{}) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := a.ensureBucket(ctx); err != nil {
		return err
	}
	return a.store.UploadFile(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), "application/json")
}

func (a *ManifestArchive) ensureBucket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bucketReady {
		return nil
	}
	if err := a.store.EnsureBucket(ctx, a.bucket); err != nil {
		return err
	}
	a.bucketReady = true
	return nil
}
