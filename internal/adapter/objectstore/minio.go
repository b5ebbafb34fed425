// Package objectstore mirrors published model output to an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/couchcryptid/wrf-run-service/internal/config"
)

const netcdfContentType = "application/x-netcdf"

// Config selects the bucket outputs are mirrored to.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// ConfigFromService extracts the object store settings.
func ConfigFromService(cfg *config.Config) Config {
	return Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	}
}

// Validate reports missing settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("S3_ENDPOINT is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("S3_BUCKET is required")
	}
	return nil
}

// Mirror uploads files to a bucket. It implements pipeline.Mirror.
type Mirror struct {
	client *minio.Client
	cfg    Config
	logger *slog.Logger
}

// NewMirror creates a MinIO client for cfg. No request is made until first use.
func NewMirror(cfg Config, logger *slog.Logger) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Mirror{client: client, cfg: cfg, logger: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", m.cfg.Bucket, err)
	}
	m.logger.Info("created output bucket", "bucket", m.cfg.Bucket)
	return nil
}

// Upload copies the file at path into the bucket under its base name.
func (m *Mirror) Upload(ctx context.Context, path string) error {
	key := m.objectName(path)
	info, err := m.client.FPutObject(ctx, m.cfg.Bucket, key, path, minio.PutObjectOptions{
		ContentType: netcdfContentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	m.logger.Info("mirrored output", "bucket", m.cfg.Bucket, "key", key, "bytes", info.Size)
	return nil
}

// objectName maps a local output path to its object key. WRF history names
// contain colons, which S3 accepts as-is.
func (m *Mirror) objectName(path string) string {
	name := filepath.Base(path)
	if m.cfg.Prefix == "" {
		return name
	}
	return strings.TrimSuffix(m.cfg.Prefix, "/") + "/" + name
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
