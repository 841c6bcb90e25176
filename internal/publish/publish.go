// Package publish uploads exported artifacts to an S3-compatible bucket.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"partbatch/internal/batch"
	"partbatch/internal/config"
)

const (
	EnvEndpoint  = "PARTBATCH_S3_ENDPOINT"
	EnvAccessKey = "PARTBATCH_S3_ACCESS_KEY"
	EnvSecretKey = "PARTBATCH_S3_SECRET_KEY"
	EnvBucket    = "PARTBATCH_S3_BUCKET"
	EnvRegion    = "PARTBATCH_S3_REGION"
	EnvUseSSL    = "PARTBATCH_S3_SSL"
	EnvTimeout   = "PARTBATCH_S3_TIMEOUT"
)

const (
	DefaultBucket  = "partbatch"
	DefaultRegion  = "us-east-1"
	DefaultTimeout = 30 * time.Second
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Timeout   time.Duration
}

// ConfigFromEnv reads the upload settings. An empty endpoint disables
// publishing and skips validation.
func ConfigFromEnv() (Config, error) {
	useSSL, err := config.Bool(EnvUseSSL, false)
	if err != nil {
		return Config{}, err
	}
	timeout, err := config.Duration(EnvTimeout, DefaultTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  config.String(EnvEndpoint, ""),
		AccessKey: config.String(EnvAccessKey, ""),
		SecretKey: config.String(EnvSecretKey, ""),
		Bucket:    config.String(EnvBucket, DefaultBucket),
		Region:    config.String(EnvRegion, DefaultRegion),
		UseSSL:    useSSL,
		Timeout:   timeout,
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
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
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Publisher implements batch.Publisher on top of a MinIO client.
type Publisher struct {
	client  objectPutter
	bucket  string
	timeout time.Duration
}

var _ batch.Publisher = (*Publisher)(nil)

// New connects to the configured endpoint and creates the bucket if needed.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return newPublisher(client, cfg.Bucket, cfg.Timeout), nil
}

func newPublisher(client objectPutter, bucket string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Publisher{client: client, bucket: bucket, timeout: timeout}
}

// ObjectKey is the key an artifact is stored under: <batch-id>/<file>.
func ObjectKey(batchID string, a batch.Artifact) string {
	return batchID + "/" + filepath.Base(a.Path)
}

// ContentType maps an export format to its media type.
func ContentType(f batch.Format) string {
	switch f {
	case batch.FormatSTEP:
		return "model/step"
	case batch.FormatIGES:
		return "model/iges"
	case batch.FormatSTL:
		return "model/stl"
	default:
		return "application/octet-stream"
	}
}

// Publish uploads the artifact file.
func (p *Publisher) Publish(ctx context.Context, batchID string, a batch.Artifact) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher not initialized")
	}

	f, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := ObjectKey(batchID, a)
	opts := minio.PutObjectOptions{ContentType: ContentType(a.Format)}
	if _, err := p.client.PutObject(ctx, p.bucket, key, f, info.Size(), opts); err != nil {
		return fmt.Errorf("put %s/%s: %w", p.bucket, key, err)
	}
	return nil
}
