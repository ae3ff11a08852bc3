// Package storage keeps build and test logs in S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// LinkTTL is how long log links stay valid. S3 caps presigned links
	// at seven days, which is also the default.
	LinkTTL time.Duration
}

const maxLinkTTL = 7 * 24 * time.Hour

type Client struct {
	mc     *minio.Client
	config Config
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	if cfg.LinkTTL <= 0 || cfg.LinkTTL > maxLinkTTL {
		cfg.LinkTTL = maxLinkTTL
	}
	return &Client{mc: mc, config: cfg, logger: logger.With("component", "storage")}, nil
}

// EnsureBucket creates the log bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	name := c.config.Bucket
	exists, err := c.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		return nil
	}
	region := c.config.Region
	if region == "" || region == "auto" {
		region = "us-east-1"
	}
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	c.logger.Info("created bucket", "bucket", name)
	return nil
}

// LogKey is the object key for one stage log of an image build.
func LogKey(assemblyUUID, imageUUID, stage string) string {
	if assemblyUUID == "" {
		assemblyUUID = "_"
	}
	return fmt.Sprintf("%s/%s/%s-%d.log", assemblyUUID, imageUUID, stage, time.Now().UTC().Unix())
}

// UploadLog stores body under key and returns a presigned link to it.
// The bucket stays private; the link is what commit statuses point at.
func (c *Client) UploadLog(ctx context.Context, key string, body []byte) (string, error) {
	_, err := c.mc.PutObject(ctx, c.config.Bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return c.PresignLog(ctx, key, c.config.LinkTTL)
}

// PresignLog returns a time-limited download link for a stored log.
func (c *Client) PresignLog(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.config.Bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.ListBuckets(ctx)
	return err
}
