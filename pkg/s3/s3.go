// Package s3 stores run archives in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	archiveContentType = "application/zstd"
	digestMetadataKey  = "sha256"
)

// Config locates the bucket. Endpoint may be host:port or a full URL.
type Config struct {
	Endpoint       string        `env:"S3_ENDPOINT"`
	Bucket         string        `env:"S3_BUCKET,default=gwperf-runs"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	Region         string        `env:"S3_REGION,default=us-east-1"`
	DisableTLS     bool          `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE,default=true"`
	LinkTTL        time.Duration `env:"S3_LINK_TTL,default=168h"`
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) baseEndpoint() string {
	endpoint := strings.TrimSpace(c.Endpoint)
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if c.DisableTLS {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// Client uploads, links and fetches run archives.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// NewClient builds a Client from cfg with static credentials.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.baseEndpoint())
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Client{api: api, presign: s3.NewPresignClient(api)}, nil
}

// Upload stores an archive under bucket/key and returns a download link
// valid for ttl. digest is the hex SHA-256 of data.
func (c *Client) Upload(ctx context.Context, bucket, key string, data []byte, digest string, ttl time.Duration) (string, error) {
	if err := c.put(ctx, bucket, key, data, digest); err != nil {
		return "", err
	}
	return c.Link(ctx, bucket, key, ttl)
}

func (c *Client) put(ctx context.Context, bucket, key string, data []byte, digest string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(digest)
	if err != nil {
		return err
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(int64(len(data))),
		ContentType:       aws.String(archiveContentType),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata:          map[string]string{digestMetadataKey: digest},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// Link presigns a GET of bucket/key.
func (c *Client) Link(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// Fetch downloads bucket/key and checks it against the digest recorded at
// upload time, when there is one.
func (c *Client) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	if err := verify(data, out.Metadata[digestMetadataKey]); err != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// verify compares data with a hex SHA-256 digest. An empty digest passes.
func verify(data []byte, digest string) error {
	if digest == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, digest) {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, digest)
	}
	return nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode sha256: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
