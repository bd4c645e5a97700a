package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fleetkit/handoff/pkg/errors"
)

// S3Client fetches artifacts published to S3
type S3Client struct {
	s3Client *s3.Client
}

// NewS3Client creates a new S3 client for anonymous access
func NewS3Client(ctx context.Context, region string) (*S3Client, error) {
	slog.Info("s3_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &S3Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// Open starts streaming an object. The returned size is -1 when S3 does not
// report a content length.
func (c *S3Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, 0, errors.Wrap(err, "failed to get object from S3")
	}

	size := int64(-1)
	if result.ContentLength != nil {
		size = aws.ToInt64(result.ContentLength)
	}
	return result.Body, size, nil
}

// parseS3URL splits s3://bucket/key/path into bucket and key.
func parseS3URL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q: want s3://bucket/key", u.String())
	}
	return bucket, key, nil
}
