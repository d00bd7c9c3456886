package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MaxObjectSize bounds reads; EC2 accepts at most 16 KiB of user data.
const MaxObjectSize = 16 * 1024

// API is the subset of the S3 client used here.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client is a thin wrapper around the AWS SDK v2 S3 client.
type Client struct {
	api API
}

// New wraps an S3 API client.
func New(api API) (*Client, error) {
	if api == nil {
		return nil, errors.New("s3 api is required")
	}
	return &Client{api: api}, nil
}

// NewFromConfig builds a Client from an AWS configuration. Path-style
// addressing is used whenever an endpoint override is configured.
func NewFromConfig(cfg aws.Config) *Client {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.BaseEndpoint != nil
	})
	return &Client{api: client}
}

// GetObject downloads bucket/key, refusing objects over MaxObjectSize.
func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxObjectSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxObjectSize {
		return nil, fmt.Errorf("s3://%s/%s exceeds %d bytes", bucket, key, MaxObjectSize)
	}
	return data, nil
}

// Fetch downloads the object named by an s3://bucket/key URI.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return c.GetObject(ctx, bucket, key)
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri must name a bucket and key: %q", uri)
	}
	return bucket, key, nil
}
