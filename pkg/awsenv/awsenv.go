// Package awsenv builds the shared AWS configuration used by every AWS-backed
// component.
package awsenv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const DefaultRegion = "us-east-1"

// Options selects region, credentials, and an optional endpoint override.
// When AccessKey is empty the default credential chain is used.
type Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

// Load resolves an aws.Config from opts.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	if (opts.AccessKey == "") != (opts.SecretKey == "") {
		return aws.Config{}, errors.New("access key and secret key must be set together")
	}

	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = DefaultRegion
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if opts.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}

	if endpoint := NormalizeEndpoint(opts.Endpoint); endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}
	return cfg, nil
}

// NormalizeEndpoint prefixes a bare host:port with https://.
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimRight(endpoint, "/")
}
