package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Provider serves objects referenced as s3://bucket/key. Objects are
// streamed, never buffered whole, so sizing by line count is not offered.
type S3Provider struct {
	client *s3.Client
}

// NewS3Provider builds a provider from the ambient AWS configuration
// (environment, shared config, instance role).
func NewS3Provider(ctx context.Context) (*S3Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Provider{client: s3.NewFromConfig(cfg)}, nil
}

// NewS3ProviderFromClient wraps an existing client; used in tests.
func NewS3ProviderFromClient(client *s3.Client) *S3Provider {
	return &S3Provider{client: client}
}

// IsS3Ref reports whether ref names an S3 object.
func IsS3Ref(ref string) bool {
	return strings.HasPrefix(ref, "s3://")
}

func splitS3Ref(ref string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(ref, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed s3 ref %q", ErrNotFound, ref)
	}
	return bucket, key, nil
}

func (p *S3Provider) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := splitS3Ref(ref)
	if err != nil {
		return nil, err
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, ref, err)
	}
	return out.Body, nil
}
