package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/contentstor/contentstor/internal/config"
)

// S3Backend serves artifacts from an S3 (or S3-compatible) bucket, normally
// by redirecting clients to presigned URLs.
type S3Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

func NewS3Backend(ctx context.Context, cfg *config.Config) (*S3Backend, error) {
	if cfg.AWSBucket == "" {
		return nil, fmt.Errorf("AWS_BUCKET is required for s3 storage")
	}

	// Custom endpoint resolver for MinIO/S3-compatible storage
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if cfg.AWSEndpoint != "" {
			return aws.Endpoint{
				URL:               cfg.AWSEndpoint,
				HostnameImmutable: true,
				Source:            aws.EndpointSourceCustom,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	var awsCfg aws.Config
	var err error
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.AWSRegion),
			awsconfig.WithEndpointResolverWithOptions(customResolver),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AWSAccessKeyID,
				cfg.AWSSecretAccessKey,
				"",
			)),
		)
	} else {
		// Default credentials (IAM role, env vars, etc.)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.AWSRegion),
			awsconfig.WithEndpointResolverWithOptions(customResolver),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWSEndpoint != "" // Required for MinIO
	})

	return &S3Backend{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.AWSBucket,
		expiry:  cfg.PresignedURLExpiry,
	}, nil
}

func (b *S3Backend) Kind() string {
	return config.StorageS3
}

func (b *S3Backend) LocalPath(name string) (string, bool) {
	return "", false
}

func (b *S3Backend) PutFile(ctx context.Context, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(name),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return os.Remove(src)
}

func (b *S3Backend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	return result.Body, nil
}

func (b *S3Backend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// PresignedURL signs a GET or HEAD for the object. The response overrides
// become response-content-disposition / response-content-type query
// parameters that S3 echoes back on download.
func (b *S3Backend) PresignedURL(ctx context.Context, name string, opts ObjectURLOptions) (string, error) {
	expires := func(po *s3.PresignOptions) {
		po.Expires = b.expiry
	}

	if opts.Method == "HEAD" {
		req, err := b.presign.PresignHeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(name),
		}, expires)
		if err != nil {
			return "", fmt.Errorf("failed to presign S3 HEAD: %w", err)
		}
		return req.URL, nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	}
	if opts.ContentDisposition != "" {
		input.ResponseContentDisposition = aws.String(opts.ContentDisposition)
	}
	if opts.ContentType != "" {
		input.ResponseContentType = aws.String(opts.ContentType)
	}

	req, err := b.presign.PresignGetObject(ctx, input, expires)
	if err != nil {
		return "", fmt.Errorf("failed to presign S3 GET: %w", err)
	}
	return req.URL, nil
}
