package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
)

// S3Config holds configuration for the S3 blob store
type S3Config struct {
	Region         string        `mapstructure:"region"`
	Bucket         string        `mapstructure:"bucket"`
	Endpoint       string        `mapstructure:"endpoint"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	PartSize       int64         `mapstructure:"part_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// S3API is the subset of the S3 client the store needs, split out so
// tests can inject a fake
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader matches the manager.Uploader upload method
type Uploader interface {
	Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store reads documents from S3 refs of the form s3://bucket/key.
// The bucket in the ref must match the configured bucket.
type S3Store struct {
	client   S3API
	uploader Uploader
	config   S3Config
	logger   observability.Logger
}

// NewS3Store creates an S3 blob store. A custom endpoint enables
// LocalStack and other S3 compatible services.
func NewS3Store(ctx context.Context, config S3Config, logger observability.Logger) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", models.ErrInvalidInput)
	}
	if logger == nil {
		logger = observability.NewLogger("storage.s3")
	}

	var options []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		options = append(options, awsconfig.WithRegion(config.Region))
	}
	if config.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               config.Endpoint,
				HostnameImmutable: true,
				SigningRegion:     region,
			}, nil
		})
		options = append(options, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if config.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Options...)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if config.PartSize > 0 {
			u.PartSize = config.PartSize
		}
		if config.Concurrency > 0 {
			u.Concurrency = config.Concurrency
		}
	})

	return &S3Store{
		client:   client,
		uploader: uploader,
		config:   config,
		logger:   logger,
	}, nil
}

// NewS3StoreWithClient injects a custom S3 client and uploader (for testing)
func NewS3StoreWithClient(client S3API, uploader Uploader, config S3Config, logger observability.Logger) *S3Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &S3Store{client: client, uploader: uploader, config: config, logger: logger}
}

// Read downloads the full object at the ref
func (s *S3Store) Read(ctx context.Context, ref string) ([]byte, error) {
	key, err := s.key(ref)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	downloader := manager.NewDownloader(&downloadAdapter{api: s.client}, func(d *manager.Downloader) {
		if s.config.PartSize > 0 {
			d.PartSize = s.config.PartSize
		}
		if s.config.Concurrency > 0 {
			d.Concurrency = s.config.Concurrency
		}
	})

	buf := manager.NewWriteAtBuffer(nil)
	_, err = downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download s3 object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Write uploads content to the ref
func (s *S3Store) Write(ctx context.Context, ref string, data []byte, contentType string) error {
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload s3 object %s: %w", key, err)
	}
	return nil
}

// Delete removes the object at the ref
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3 object %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable
func (s *S3Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 bucket %s unreachable: %w", s.config.Bucket, err)
	}
	return nil
}

// key extracts the object key from an s3://bucket/key ref and verifies
// the bucket
func (s *S3Store) key(ref string) (string, error) {
	rest, err := splitRef(ref, "s3")
	if err != nil {
		return "", err
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return "", fmt.Errorf("%w: s3 ref %q missing object key", models.ErrInvalidInput, ref)
	}
	if bucket != s.config.Bucket {
		return "", fmt.Errorf("%w: s3 ref bucket %q does not match configured bucket %q",
			models.ErrInvalidInput, bucket, s.config.Bucket)
	}
	return key, nil
}

func (s *S3Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.RequestTimeout)
}

// downloadAdapter narrows S3API to the manager.DownloadAPIClient shape
type downloadAdapter struct {
	api S3API
}

func (a *downloadAdapter) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return a.api.GetObject(ctx, params, optFns...)
}
