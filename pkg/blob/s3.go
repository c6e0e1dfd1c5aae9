// Package blob fetches stored data files from S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dataexport/pkg/records"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrTooLarge = errors.New("object exceeds size limit")
)

type getObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	MaxObjectBytes  int64
}

func ConfigFromEnv() Config {
	return Config{
		Bucket:          strings.TrimSpace(os.Getenv("OBJECT_STORE_BUCKET")),
		Region:          strings.TrimSpace(os.Getenv("OBJECT_STORE_REGION")),
		Endpoint:        strings.TrimSpace(os.Getenv("OBJECT_STORE_ENDPOINT")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("OBJECT_STORE_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("OBJECT_STORE_SECRET_ACCESS_KEY")),
	}
}

// S3Fetcher reads a stub's content from the object at its content path.
type S3Fetcher struct {
	Client getObjectAPI
	Bucket string
	// MaxBytes bounds a single object; zero means unbounded.
	MaxBytes int64
}

func NewS3Fetcher(ctx context.Context, cfg Config) (*S3Fetcher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("object store bucket is required")
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load object store config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Fetcher{Client: client, Bucket: cfg.Bucket, MaxBytes: cfg.MaxObjectBytes}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, s records.Stub) ([]byte, error) {
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.Bucket),
		Key:    aws.String(s.ContentPath),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", s.ContentPath, ErrNotFound)
		}
		return nil, err
	}
	defer out.Body.Close()

	var body io.Reader = out.Body
	if f.MaxBytes > 0 {
		body = io.LimitReader(out.Body, f.MaxBytes+1)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.ContentPath, err)
	}
	if f.MaxBytes > 0 && int64(len(raw)) > f.MaxBytes {
		return nil, fmt.Errorf("%s: %w", s.ContentPath, ErrTooLarge)
	}
	return raw, nil
}
