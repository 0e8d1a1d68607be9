package attachment

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config selects the bucket and, for S3-compatible stores, the endpoint.
type S3Config struct {
	Region   string
	Bucket   string
	Endpoint string // optional, for S3-compatible stores such as MinIO
}

// S3Store keeps blobs in one S3 bucket.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Store loads AWS credentials from the default chain and returns a
// store on cfg.Bucket.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("attachment: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, uploader: manager.NewUploader(client), bucket: cfg.Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size > 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}

// Delete relies on S3 DeleteObject succeeding for absent keys.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete: %w", err)
	}
	return nil
}
