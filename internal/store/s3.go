package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"heavy-http-go/internal/config"
	"heavy-http-go/internal/model"
)

// S3 keeps blobs in a bucket and hands out pre-signed URLs so clients transfer directly.
type S3 struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
	expires   time.Duration
}

// NewS3 wraps an existing client.
func NewS3(client *s3.Client, cfg config.S3StoreConfig) *S3 {
	expires := time.Duration(cfg.PresignSeconds) * time.Second
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	return &S3{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		expires:   expires,
	}
}

// NewS3FromConfig loads the default AWS configuration, applying the region, endpoint and static
// credentials from cfg when given.
func NewS3FromConfig(ctx context.Context, cfg config.S3StoreConfig) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewS3(client, cfg), nil
}

func (s *S3) key(id string) string {
	return s.prefix + id
}

// UploadURL returns a pre-signed PUT URL.
func (s *S3) UploadURL(ctx context.Context, id string) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	}, s3.WithPresignExpires(s.expires))
	if err != nil {
		return "", fmt.Errorf("store: presign put %s: %w", id, err)
	}
	return req.URL, nil
}

// DownloadURL returns a pre-signed GET URL.
func (s *S3) DownloadURL(ctx context.Context, id string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	}, s3.WithPresignExpires(s.expires))
	if err != nil {
		return "", fmt.Errorf("store: presign get %s: %w", id, err)
	}
	return req.URL, nil
}

// Put uploads the blob. The body is buffered so the request can be signed, then closed.
func (s *S3) Put(ctx context.Context, id string, blob model.Blob) error {
	defer func() { _ = blob.Body.Close() }()
	data, err := io.ReadAll(blob.Body)
	if err != nil {
		return fmt.Errorf("store: read blob %s: %w", id, err)
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if blob.ContentType != "" {
		in.ContentType = aws.String(blob.ContentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("store: s3 put object: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, id string) (*model.Blob, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: s3 get object: %w", err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &model.Blob{
		ContentType: aws.ToString(out.ContentType),
		Size:        size,
		Body:        out.Body,
	}, nil
}

// Delete implements Store.
func (s *S3) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("store: s3 delete object: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

var (
	_ Store = (*S3)(nil)
	_ Store = (*Memory)(nil)
)
