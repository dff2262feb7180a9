package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/STRATINT/postlink/internal/config"
)

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps media in an S3 bucket or S3-compatible storage.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store creates an S3Store. Explicit keys are used when both are set,
// otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg config.MediaConfig, logger *slog.Logger) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true // MinIO and most S3-compatible storage
		})
	}

	logger.Info("S3 media store initialized",
		"bucket", cfg.S3Bucket,
		"prefix", cfg.S3Prefix,
		"region", region,
		"endpoint", cfg.S3Endpoint)

	return newS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg.S3Bucket, cfg.S3Prefix, logger), nil
}

func newS3Store(client s3API, bucket, prefix string, logger *slog.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(cleaned)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get media %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read media %s: %w", key, err)
	}

	ct := aws.ToString(out.ContentType)
	if ct == "" || ct == "binary/octet-stream" || ct == "application/octet-stream" {
		ct = contentType(cleaned, data)
	}
	return &Object{Data: data, ContentType: ct}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, obj Object) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}

	ct := obj.ContentType
	if ct == "" {
		ct = contentType(cleaned, obj.Data)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.fullKey(cleaned)),
		Body:          bytes.NewReader(obj.Data),
		ContentType:   aws.String(ct),
		ContentLength: aws.Int64(int64(len(obj.Data))),
	})
	if err != nil {
		return fmt.Errorf("failed to put media %s: %w", key, err)
	}

	s.logger.Debug("media stored", "bucket", s.bucket, "key", s.fullKey(cleaned), "bytes", len(obj.Data))
	return nil
}
