package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

// ObjectPutter is the part of the S3 API the sink uses
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads export artefacts to s3://bucket/prefix/<tenant>/<format>/<ts>.<ext>
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *logger.Logger
}

// NewS3Sink builds an S3 client from configuration. Static credentials are
// used when set, the default AWS chain otherwise.
func NewS3Sink(ctx context.Context, cfg config.S3Config, log *logger.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	s := NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix, log)
	s.logger.Info().Str("bucket", cfg.Bucket).Str("region", cfg.Region).Msg("s3 export sink initialized")
	return s, nil
}

// NewS3SinkWithClient creates a sink on an existing client
func NewS3SinkWithClient(client ObjectPutter, bucket, prefix string, log *logger.Logger) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: log.WithComponent("s3-sink"),
	}
}

// Key returns the object key of an export
func (s *S3Sink) Key(tenantID, format, ext string, at time.Time) string {
	name := at.UTC().Format("20060102T150405Z") + "." + ext
	return path.Join(s.prefix, tenantID, format, name)
}

// Upload stores one rendered export and returns its s3:// URI
func (s *S3Sink) Upload(ctx context.Context, tenantID string, e Exporter, body []byte, at time.Time) (string, error) {
	key := s.Key(tenantID, e.Format(), e.Extension(), at)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(e.ContentType()),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"tenant": tenantID,
			"format": e.Format(),
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", models.FromContext("s3_upload", ctxErr)
		}
		return "", models.NewError(models.KindBackendUnavailable, "s3_upload", err)
	}

	uri := "s3://" + s.bucket + "/" + key
	s.logger.Info().Str("tenant", tenantID).Str("uri", uri).Int("bytes", len(body)).Msg("export uploaded")
	return uri, nil
}
