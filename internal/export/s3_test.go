package export

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Key(t *testing.T) {
	s := NewS3SinkWithClient(&fakePutter{}, "intel", "/exports/", logger.Nop())
	assert.Equal(t, "exports/acme/stix/20240501T120000Z.json", s.Key("acme", "stix", "json", snapshot))

	bare := NewS3SinkWithClient(&fakePutter{}, "intel", "", logger.Nop())
	assert.Equal(t, "acme/yara/20240501T120000Z.yar", bare.Key("acme", "yara", "yar", snapshot))
}

func TestS3Upload(t *testing.T) {
	fp := &fakePutter{}
	s := NewS3SinkWithClient(fp, "intel", "exports", logger.Nop())

	uri, err := s.Upload(context.Background(), "acme", NewCSVExporter(), []byte("kind,value\n"), snapshot)
	require.NoError(t, err)
	assert.Equal(t, "s3://intel/exports/acme/csv/20240501T120000Z.csv", uri)

	require.NotNil(t, fp.in)
	assert.Equal(t, "intel", *fp.in.Bucket)
	assert.Equal(t, "text/csv", *fp.in.ContentType)
	assert.Equal(t, int64(11), *fp.in.ContentLength)
	assert.Equal(t, "acme", fp.in.Metadata["tenant"])
	assert.Equal(t, "kind,value\n", string(fp.body))
}

func TestS3UploadErrors(t *testing.T) {
	s := NewS3SinkWithClient(&fakePutter{err: errors.New("access denied")}, "intel", "", logger.Nop())
	_, err := s.Upload(context.Background(), "acme", NewJSONExporter(), []byte("{}"), snapshot)
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Upload(ctx, "acme", NewJSONExporter(), []byte("{}"), snapshot)
	assert.ErrorIs(t, err, models.ErrCancelled)
}

func TestNewS3SinkValidation(t *testing.T) {
	_, err := NewS3Sink(context.Background(), config.S3Config{Region: "us-east-1"}, logger.Nop())
	assert.Error(t, err)
	_, err = NewS3Sink(context.Background(), config.S3Config{Bucket: "intel"}, logger.Nop())
	assert.Error(t, err)
}
