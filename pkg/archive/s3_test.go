package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/querydelta/pkg/config"
)

type recordedPut struct {
	bucket       string
	key          string
	body         string
	contentType  string
	storageClass s3types.StorageClass
}

type fakeS3 struct {
	puts []recordedPut
	err  error
}

func (f *fakeS3) PutObject(
	_ context.Context,
	in *s3.PutObjectInput,
	_ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.puts = append(f.puts, recordedPut{
		bucket:       aws.ToString(in.Bucket),
		key:          aws.ToString(in.Key),
		body:         string(body),
		contentType:  aws.ToString(in.ContentType),
		storageClass: in.StorageClass,
	})

	return &s3.PutObjectOutput{}, nil
}

func newTestArchiver(cfg *config.S3ArchiveConfig, client putObjectAPI) *s3Archiver {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return &s3Archiver{log: log, cfg: cfg, client: client}
}

func TestResolveKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			want:   "querydelta/exports/billing/2026-03-01T10-00-00Z.prom",
		},
		{
			name:   "custom prefix",
			prefix: "team/db",
			want:   "team/db/billing/2026-03-01T10-00-00Z.prom",
		},
		{
			name:   "trailing slash stripped",
			prefix: "team/",
			want:   "team/billing/2026-03-01T10-00-00Z.prom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &s3Archiver{cfg: &config.S3ArchiveConfig{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, a.resolveKey("billing", "2026-03-01T10:00:00Z"))
		})
	}
}

func TestArchive(t *testing.T) {
	client := &fakeS3{}
	a := newTestArchiver(&config.S3ArchiveConfig{
		Bucket:       "exports",
		StorageClass: "STANDARD_IA",
	}, client)

	require.NoError(t, a.Archive(context.Background(), "billing", "2026-03-01T10:00:00Z", "x 1\n"))

	require.Len(t, client.puts, 1)
	put := client.puts[0]
	assert.Equal(t, "exports", put.bucket)
	assert.Equal(t, "querydelta/exports/billing/2026-03-01T10-00-00Z.prom", put.key)
	assert.Equal(t, "x 1\n", put.body)
	assert.Equal(t, contentType, put.contentType)
	assert.Equal(t, s3types.StorageClassStandardIa, put.storageClass)
}

func TestArchive_Error(t *testing.T) {
	a := newTestArchiver(&config.S3ArchiveConfig{Bucket: "exports"},
		&fakeS3{err: errors.New("AccessDenied")})

	err := a.Archive(context.Background(), "billing", "t", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestPreflight(t *testing.T) {
	client := &fakeS3{}
	a := newTestArchiver(&config.S3ArchiveConfig{Bucket: "exports", Prefix: "qd"}, client)

	require.NoError(t, a.Preflight(context.Background()))
	require.Len(t, client.puts, 1)
	assert.Equal(t, "qd/.querydelta-write-test", client.puts[0].key)
	assert.Contains(t, client.puts[0].body, "querydelta write test")
}

func TestNewS3Archiver(t *testing.T) {
	a := NewS3Archiver(logrus.New(), &config.S3ArchiveConfig{
		Bucket:          "exports",
		EndpointURL:     "http://localhost:9000",
		ForcePathStyle:  true,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	})

	s, ok := a.(*s3Archiver)
	require.True(t, ok)

	client, ok := s.client.(*s3.Client)
	require.True(t, ok)

	opts := client.Options()
	assert.Equal(t, "us-east-1", opts.Region)
	assert.Equal(t, "http://localhost:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)
}
