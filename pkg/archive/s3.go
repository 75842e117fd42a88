package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/config"
)

// contentType is the Prometheus text exposition media type.
const contentType = "text/plain; version=0.0.4; charset=utf-8"

// Archiver copies rendered exports to object storage.
type Archiver interface {
	// Preflight verifies that the bucket is reachable and writable by
	// writing a small test object.
	Preflight(ctx context.Context) error

	// Archive uploads one export under prefix/dataset/snapshot.prom.
	Archive(ctx context.Context, dataset, snapshot, text string) error
}

// putObjectAPI is the subset of the S3 client used here.
type putObjectAPI interface {
	PutObject(
		ctx context.Context,
		params *s3.PutObjectInput,
		optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

// Compile-time interface check.
var _ Archiver = (*s3Archiver)(nil)

type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3ArchiveConfig
	client putObjectAPI
}

// NewS3Archiver creates an archiver for S3-compatible storage.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.S3ArchiveConfig) Archiver {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Archiver{
		log:    log.WithField("component", "s3-archiver"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("querydelta write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.prefix() + "/.querydelta-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

func (a *s3Archiver) Archive(ctx context.Context, dataset, snapshot, text string) error {
	key := a.resolveKey(dataset, snapshot)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(text),
		ContentLength: aws.Int64(int64(len(text))),
		ContentType:   aws.String(contentType),
	}

	if a.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(a.cfg.StorageClass)
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("PutObject %s: %w", key, err)
	}

	a.log.WithFields(logrus.Fields{
		"bucket": a.cfg.Bucket,
		"key":    key,
		"size":   units.HumanSize(float64(len(text))),
	}).Debug("Archived export")

	return nil
}

func (a *s3Archiver) prefix() string {
	prefix := a.cfg.Prefix
	if prefix == "" {
		prefix = config.DefaultArchivePrefix
	}

	return strings.TrimRight(prefix, "/")
}

// resolveKey builds the object key for one export. Colons in the snapshot
// timestamp are replaced so keys stay valid file names when synced locally.
func (a *s3Archiver) resolveKey(dataset, snapshot string) string {
	return a.prefix() + "/" + dataset + "/" + strings.ReplaceAll(snapshot, ":", "-") + ".prom"
}
