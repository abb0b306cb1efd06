package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appconfig "github.com/yieldledger/backend/internal/config"
	"github.com/yieldledger/backend/internal/models"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes finished job-run summaries to an S3-compatible bucket.
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
}

func NewS3Archiver(client putObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// NewS3ArchiverFromConfig builds a client from cfg. Static credentials are
// used when both keys are set; otherwise the default AWS chain applies.
// A custom endpoint switches to path-style addressing (MinIO, R2).
func NewS3ArchiverFromConfig(ctx context.Context, cfg appconfig.ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

// ObjectKey is <prefix>/<job>/<run date>/<run id>.json.
func (a *S3Archiver) ObjectKey(run *models.JobRun) string {
	return path.Join(a.prefix, run.JobName, run.RunDate.UTC().Format("2006-01-02"), fmt.Sprintf("%d.json", run.ID))
}

func (a *S3Archiver) ArchiveJobRun(ctx context.Context, run *models.JobRun) error {
	if run == nil {
		return errors.New("nil job run")
	}
	if err := a.putJSON(ctx, a.ObjectKey(run), run); err != nil {
		return fmt.Errorf("failed to upload job run %d: %w", run.ID, err)
	}
	return nil
}

// ArchiveReport stores an ad-hoc report under <prefix>/reports/<kind>/<date>/<unix nanos>.json
// and returns the object key.
func (a *S3Archiver) ArchiveReport(ctx context.Context, kind string, at time.Time, report any) (string, error) {
	at = at.UTC()
	key := path.Join(a.prefix, "reports", kind, at.Format("2006-01-02"), fmt.Sprintf("%d.json", at.UnixNano()))
	if err := a.putJSON(ctx, key, report); err != nil {
		return "", fmt.Errorf("failed to upload %s report: %w", kind, err)
	}
	return key, nil
}

func (a *S3Archiver) putJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}
