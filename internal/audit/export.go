package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"marketplace-reconciler/internal/models"
)

// Uploader is the blob operation the exporter needs, extracted for tests.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter writes a subject's audit trail to object storage for long-term
// compliance retention.
type Exporter struct {
	uploader Uploader
}

func NewExporter(uploader Uploader) *Exporter {
	return &Exporter{uploader: uploader}
}

// NewS3Exporter builds an exporter backed by S3.
func NewS3Exporter(ctx context.Context, region, bucket string) (*Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return NewExporter(&s3Uploader{client: client, bucket: bucket}), nil
}

// ExportTrail serializes one trail as JSON and uploads it. Returns the
// object location.
func (e *Exporter) ExportTrail(ctx context.Context, trail models.Trail) (string, error) {
	body, err := json.MarshalIndent(trail, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal trail: %w", err)
	}
	key := fmt.Sprintf("audit-trails/%s/%s.json", trail.SubjectID, time.Now().UTC().Format("20060102T150405Z"))
	loc, err := e.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload trail: %w", err)
	}
	return loc, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
