package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	sc "github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) objectPutter {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Archiver keeps a copy of the raw external records pulled for one binding.
type Archiver interface {
	Archive(ctx context.Context, runID string, binding models.DatabaseBinding, records []workspace.Record) (string, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// archiveDocument is the JSON stored per binding and run.
type archiveDocument struct {
	RunID              string            `json:"run_id"`
	UserID             string            `json:"user_id"`
	EntityType         models.EntityType `json:"entity_type"`
	ExternalDatabaseID string            `json:"external_database_id"`
	ArchivedAt         time.Time         `json:"archived_at"`
	Records            []json.RawMessage `json:"records"`
}

// S3Archiver writes archive documents to an S3-compatible bucket.
type S3Archiver struct {
	client objectPutter
	bucket string
	now    func() time.Time
}

func NewS3Archiver(ctx context.Context, cfg *sc.Config) (*S3Archiver, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3RootUser,
			cfg.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3BaseEndpoint)
		o.UsePathStyle = true
	})

	return &S3Archiver{client: client, bucket: cfg.S3Bucket, now: time.Now}, nil
}

func archiveKey(userID, runID string, et models.EntityType, d time.Time) string {
	return fmt.Sprintf("reconcile/%s/%d/%02d/%02d/%s/%s.json", userID, d.Year(), d.Month(), d.Day(), runID, et)
}

// Archive stores records and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, runID string, binding models.DatabaseBinding, records []workspace.Record) (string, error) {
	now := a.now().UTC()
	doc := archiveDocument{
		RunID:              runID,
		UserID:             binding.UserID,
		EntityType:         binding.EntityType,
		ExternalDatabaseID: binding.ExternalDatabaseID,
		ArchivedAt:         now,
		Records:            make([]json.RawMessage, 0, len(records)),
	}
	for _, r := range records {
		raw := r.Raw
		if len(raw) == 0 {
			var err error
			if raw, err = json.Marshal(r); err != nil {
				return "", err
			}
		}
		doc.Records = append(doc.Records, raw)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	key := archiveKey(binding.UserID, runID, binding.EntityType, now)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("error archiving %s: %w", binding.EntityType, err)
	}
	return key, nil
}
