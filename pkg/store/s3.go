package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver writes pruned update records to an S3 bucket before they
// are deleted from the durable log, so history removed by retention can
// still be reconstructed offline. One object is written per prune run,
// as JSON lines.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver writing under prefix in bucket.
func NewS3Archiver(client *s3.Client, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "loomsync-archive/"
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// archivedRecord is the JSON-lines form of one archived record.
type archivedRecord struct {
	ID        string `json:"id"`
	Payload   string `json:"payload"` // base64
	ByteSize  int64  `json:"byte_size"`
	UserID    string `json:"user_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Archive uploads one batch of pruned records. The object key embeds
// the workspace and the upload time so successive prunes never collide.
func (a *S3Archiver) Archive(ctx context.Context, workspaceID string, records []UpdateRecord) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		line := archivedRecord{
			ID:        rec.ID,
			Payload:   base64.StdEncoding.EncodeToString(rec.Payload),
			ByteSize:  rec.ByteSize,
			UserID:    rec.UserID,
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("store: encode archive record: %w", err)
		}
	}

	key := fmt.Sprintf("%s%s/%d.jsonl", a.prefix, workspaceID, time.Now().UnixNano())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("store: archive upload: %w", err)
	}
	return nil
}
