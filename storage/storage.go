// Package storage archives inbound attachments to S3-compatible object
// storage. Objects are content-addressed by BLAKE3 hash, so the same image
// posted to fifty groups is stored once — and the hash doubles as the key
// the image-reuse spam check counts against.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/consts"
	"github.com/freegle/inbound/helpers"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/mailparser"
	"github.com/freegle/inbound/pkg/metrics"
	"github.com/freegle/inbound/pkg/retry"
)

const keyPrefix = "attachments"

// objectClient is the slice of the S3 API the archiver uses.
type objectClient interface {
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type minioAdapter struct{ client *minio.Client }

func (m minioAdapter) StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, bucket, key, opts)
}

func (m minioAdapter) PutObject(ctx context.Context, bucket, key string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.client.PutObject(ctx, bucket, key, reader, size, opts)
}

// Archiver uploads attachment content. A nil Archiver is valid and archives
// nothing, which is how a disabled S3 config behaves.
type Archiver struct {
	client  objectClient
	bucket  string
	backoff retry.BackoffConfig
}

// New builds an Archiver from configuration. Disabled config yields nil.
func New(cfg config.S3Config) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing S3 client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	return &Archiver{
		client:  minioAdapter{client: client},
		bucket:  cfg.Bucket,
		backoff: retry.DefaultBackoffConfig(),
	}, nil
}

// Archived describes one stored attachment.
type Archived struct {
	Key         string
	ContentHash string
	Size        int64
}

// ArchiveAttachments stores every image attachment of the message, skipping
// objects that already exist. Failures on individual attachments are
// logged and counted, not propagated: archiving is a side channel and must
// never block routing.
func (a *Archiver) ArchiveAttachments(ctx context.Context, p *mailparser.ParsedEmail) []Archived {
	if a == nil {
		return nil
	}

	var stored []Archived
	for _, att := range p.Attachments {
		if !strings.HasPrefix(att.ContentType, "image/") || len(att.Data) == 0 {
			continue
		}

		hash := helpers.ContentHash(att.Data)
		key := helpers.NewS3Key(keyPrefix, hash)

		archived, err := a.put(ctx, key, att.ContentType, att.Data)
		if err != nil {
			logger.WarnContext(ctx, "attachment archive failed", "key", key, "error", err)
			metrics.AttachmentUploads.WithLabelValues("failure").Inc()
			continue
		}
		if archived {
			metrics.AttachmentUploads.WithLabelValues("success").Inc()
		} else {
			metrics.AttachmentUploads.WithLabelValues("deduplicated").Inc()
		}
		stored = append(stored, Archived{Key: key, ContentHash: hash, Size: int64(len(att.Data))})
	}
	return stored
}

// put uploads one object unless it already exists. Returns whether an
// upload happened.
func (a *Archiver) put(ctx context.Context, key, contentType string, data []byte) (bool, error) {
	_, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return false, nil
	}
	var minioErr minio.ErrorResponse
	if !errors.As(err, &minioErr) || minioErr.StatusCode != 404 {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}

	start := time.Now()
	err = retry.WithRetry(ctx, func() error {
		_, putErr := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType, SendContentMd5: true})
		return putErr
	}, a.backoff)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", consts.ErrS3UploadFailed, key, err)
	}

	logger.DebugContext(ctx, "archived attachment",
		"key", key, "size", len(data), "took", time.Since(start))
	return true, nil
}
