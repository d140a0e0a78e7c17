// Package exports stores generated export files in S3 and tracks them
// with Redis manifests. Manifests expire after 24 hours; the cleanup
// cron deletes the files they pointed at, plus any object old enough
// that its manifest must have existed and is gone.
package exports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

const (
	manifestPrefix = "audit_export:"
	manifestTTL    = 24 * time.Hour
	scanBatch      = 100
)

// ErrManifestNotFound is returned when no manifest exists for the job
var ErrManifestNotFound = errors.New("export manifest not found")

// s3API is the slice of the S3 client the store uses
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// uploader is the slice of the transfer manager used for Put
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

func manifestKey(tenantID, jobID uuid.UUID) string {
	return fmt.Sprintf("%s%s:%s", manifestPrefix, tenantID, jobID)
}

// Store writes export files and sweeps expired ones
type Store struct {
	s3        s3API
	uploader  uploader
	redis     redis.UniversalClient
	bucket    string
	prefix    string
	orphanTTL time.Duration
	metrics   *metrics.Metrics
	logger    observability.Logger
}

func NewStore(client *s3.Client, rdb redis.UniversalClient, cfg config.ExportsConfig, m *metrics.Metrics, logger observability.Logger) *Store {
	return &Store{
		s3:        client,
		uploader:  manager.NewUploader(client),
		redis:     rdb,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		orphanTTL: cfg.OrphanTTL,
		metrics:   m,
		logger:    logger.WithPrefix("exports"),
	}
}

func (s *Store) objectKey(tenantID, jobID uuid.UUID) string {
	return fmt.Sprintf("%s%s/%s", s.prefix, tenantID, jobID)
}

// Put uploads one export file and records its manifest. If the manifest
// write fails the object is left behind; the orphan sweep reclaims it.
func (s *Store) Put(ctx context.Context, tenantID, jobID uuid.UUID, contentType string, body io.Reader, size int64) (*models.ExportManifest, error) {
	key := s.objectKey(tenantID, jobID)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("upload export %s: %w", key, err)
	}

	now := time.Now().UTC()
	manifest := &models.ExportManifest{
		TenantID:  tenantID,
		JobID:     jobID,
		Key:       key,
		Bucket:    s.bucket,
		SizeBytes: size,
		CreatedAt: now,
		ExpiresAt: now.Add(manifestTTL),
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := s.redis.Set(ctx, manifestKey(tenantID, jobID), raw, manifestTTL).Err(); err != nil {
		s.logger.Warn("manifest write failed, object becomes a sweepable orphan", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("store manifest for %s: %w", key, err)
	}

	s.logger.Info("export stored", map[string]interface{}{
		"tenant_id":  tenantID.String(),
		"job_id":     jobID.String(),
		"key":        key,
		"size_bytes": size,
	})
	return manifest, nil
}

// Manifest loads the manifest for one export job
func (s *Store) Manifest(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ExportManifest, error) {
	raw, err := s.redis.Get(ctx, manifestKey(tenantID, jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	var manifest models.ExportManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// Sweep deletes export files in two passes. First it walks the live
// manifests: expired ones lose their object and key, the rest mark their
// object as protected. Then it lists the bucket prefix and removes any
// unprotected object older than the orphan TTL, which covers manifests
// Redis already expired and uploads whose manifest write failed.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	live := make(map[string]bool)
	deleted := 0

	iter := s.redis.Scan(ctx, 0, manifestPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("read manifest %s: %w", key, err)
		}

		var manifest models.ExportManifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			s.logger.Warn("dropping unreadable manifest", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			s.redis.Del(ctx, key)
			continue
		}

		if manifest.ExpiresAt.After(now) {
			live[manifest.Key] = true
			continue
		}
		if s.deleteObject(ctx, manifest.Key) {
			deleted++
		}
		s.redis.Del(ctx, key)
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan manifests: %w", err)
	}

	paginator := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("list exports: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if live[key] {
				continue
			}
			if obj.LastModified == nil || now.Sub(*obj.LastModified) < s.orphanTTL {
				continue
			}
			if s.deleteObject(ctx, key) {
				deleted++
			}
		}
	}

	if deleted > 0 {
		s.logger.Info("export sweep finished", map[string]interface{}{
			"deleted": deleted,
		})
	}
	return deleted, nil
}

// deleteObject removes one object, reporting rather than failing the
// sweep on error
func (s *Store) deleteObject(ctx context.Context, key string) bool {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Warn("could not delete export object", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	s.metrics.ExportFilesDeleted.Inc()
	return true
}
