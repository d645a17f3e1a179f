package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/job-reliability/pkg/core"
)

// GetIdempotency retrieves the record for (principal, key).
func (s *GormStorage) GetIdempotency(ctx context.Context, principal, key string) (*core.IdempotencyRecord, error) {
	var rec core.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("principal = ? AND idempotency_key = ?", principal, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency inserts a new record. It returns core.ErrDuplicate when
// the (principal, key) pair already exists.
func (s *GormStorage) CreateIdempotency(ctx context.Context, rec *core.IdempotencyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	return s.createUnique(ctx, rec)
}

// ReclaimIdempotency takes over an existing record for a new request. The
// update only applies if nobody else changed the record since rec was read,
// so exactly one of several concurrent reclaimers wins.
func (s *GormStorage) ReclaimIdempotency(ctx context.Context, rec *core.IdempotencyRecord) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.IdempotencyRecord{}).
		Where("principal = ? AND idempotency_key = ? AND lock_version = ?", rec.Principal, rec.Key, rec.LockVersion).
		Updates(map[string]any{
			"request_hash":          rec.RequestHash,
			"method":                rec.Method,
			"path":                  rec.Path,
			"response_status":       0,
			"response_body":         nil,
			"content_type":          "",
			"processing":            true,
			"processing_started_at": rec.ProcessingStartedAt,
			"expires_at":            rec.ExpiresAt,
			"lock_version":          rec.LockVersion + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	rec.LockVersion++
	rec.Processing = true
	rec.ResponseStatus = 0
	rec.ResponseBody = nil
	rec.ContentType = ""
	return true, nil
}

// CompleteIdempotency caches the response of a processing record held at
// lockVersion. A record reclaimed by another request is left alone.
func (s *GormStorage) CompleteIdempotency(ctx context.Context, principal, key string, lockVersion int, status int, body []byte, contentType string, expiresAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.IdempotencyRecord{}).
		Where("principal = ? AND idempotency_key = ? AND processing = ? AND lock_version = ?", principal, key, true, lockVersion).
		Updates(map[string]any{
			"response_status": status,
			"response_body":   body,
			"content_type":    contentType,
			"processing":      false,
			"expires_at":      expiresAt,
			"lock_version":    gorm.Expr("lock_version + ?", 1),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotProcessing
	}
	return nil
}

// ReleaseIdempotency deletes a processing record held at lockVersion so the
// client may retry.
func (s *GormStorage) ReleaseIdempotency(ctx context.Context, principal, key string, lockVersion int) error {
	result := s.db.WithContext(ctx).
		Where("principal = ? AND idempotency_key = ? AND processing = ? AND lock_version = ?", principal, key, true, lockVersion).
		Delete(&core.IdempotencyRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotProcessing
	}
	return nil
}

// PurgeIdempotency deletes completed records that expired before the cutoff.
func (s *GormStorage) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ? AND processing = ?", before, false).
		Delete(&core.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}

// CreateWebhookEvent records a provider event. It returns core.ErrDuplicate
// when the (provider, event_id) pair was already accepted.
func (s *GormStorage) CreateWebhookEvent(ctx context.Context, ev *core.WebhookEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	return s.createUnique(ctx, ev)
}

// GetWebhookEvent retrieves an accepted event.
func (s *GormStorage) GetWebhookEvent(ctx context.Context, provider, eventID string) (*core.WebhookEvent, error) {
	var ev core.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkWebhookProcessed flags an accepted event as fully handled.
func (s *GormStorage) MarkWebhookProcessed(ctx context.Context, provider, eventID, entityRef string, at time.Time) error {
	updates := map[string]any{
		"processed":    true,
		"processed_at": at,
	}
	if entityRef != "" {
		updates["entity_ref"] = entityRef
	}
	result := s.db.WithContext(ctx).
		Model(&core.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// PruneWebhookEvents deletes processed events older than the cutoff.
func (s *GormStorage) PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("processed = ? AND processed_at < ?", true, before).
		Delete(&core.WebhookEvent{})
	return result.RowsAffected, result.Error
}
