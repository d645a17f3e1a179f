package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/security"
)

// UpsertDeadLetter appends entry to its area, keyed by (area, fingerprint).
// A repeat death of the same payload bumps the existing entry's death count,
// refreshes its last reason and error, and re-opens it as pending.
func (s *GormStorage) UpsertDeadLetter(ctx context.Context, entry *core.DeadLetterEntry) (*core.DeadLetterEntry, error) {
	now := time.Now()
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = now
	}
	if entry.LastDeathAt.IsZero() {
		entry.LastDeathAt = entry.EnqueuedAt
	}
	if entry.FirstDeathReason == "" {
		entry.FirstDeathReason = entry.LastDeathReason
	}
	if entry.DeathCount <= 0 {
		entry.DeathCount = 1
	}
	entry.LastError = security.SanitizeErrorMessage(entry.LastError)

	existing, err := s.findDeadLetter(ctx, entry.Area, entry.Fingerprint)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		entry.Status = core.DeadLetterPending
		err = s.createUnique(ctx, entry)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, core.ErrDuplicate) {
			return nil, err
		}
		// Lost the race with a concurrent death of the same payload.
		if existing, err = s.findDeadLetter(ctx, entry.Area, entry.Fingerprint); err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, core.ErrNotFound
		}
	}

	updates := map[string]any{
		"death_count":       gorm.Expr("death_count + ?", 1),
		"last_death_reason": entry.LastDeathReason,
		"last_error":        entry.LastError,
		"last_death_at":     entry.LastDeathAt,
		"headers":           entry.Headers,
		"status":            core.DeadLetterPending,
	}
	if err := s.db.WithContext(ctx).Model(&core.DeadLetterEntry{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetDeadLetter(ctx, existing.ID)
}

func (s *GormStorage) findDeadLetter(ctx context.Context, area, fingerprint string) (*core.DeadLetterEntry, error) {
	var entry core.DeadLetterEntry
	err := s.db.WithContext(ctx).
		Where("area = ? AND fingerprint = ?", area, fingerprint).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetDeadLetter retrieves an entry by ID.
func (s *GormStorage) GetDeadLetter(ctx context.Context, id string) (*core.DeadLetterEntry, error) {
	var entry core.DeadLetterEntry
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeadLetterAreas returns per-area counts grouped by status, sorted by area.
func (s *GormStorage) DeadLetterAreas(ctx context.Context) ([]core.DeadLetterAreaStats, error) {
	type row struct {
		Area   string
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.DeadLetterEntry{}).
		Select("area, status, count(*) as count").
		Group("area, status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	statsMap := make(map[string]*core.DeadLetterAreaStats)
	for _, r := range rows {
		st, ok := statsMap[r.Area]
		if !ok {
			st = &core.DeadLetterAreaStats{Area: r.Area}
			statsMap[r.Area] = st
		}
		switch core.DeadLetterStatus(r.Status) {
		case core.DeadLetterPending:
			st.Pending += r.Count
		case core.DeadLetterStatusReplayed:
			st.Replayed += r.Count
		case core.DeadLetterDiscarded:
			st.Discarded += r.Count
		}
	}

	result := make([]core.DeadLetterAreaStats, 0, len(statsMap))
	for _, st := range statsMap {
		// Timestamps are read through the model so the driver parses them
		// with the column type; aggregates come back as text on SQLite.
		if st.Pending > 0 {
			var oldest core.DeadLetterEntry
			err := s.db.WithContext(ctx).
				Select("id", "enqueued_at").
				Where("area = ? AND status = ?", st.Area, core.DeadLetterPending).
				Order("enqueued_at ASC").
				First(&oldest).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
			if err == nil {
				t := oldest.EnqueuedAt
				st.OldestPending = &t
			}
		}
		var latest core.DeadLetterEntry
		err := s.db.WithContext(ctx).
			Select("id", "last_death_at").
			Where("area = ?", st.Area).
			Order("last_death_at DESC").
			First(&latest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if err == nil {
			t := latest.LastDeathAt
			st.LastDeathAt = &t
		}
		result = append(result, *st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Area < result[j].Area })
	return result, nil
}

// PendingDeadLetters returns up to limit pending entries, oldest first.
func (s *GormStorage) PendingDeadLetters(ctx context.Context, area string, limit int) ([]*core.DeadLetterEntry, error) {
	var entries []*core.DeadLetterEntry
	err := s.db.WithContext(ctx).
		Where("area = ? AND status = ?", area, core.DeadLetterPending).
		Order("enqueued_at ASC, id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// MarkDeadLetterReplayed records that a pending entry was re-published.
func (s *GormStorage) MarkDeadLetterReplayed(ctx context.Context, id, batchID string, at time.Time) error {
	return s.transitionDeadLetter(ctx, id, map[string]any{
		"status":          core.DeadLetterStatusReplayed,
		"replay_batch_id": batchID,
		"replayed_at":     at,
	})
}

// RecordReplayFailure counts a failed re-publish. The entry stays pending.
func (s *GormStorage) RecordReplayFailure(ctx context.Context, id, errMsg string) error {
	result := s.db.WithContext(ctx).
		Model(&core.DeadLetterEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"replay_failures":   gorm.Expr("replay_failures + ?", 1),
			"last_replay_error": security.SanitizeErrorMessage(errMsg),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// DiscardDeadLetter permanently discards a pending entry.
func (s *GormStorage) DiscardDeadLetter(ctx context.Context, id string, at time.Time) error {
	return s.transitionDeadLetter(ctx, id, map[string]any{
		"status":       core.DeadLetterDiscarded,
		"discarded_at": at,
	})
}

func (s *GormStorage) transitionDeadLetter(ctx context.Context, id string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.DeadLetterEntry{}).
		Where("id = ? AND status = ?", id, core.DeadLetterPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// CreateReplayBatch persists a replay batch before anything is published.
func (s *GormStorage) CreateReplayBatch(ctx context.Context, batch *core.ReplayBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.Status == "" {
		batch.Status = core.ReplayRunning
	}
	if batch.StartedAt.IsZero() {
		batch.StartedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(batch).Error
}

// FinishReplayBatch stores the final counters and status of a batch.
func (s *GormStorage) FinishReplayBatch(ctx context.Context, batch *core.ReplayBatch) error {
	if batch.FinishedAt == nil {
		now := time.Now()
		batch.FinishedAt = &now
	}
	result := s.db.WithContext(ctx).
		Model(&core.ReplayBatch{}).
		Where("id = ?", batch.ID).
		Updates(map[string]any{
			"attempted":   batch.Attempted,
			"replayed":    batch.Replayed,
			"failed":      batch.Failed,
			"status":      batch.Status,
			"finished_at": batch.FinishedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// GetReplayBatch retrieves a replay batch by ID.
func (s *GormStorage) GetReplayBatch(ctx context.Context, id string) (*core.ReplayBatch, error) {
	var batch core.ReplayBatch
	err := s.db.WithContext(ctx).First(&batch, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}
