package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/jdziat/job-reliability/pkg/core"
)

// LastAuditEntry returns the tail of a scope's chain, or nil for an empty chain.
func (s *GormStorage) LastAuditEntry(ctx context.Context, scopeType, scopeID string) (*core.AuditLogEntry, error) {
	var entry core.AuditLogEntry
	err := s.db.WithContext(ctx).
		Where("scope_type = ? AND scope_id = ?", scopeType, scopeID).
		Order("id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// InsertAuditEntry appends an entry. It returns core.ErrDuplicate when
// another entry already links to the same predecessor.
func (s *GormStorage) InsertAuditEntry(ctx context.Context, entry *core.AuditLogEntry) error {
	return s.createUnique(ctx, entry)
}

// AuditEntries returns up to limit entries of a scope with ID > afterID in chain order.
func (s *GormStorage) AuditEntries(ctx context.Context, scopeType, scopeID string, afterID uint64, limit int) ([]*core.AuditLogEntry, error) {
	var entries []*core.AuditLogEntry
	err := s.db.WithContext(ctx).
		Where("scope_type = ? AND scope_id = ? AND id > ?", scopeType, scopeID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
