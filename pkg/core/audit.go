package core

import "time"

// AuditLogEntry is one link of an append-only hash chain.
// The unique (scope, prev_chain_hash) index keeps a chain from forking.
// Payload stores the canonical bytes verbatim as text, never as jsonb.
type AuditLogEntry struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	ScopeType     string    `gorm:"size:64;not null;uniqueIndex:idx_audit_chain_link,priority:1"`
	ScopeID       string    `gorm:"size:255;not null;uniqueIndex:idx_audit_chain_link,priority:2"`
	Actor         *string   `gorm:"size:255"`
	EventType     string    `gorm:"size:128;not null;index"`
	Payload       string    `gorm:"type:text;not null"`
	PrevChainHash string    `gorm:"size:64;not null;uniqueIndex:idx_audit_chain_link,priority:3"`
	ChainHash     string    `gorm:"size:64;not null;index"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}
