package core

import "time"

// IdempotencyRecord caches the outcome of a request made with a client-supplied key.
// (Principal, Key) is unique at the storage layer.
type IdempotencyRecord struct {
	ID                  string     `gorm:"primaryKey;size:36"`
	Principal           string     `gorm:"size:255;not null;uniqueIndex:idx_idempotency_principal_key,priority:1"`
	Key                 string     `gorm:"column:idempotency_key;size:255;not null;uniqueIndex:idx_idempotency_principal_key,priority:2"`
	RequestHash         string     `gorm:"size:64;not null"`
	Method              string     `gorm:"size:16"`
	Path                string     `gorm:"size:1024"`
	ResponseStatus      int        `gorm:"default:0"`
	ResponseBody        []byte     `gorm:"type:bytes"`
	ContentType         string     `gorm:"size:255"`
	Processing          bool       `gorm:"default:false"`
	ProcessingStartedAt *time.Time
	LockVersion         int       `gorm:"default:0"`
	ExpiresAt           time.Time `gorm:"index;not null"`
	CreatedAt           time.Time `gorm:"autoCreateTime"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
}

// WebhookEvent records that a provider event has been accepted.
// (Provider, EventID) is unique at the storage layer.
type WebhookEvent struct {
	ID          string     `gorm:"primaryKey;size:36"`
	Provider    string     `gorm:"size:64;not null;uniqueIndex:idx_webhook_provider_event,priority:1"`
	EventID     string     `gorm:"size:255;not null;uniqueIndex:idx_webhook_provider_event,priority:2"`
	Processed   bool       `gorm:"default:false"`
	ProcessedAt *time.Time `gorm:"index"`
	EntityRef   string     `gorm:"size:255"`
	ReceivedAt  time.Time  `gorm:"autoCreateTime"`
}
