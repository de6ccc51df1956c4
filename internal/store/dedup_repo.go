package store

import (
	"time"
)

// DedupRepo defines the interface for inbound message deduplication. Providers
// redeliver webhooks, so every inbound message id is recorded once.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, phone string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// PurgeDedupBefore deletes records received before cutoff.
	PurgeDedupBefore(cutoff time.Time) (int, error)
}
