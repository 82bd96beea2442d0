// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound message deduplication record. Message IDs
// come from the messaging provider (or are synthesized by the webhook layer)
// and identify one logical inbound turn across re-deliveries.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Address     string     `json:"address"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	// Returns true if the message was already seen.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, address string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// PruneDedupBefore deletes records received before the cutoff and returns
	// how many were removed. Run periodically so the table stays bounded.
	PruneDedupBefore(cutoff time.Time) (int, error)
}
