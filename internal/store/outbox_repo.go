// Package store provides the OutboxRepo interface and model for restart-safe outgoing sends.
package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// Outbox message kinds used by the conversation pipeline.
const (
	// OutboxKindReply is a flow or AI reply delivered back to a messaging user.
	OutboxKindReply = "reply"
	// OutboxKindInvitation is the continuation invitation sent on first handoff.
	OutboxKindInvitation = "invitation"
	// OutboxKindReminder is a nudge for a session stalled mid-flow.
	OutboxKindReminder = "reminder"
)

// OutboxMessage represents a durable outgoing message record.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Address       string       `json:"address"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// MessagePayload is the payload carried by reply/invitation/reminder outbox
// messages: a destination address and message text.
type MessagePayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// EncodeMessagePayload marshals a MessagePayload for storage.
func EncodeMessagePayload(p MessagePayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode message payload failed: %w", err)
	}
	return string(b), nil
}

// DecodeMessagePayload unmarshals a stored outbox payload.
func DecodeMessagePayload(payloadJSON string) (MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return p, fmt.Errorf("decode message payload failed: %w", err)
	}
	return p, nil
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. If dedupeKey is non-empty
	// and a non-terminal message with that key exists, returns the existing ID.
	EnqueueOutboxMessage(address, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
