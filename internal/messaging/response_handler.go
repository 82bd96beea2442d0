// Package messaging provides message delivery backends and inbound response
// routing for IntakeFlow conversations.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakeFlow/internal/flow"
	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
)

// JobKindSessionReminder is the durable job kind for mid-flow reminder nudges.
const JobKindSessionReminder = "session_reminder"

// DefaultReminderDelay is how long a guided session may sit idle on one step
// before a reminder nudge is scheduled.
const DefaultReminderDelay = 30 * time.Minute

// failureReply is queued when a conversation turn cannot be processed.
const failureReply = "Sorry, something went wrong on our side. Please try again in a moment."

// reminderLeadIn opens every reminder nudge, followed by the pending question.
const reminderLeadIn = "Just checking in! Whenever you're ready, here is where we left off:"

// ReminderPayload is the payload carried by session reminder jobs. StepKey
// records which step the session was waiting on when the reminder was
// scheduled; the job handler skips the nudge if the session has moved on.
type ReminderPayload struct {
	SessionID string `json:"session_id"`
	StepKey   string `json:"step_key"`
	Address   string `json:"address"`
}

// ConversationResponder advances a conversation by one inbound message.
// Implemented by flow.Service.
type ConversationResponder interface {
	RespondInbound(ctx context.Context, address, text string) (*models.FlowResult, error)
}

// ResponseHandler routes incoming messages into the conversation flow and
// queues the resulting replies on the durable outbox.
type ResponseHandler struct {
	responder     ConversationResponder
	st            store.Store
	msgService    Service
	reminderDelay time.Duration
}

// NewResponseHandler creates a new ResponseHandler with the given conversation
// responder, store, and messaging service.
func NewResponseHandler(responder ConversationResponder, st store.Store, msgService Service) *ResponseHandler {
	return &ResponseHandler{
		responder:     responder,
		st:            st,
		msgService:    msgService,
		reminderDelay: DefaultReminderDelay,
	}
}

// SetReminderDelay overrides how long a session may idle before a reminder is
// scheduled. Zero or negative disables reminder scheduling.
func (rh *ResponseHandler) SetReminderDelay(d time.Duration) {
	rh.reminderDelay = d
	slog.Debug("ResponseHandler reminder delay updated", "delay", d)
}

// ProcessResponse handles one inbound message end to end: canonicalize the
// sender, drop re-delivered turns, advance the conversation, and queue the
// reply for delivery.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	slog.Debug("ResponseHandler processing response", "from", canonicalFrom, "messageID", response.MessageID, "body_length", len(response.Body))

	if response.MessageID != "" {
		inserted, err := rh.st.RecordInbound(response.MessageID, canonicalFrom)
		if err != nil {
			// Deduplication is advisory; processing a turn twice beats losing it.
			slog.Warn("ResponseHandler dedup record failed, continuing", "error", err, "messageID", response.MessageID)
		} else if !inserted {
			slog.Debug("ResponseHandler skipping duplicate inbound message", "from", canonicalFrom, "messageID", response.MessageID)
			return nil
		}
	}

	result, err := rh.responder.RespondInbound(ctx, canonicalFrom, response.Body)
	if err != nil {
		slog.Error("ResponseHandler conversation turn failed", "error", err, "from", canonicalFrom)
		rh.enqueueReply(canonicalFrom, failureReply, "")
		return fmt.Errorf("conversation turn failed: %w", err)
	}

	dedupeKey := ""
	if response.MessageID != "" {
		dedupeKey = "reply:" + response.MessageID
	}
	rh.enqueueReply(canonicalFrom, result.Reply, dedupeKey)

	if response.MessageID != "" {
		if err := rh.st.MarkProcessed(response.MessageID); err != nil {
			slog.Debug("ResponseHandler mark processed failed", "error", err, "messageID", response.MessageID)
		}
	}

	rh.maybeScheduleReminder(canonicalFrom, result)

	slog.Info("ResponseHandler conversation turn handled", "from", canonicalFrom, "sessionID", result.SessionID, "status", result.Status)
	return nil
}

// enqueueReply queues an outgoing reply on the durable outbox.
func (rh *ResponseHandler) enqueueReply(address, body, dedupeKey string) {
	if body == "" {
		slog.Warn("ResponseHandler skipping empty reply", "address", address)
		return
	}
	payloadJSON, err := store.EncodeMessagePayload(store.MessagePayload{To: address, Body: body})
	if err != nil {
		slog.Error("ResponseHandler reply payload encode failed", "error", err, "address", address)
		return
	}
	if _, err := rh.st.EnqueueOutboxMessage(address, store.OutboxKindReply, payloadJSON, dedupeKey); err != nil {
		slog.Error("ResponseHandler reply enqueue failed", "error", err, "address", address)
	}
}

// maybeScheduleReminder queues a nudge for sessions still mid-flow. The job
// dedupe key pins one live reminder per session step; answering a step lets
// the next step schedule its own.
func (rh *ResponseHandler) maybeScheduleReminder(address string, result *models.FlowResult) {
	if rh.reminderDelay <= 0 {
		return
	}
	if result.Status != models.SessionStatusInProgress || result.SessionID == "" || result.StepKey == "" {
		return
	}

	payload, err := json.Marshal(ReminderPayload{SessionID: result.SessionID, StepKey: result.StepKey, Address: address})
	if err != nil {
		slog.Error("ResponseHandler reminder payload encode failed", "error", err, "sessionID", result.SessionID)
		return
	}

	runAt := time.Now().Add(rh.reminderDelay)
	dedupeKey := "reminder:" + result.SessionID + ":" + result.StepKey
	if _, err := rh.st.EnqueueJob(JobKindSessionReminder, runAt, string(payload), dedupeKey); err != nil {
		slog.Warn("ResponseHandler reminder enqueue failed", "error", err, "sessionID", result.SessionID)
		return
	}
	slog.Debug("ResponseHandler reminder scheduled", "sessionID", result.SessionID, "stepKey", result.StepKey, "runAt", runAt)
}

// Start begins processing responses from the messaging service.
// This should be called once to start the response processing loop.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")

		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}

				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}

			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()

	slog.Info("ResponseHandler response processing started")
}

// ReminderJobHandler returns the durable-job handler that delivers mid-flow
// reminder nudges. It re-reads the session before queueing the nudge so
// sessions that advanced or finished after the reminder was scheduled stay
// quiet.
func ReminderJobHandler(st store.Store, catalog *flow.Catalog) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p ReminderPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			// Malformed payloads would fail every retry; drop them.
			slog.Error("ReminderJobHandler bad payload", "error", err)
			return nil
		}

		sess, err := st.GetSession(p.SessionID)
		if err != nil {
			return fmt.Errorf("reminder session lookup failed: %w", err)
		}
		if sess == nil {
			slog.Debug("ReminderJobHandler session gone, skipping", "sessionID", p.SessionID)
			return nil
		}
		if sess.Status != models.SessionStatusInProgress {
			slog.Debug("ReminderJobHandler session no longer in progress, skipping", "sessionID", p.SessionID, "status", sess.Status)
			return nil
		}
		step, ok := catalog.Step(sess.StepIndex)
		if !ok || step.Key != p.StepKey {
			slog.Debug("ReminderJobHandler session moved past step, skipping", "sessionID", p.SessionID, "stepKey", p.StepKey)
			return nil
		}

		body := reminderLeadIn + "\n\n" + step.Prompt
		payloadJSON, err := store.EncodeMessagePayload(store.MessagePayload{To: p.Address, Body: body})
		if err != nil {
			return fmt.Errorf("reminder payload encode failed: %w", err)
		}
		dedupeKey := "reminder-send:" + p.SessionID + ":" + p.StepKey
		if _, err := st.EnqueueOutboxMessage(p.Address, store.OutboxKindReminder, payloadJSON, dedupeKey); err != nil {
			return fmt.Errorf("reminder enqueue failed: %w", err)
		}

		slog.Info("ReminderJobHandler reminder queued", "sessionID", p.SessionID, "stepKey", p.StepKey)
		return nil
	}
}
