package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/IntakeFlow/internal/genai"
	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
	"github.com/BTreeMap/IntakeFlow/internal/util"
	"github.com/openai/openai-go"
)

// DefaultSystemPrompt guides the AI responder after handoff. A system
// prompt file configured at startup replaces it.
const DefaultSystemPrompt = `You are a digital pre-sales assistant for a law firm.
Your purpose is to engage leads, understand their legal concerns, and smoothly guide them toward scheduling a consultation.

Behavior rules:
- Keep answers short, clear, and human-like (maximum 3 sentences).
- Use a warm, persuasive, and professional tone.
- Ask open-ended questions to understand the lead's situation.
- Do not provide detailed legal advice; instead, highlight the firm's experience and reliability.
- If the user hesitates, reinforce credibility (years of experience, quick support, personalized service).
- Always sound empathetic and supportive, never robotic.`

// invitationMessage is queued for delivery once when a messaging-linked
// session finishes the guided flow.
const invitationMessage = "Thank you! Your information has been recorded and one of our lawyers will contact you soon. You can keep chatting with me right here whenever you have questions."

// HandoffDispatcher owns every turn of a session once the guided flow is
// done. The first turn after completion promotes the session to handed_off,
// captures the lead, and queues the continuation invitation; every turn
// after that is free-form AI chat grounded in the intake answers.
type HandoffDispatcher struct {
	store            store.Store
	genaiClient      genai.ClientInterface
	systemPromptFile string
	systemPrompt     string
}

// NewHandoffDispatcher creates a dispatcher over the given store and AI
// client. systemPromptFile may be empty to use the built-in prompt.
func NewHandoffDispatcher(st store.Store, genaiClient genai.ClientInterface, systemPromptFile string) *HandoffDispatcher {
	return &HandoffDispatcher{store: st, genaiClient: genaiClient, systemPromptFile: systemPromptFile}
}

// LoadSystemPrompt loads the AI system prompt from the configured file.
func (d *HandoffDispatcher) LoadSystemPrompt() error {
	slog.Debug("HandoffDispatcher.LoadSystemPrompt: loading system prompt from file", "file", d.systemPromptFile)

	if d.systemPromptFile == "" {
		return fmt.Errorf("system prompt file not configured")
	}
	if _, err := os.Stat(d.systemPromptFile); os.IsNotExist(err) {
		slog.Debug("HandoffDispatcher.LoadSystemPrompt: system prompt file does not exist", "file", d.systemPromptFile)
		return fmt.Errorf("system prompt file does not exist: %s", d.systemPromptFile)
	}
	content, err := os.ReadFile(d.systemPromptFile)
	if err != nil {
		slog.Error("HandoffDispatcher.LoadSystemPrompt: failed to read system prompt file", "file", d.systemPromptFile, "error", err)
		return fmt.Errorf("failed to read system prompt file: %w", err)
	}
	d.systemPrompt = strings.TrimSpace(string(content))
	slog.Info("HandoffDispatcher.LoadSystemPrompt: system prompt loaded", "file", d.systemPromptFile, "length", len(d.systemPrompt))
	return nil
}

// Handle processes one post-completion turn. rawInput may be empty on the
// first turn right after the completing answer; the AI then opens the
// conversation from the intake summary alone. AI failures leave the session
// history untouched so the caller can retry the same turn.
func (d *HandoffDispatcher) Handle(ctx context.Context, sess *models.Session, rawInput string) (*models.FlowResult, error) {
	if d.systemPrompt == "" {
		if err := d.LoadSystemPrompt(); err != nil {
			d.systemPrompt = DefaultSystemPrompt
			slog.Warn("HandoffDispatcher.Handle: using built-in system prompt", "error", err)
		}
	}

	if sess.Status == models.SessionStatusCompleted {
		promoted, err := d.promote(sess)
		if err != nil {
			return nil, err
		}
		sess = promoted
	}

	messages := d.buildMessages(sess, rawInput)
	reply, err := d.genaiClient.GenerateWithMessages(ctx, messages)
	if err != nil {
		slog.Error("HandoffDispatcher.Handle: AI generation failed", "error", err, "sessionID", sess.ID)
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}

	if rawInput != "" {
		sess.AppendHistory(models.ChatRoleUser, rawInput)
	}
	sess.AppendHistory(models.ChatRoleAssistant, reply)
	if err := d.store.UpdateSession(sess, sess.Version); err != nil {
		slog.Error("HandoffDispatcher.Handle: failed to persist chat turn", "error", err, "sessionID", sess.ID)
		return nil, fmt.Errorf("failed to persist chat turn: %w", err)
	}

	slog.Info("HandoffDispatcher.Handle: chat turn handled", "sessionID", sess.ID, "replyLength", len(reply))
	return &models.FlowResult{
		SessionID: sess.ID,
		Reply:     reply,
		Status:    sess.Status,
		Terminal:  true,
	}, nil
}

// promote moves a completed session into handed_off exactly once. Losing
// the version race to a concurrent turn that already promoted is treated as
// success; the winner saved the lead and queued the invitation.
func (d *HandoffDispatcher) promote(sess *models.Session) (*models.Session, error) {
	sess.Status = models.SessionStatusHandedOff
	err := d.store.UpdateSession(sess, sess.Version)
	if err == nil {
		slog.Info("HandoffDispatcher.promote: session handed off", "sessionID", sess.ID)
		d.saveLead(sess)
		d.queueInvitation(sess)
		return sess, nil
	}
	if errors.Is(err, models.ErrVersionConflict) {
		reloaded, gerr := d.store.GetSession(sess.ID)
		if gerr != nil {
			return nil, fmt.Errorf("failed to reload session after version conflict: %w", gerr)
		}
		if reloaded != nil && reloaded.Status == models.SessionStatusHandedOff {
			slog.Debug("HandoffDispatcher.promote: lost handoff race, continuing", "sessionID", sess.ID)
			return reloaded, nil
		}
	}
	slog.Error("HandoffDispatcher.promote: failed to hand off session", "error", err, "sessionID", sess.ID)
	return nil, fmt.Errorf("failed to hand off session: %w", err)
}

// saveLead writes the sales record for a finished intake. Failures are
// logged, not returned; losing a lead row must not block the conversation.
func (d *HandoffDispatcher) saveLead(sess *models.Session) {
	lead := models.LeadFromAnswers(util.GenerateLeadID(), sess)
	if err := d.store.SaveLead(lead); err != nil {
		slog.Error("HandoffDispatcher.saveLead: failed to save lead", "error", err, "sessionID", sess.ID, "leadID", lead.ID)
		return
	}
	slog.Info("HandoffDispatcher.saveLead: lead saved", "leadID", lead.ID, "sessionID", sess.ID)
}

// queueInvitation enqueues the continuation message for sessions that have
// a messaging address. The outbox dedupe key keeps racing promotions from
// inviting twice.
func (d *HandoffDispatcher) queueInvitation(sess *models.Session) {
	if sess.Address == "" {
		return
	}
	payload, err := store.EncodeMessagePayload(store.MessagePayload{To: sess.Address, Body: invitationMessage})
	if err != nil {
		slog.Error("HandoffDispatcher.queueInvitation: failed to encode invitation payload", "error", err, "sessionID", sess.ID)
		return
	}
	id, err := d.store.EnqueueOutboxMessage(sess.Address, store.OutboxKindInvitation, payload, "invitation:"+sess.ID)
	if err != nil {
		slog.Error("HandoffDispatcher.queueInvitation: failed to enqueue invitation", "error", err, "sessionID", sess.ID)
		return
	}
	slog.Info("HandoffDispatcher.queueInvitation: invitation queued", "sessionID", sess.ID, "outboxID", id)
}

// buildMessages assembles the AI context: system prompt, intake summary,
// stored history, then the new user turn when present.
func (d *HandoffDispatcher) buildMessages(sess *models.Session, rawInput string) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(d.systemPrompt),
		openai.SystemMessage(answersSummary(sess)),
	}
	for _, msg := range sess.History {
		switch msg.Role {
		case models.ChatRoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case models.ChatRoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}
	if rawInput != "" {
		messages = append(messages, openai.UserMessage(rawInput))
	}
	return messages
}

// answersSummary renders the collected intake answers, in collection order,
// as context for the AI responder.
func answersSummary(sess *models.Session) string {
	var b strings.Builder
	b.WriteString("The user already completed the guided intake with these details:\n")
	for _, a := range sess.Answers {
		fmt.Fprintf(&b, "- %s: %s\n", a.Field, a.Value)
	}
	b.WriteString("Use them naturally and do not ask for this information again.")
	return b.String()
}
