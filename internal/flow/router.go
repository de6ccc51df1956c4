package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// HandleIncomingEvent processes one normalized inbound event. It never fails: errors and
// panics are recorded against the sender's phone number and swallowed so the webhook
// receiver can always acknowledge the provider.
func (e *Engine) HandleIncomingEvent(ctx context.Context, event models.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.HandleIncomingEvent: panic", "phone", event.From, "panic", r, "stack", string(debug.Stack()))
			e.logError(ctx, event.From, "handleIncomingEvent", fmt.Errorf("panic: %v", r))
		}
	}()
	if err := e.handleEvent(ctx, event); err != nil {
		e.logError(ctx, event.From, "handleIncomingEvent", err)
	}
}

func (e *Engine) handleEvent(ctx context.Context, event models.InboundEvent) error {
	if event.Type == models.EventStatus {
		return e.handleStatus(ctx, event)
	}
	if event.From == "" {
		return errors.New("inbound event has no sender")
	}

	if e.opts.Dedup != nil && event.MessageID != "" {
		isNew, err := e.opts.Dedup.RecordInbound(event.MessageID, event.From)
		if err != nil {
			slog.Warn("Engine.handleEvent: dedup record failed, processing anyway", "messageID", event.MessageID, "error", err)
		} else if !isNew {
			slog.Info("Engine.handleEvent: duplicate inbound message dropped", "phone", event.From, "messageID", event.MessageID)
			return nil
		}
		defer func() {
			if err := e.opts.Dedup.MarkProcessed(event.MessageID); err != nil {
				slog.Warn("Engine.handleEvent: mark processed failed", "messageID", event.MessageID, "error", err)
			}
		}()
	}

	unlock := e.locks.Lock(event.From)
	defer unlock()

	if _, err := e.store.GetOrCreateContact(ctx, event.From, event.ProfileName); err != nil {
		return fmt.Errorf("get or create contact: %w", err)
	}
	sess, err := e.GetSession(ctx, event.From)
	if err != nil {
		return err
	}
	e.logInbound(ctx, sess, event)

	if sess == nil {
		if event.Type != models.EventMessage {
			slog.Debug("Engine.handleEvent: reply without session dropped", "phone", event.From, "type", event.Type)
			return nil
		}
		f, err := e.matchTrigger(ctx, event.Text)
		if err != nil {
			return err
		}
		if f == nil {
			slog.Debug("Engine.handleEvent: no session and no trigger match", "phone", event.From)
			return nil
		}
		slog.Info("Engine.handleEvent: keyword trigger matched", "phone", event.From, "flowID", f.ID)
		_, err = e.startFlow(ctx, event.From, event.ProfileName, f.ID, nil)
		return err
	}
	return e.processInput(ctx, sess, event)
}

// handleStatus applies a delivery status update. It never touches session state.
func (e *Engine) handleStatus(ctx context.Context, event models.InboundEvent) error {
	if event.MessageID == "" || event.Status == "" {
		slog.Debug("Engine.handleStatus: incomplete status event ignored", "messageID", event.MessageID, "status", event.Status)
		return nil
	}
	if err := e.store.UpdateMessageStatus(ctx, event.MessageID, event.Status); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// matchTrigger returns the first active keyword flow whose trigger equals text.
func (e *Engine) matchTrigger(ctx context.Context, text string) (*models.Flow, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	flows, err := e.store.GetActiveFlowsByTrigger(ctx, models.TriggerKeyword)
	if err != nil {
		return nil, fmt.Errorf("load keyword flows: %w", err)
	}
	for i := range flows {
		if flows[i].MatchesKeyword(text) {
			return &flows[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) logInbound(ctx context.Context, sess *models.Session, event models.InboundEvent) {
	now := e.now()
	entry := &models.MessageLog{
		PhoneNumber:       event.From,
		Direction:         models.DirectionInbound,
		Kind:              string(event.Type),
		Body:              event.Text,
		ProviderMessageID: event.MessageID,
		Status:            models.MessageStatusReceived,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if sess != nil {
		entry.SessionID = sess.ID
		entry.NodeID = sess.CurrentNodeID
	}
	if entry.Body == "" {
		entry.Body = event.Payload
	}
	if err := e.store.LogMessage(ctx, entry); err != nil {
		slog.Warn("Engine.logInbound: message log failed", "phone", event.From, "error", err)
	}
}
