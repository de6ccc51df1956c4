package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Durable job and outbox kinds used by the engine.
const (
	JobKindDelayResume = "delay_resume"
	OutboxKindWebhook  = "webhook"
)

// DelayResumePayload is the JSON payload for delay_resume jobs.
type DelayResumePayload struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
}

// RegisterJobHandlers registers all flow-related job handlers with the given JobRunner.
func RegisterJobHandlers(runner *store.JobRunner, engine *Engine) {
	runner.RegisterHandler(JobKindDelayResume, makeDelayResumeHandler(engine))
}

func makeDelayResumeHandler(engine *Engine) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p DelayResumePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid delay_resume payload: %w", err)
		}
		slog.Info("JobHandler.delay_resume: executing", "sessionID", p.SessionID, "nodeID", p.NodeID)
		return engine.ResumeDelay(ctx, p.SessionID, p.NodeID)
	}
}

// ResumeDelay continues a session parked on delay node nodeID. It is a no-op when the
// session has ended or moved on, so a job that runs twice resumes the session once.
func (e *Engine) ResumeDelay(ctx context.Context, sessionID, nodeID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		slog.Info("Engine.ResumeDelay: session not found, skipping", "sessionID", sessionID)
		return nil
	}
	unlock := e.locks.Lock(sess.PhoneNumber)
	defer unlock()

	// Reload under the lock; an inbound event may have moved the session meanwhile.
	sess, err = e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	if sess == nil || sess.Status != models.SessionActive || sess.CurrentNodeID != nodeID {
		slog.Info("Engine.ResumeDelay: session no longer waiting, skipping", "sessionID", sessionID, "nodeID", nodeID)
		return nil
	}

	g, err := e.loadGraph(ctx, sess.FlowID)
	if err != nil {
		return e.fail(ctx, sess, nodeID, err)
	}
	node, err := g.node(nodeID)
	if err != nil {
		return e.fail(ctx, sess, nodeID, err)
	}
	if err := e.store.UpdateSession(ctx, sess.ID, models.SessionUpdate{ClearResumeAt: true}); err != nil {
		return fmt.Errorf("clear resume time: %w", err)
	}
	sess.ResumeAt = nil
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceDelayResumed, nil)

	next := node.FirstConnection()
	if next == "" {
		return e.endSession(ctx, sess, models.SessionCompleted)
	}
	return e.run(ctx, sess, g, next)
}

// enqueueWebhook stores a webhook call in the outbox for durable delivery.
func (e *Engine) enqueueWebhook(phone string, req HTTPRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal webhook request: %w", err)
	}
	return e.opts.Outbox.EnqueueOutboxMessage(phone, OutboxKindWebhook, string(b), "")
}

// DeliverOutboxMessage is the store.OutboxSendFunc for webhook deliveries. Transport
// errors and non-2xx responses are returned so the outbox retries with backoff.
func (e *Engine) DeliverOutboxMessage(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindWebhook {
		return fmt.Errorf("unsupported outbox message kind %q", msg.Kind)
	}
	var req HTTPRequest
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &req); err != nil {
		return fmt.Errorf("invalid webhook outbox payload: %w", err)
	}
	resp, err := e.opts.HTTP.Do(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("webhook %s returned status %d", req.URL, resp.StatusCode)
	}
	slog.Debug("Engine.DeliverOutboxMessage: webhook delivered", "phone", msg.PhoneNumber, "url", req.URL, "status", resp.StatusCode)
	return nil
}
