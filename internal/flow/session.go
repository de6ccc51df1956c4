package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// graph is a flow with its nodes indexed by id and their properties decoded.
type graph struct {
	flow  *models.Flow
	nodes map[string]*models.Node
}

func (g *graph) node(id string) (*models.Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q in flow %q", ErrNodeNotFound, id, g.flow.ID)
	}
	return n, nil
}

// loadGraph loads and validates a flow for execution.
func (e *Engine) loadGraph(ctx context.Context, flowID string) (*graph, error) {
	f, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %q: %w", flowID, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrFlowNotFound, flowID)
	}
	if f.FirstNodeID == "" {
		return nil, fmt.Errorf("%w: flow %q has no first node", ErrFlowMisconfigured, flowID)
	}
	nodes, err := e.store.GetNodes(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("load nodes for flow %q: %w", flowID, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: flow %q has no nodes", ErrFlowMisconfigured, flowID)
	}
	g := &graph{flow: f, nodes: make(map[string]*models.Node, len(nodes))}
	for i := range nodes {
		n := &nodes[i]
		if err := n.DecodeProps(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFlowMisconfigured, err)
		}
		g.nodes[n.ID] = n
	}
	if _, ok := g.nodes[f.FirstNodeID]; !ok {
		return nil, fmt.Errorf("%w: first node %q of flow %q does not exist", ErrFlowMisconfigured, f.FirstNodeID, flowID)
	}
	return g, nil
}

// GetSession returns the contact's active session, or nil. A session idle for longer
// than the session timeout is ended as expired and nil is returned.
func (e *Engine) GetSession(ctx context.Context, phone string) (*models.Session, error) {
	sess, err := e.store.GetActiveSession(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	if e.isStale(sess) {
		slog.Info("Engine.GetSession: session expired", "phone", phone, "sessionID", sess.ID, "lastInteraction", sess.LastInteractionAt)
		if err := e.endSession(ctx, sess, models.SessionExpired); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return sess, nil
}

// isStale matches the store's ExpireStaleSessions rule: a session waiting on a delay is
// not stale until its wake time is older than the timeout as well.
func (e *Engine) isStale(sess *models.Session) bool {
	cutoff := e.now().Add(-e.opts.SessionTimeout)
	if !sess.LastInteractionAt.Before(cutoff) {
		return false
	}
	return sess.ResumeAt == nil || sess.ResumeAt.Before(cutoff)
}

// StartFlow starts flowID for phone and runs it until the first suspension point. A
// misconfigured flow is rejected before any session is created.
func (e *Engine) StartFlow(ctx context.Context, phone, flowID string, initial map[string]any) (*models.Session, error) {
	unlock := e.locks.Lock(phone)
	defer unlock()

	sess, err := e.startFlow(ctx, phone, "", flowID, initial)
	if err != nil && !errors.Is(err, ErrSessionActive) {
		e.logError(ctx, phone, "startFlow", err)
	}
	return sess, err
}

// startFlow requires the contact lock to be held.
func (e *Engine) startFlow(ctx context.Context, phone, name, flowID string, initial map[string]any) (*models.Session, error) {
	contact, err := e.store.GetOrCreateContact(ctx, phone, name)
	if err != nil {
		return nil, fmt.Errorf("get or create contact: %w", err)
	}
	g, err := e.loadGraph(ctx, flowID)
	if err != nil {
		return nil, err
	}
	existing, err := e.GetSession(ctx, phone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: session %s in flow %s", ErrSessionActive, existing.ID, existing.FlowID)
	}

	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	now := e.now()
	sess := &models.Session{
		ID:                uuid.NewString(),
		PhoneNumber:       phone,
		ContactID:         contact.ID,
		FlowID:            g.flow.ID,
		CurrentNodeID:     g.flow.FirstNodeID,
		Status:            models.SessionActive,
		Context:           vars,
		LastInteractionAt: now,
		CreatedAt:         now,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			return nil, fmt.Errorf("%w: %v", ErrSessionActive, err)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Engine.StartFlow: session started", "phone", phone, "flowID", g.flow.ID, "sessionID", sess.ID)

	if err := e.run(ctx, sess, g, g.flow.FirstNodeID); err != nil {
		return sess, err
	}
	return sess, nil
}

// EndSession ends the session with status, completed when status is empty. Ending a
// session that is no longer active is a no-op.
func (e *Engine) EndSession(ctx context.Context, sessionID string, status models.SessionStatus) error {
	if status == "" {
		status = models.SessionCompleted
	}
	if status == models.SessionActive || !models.IsValidSessionStatus(status) {
		return fmt.Errorf("invalid terminal session status %q", status)
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil
	}
	unlock := e.locks.Lock(sess.PhoneNumber)
	defer unlock()
	if sess, err = e.store.GetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	if sess == nil || sess.Status != models.SessionActive {
		return nil
	}
	return e.endSession(ctx, sess, status)
}

// endSession requires the contact lock to be held.
func (e *Engine) endSession(ctx context.Context, sess *models.Session, status models.SessionStatus) error {
	now := e.now()
	e.trace(ctx, sess, sess.CurrentNodeID, "", models.TraceSessionEnded, map[string]any{"status": string(status)})
	if err := e.store.EndSession(ctx, sess.ID, status, now); err != nil {
		return fmt.Errorf("end session %s: %w", sess.ID, err)
	}
	sess.Status = status
	sess.EndedAt = &now
	if err := e.store.TouchContact(ctx, sess.ContactID, now); err != nil {
		slog.Warn("Engine.endSession: touch contact failed", "phone", sess.PhoneNumber, "error", err)
	}
	slog.Info("Engine.endSession: session ended", "phone", sess.PhoneNumber, "sessionID", sess.ID, "status", status)
	return nil
}

// ExpireStaleSessions ends every active session idle for longer than the session
// timeout. It complements the lazy expiry performed by GetSession.
func (e *Engine) ExpireStaleSessions(ctx context.Context) (int, error) {
	n, err := e.store.ExpireStaleSessions(ctx, e.now().Add(-e.opts.SessionTimeout))
	if err != nil {
		return 0, fmt.Errorf("expire stale sessions: %w", err)
	}
	if n > 0 {
		slog.Info("Engine.ExpireStaleSessions: sessions expired", "count", n)
	}
	return n, nil
}

// setVariables merges vars into the session context and persists it. When mirror is
// set the values are also written to the contact's attributes.
func (e *Engine) setVariables(ctx context.Context, sess *models.Session, vars map[string]any, mirror bool) error {
	if sess.Context == nil {
		sess.Context = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		sess.Context[k] = v
	}
	if err := e.store.UpdateSession(ctx, sess.ID, models.SessionUpdate{Context: sess.Context}); err != nil {
		return fmt.Errorf("update session context: %w", err)
	}
	if mirror {
		if err := e.store.UpdateContactAttributes(ctx, sess.ContactID, vars); err != nil {
			return fmt.Errorf("update contact attributes: %w", err)
		}
	}
	return nil
}
