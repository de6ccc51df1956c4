package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// outcome is what a node tells the run loop to do next.
type outcome struct {
	next    string               // node to execute next; empty completes the session
	suspend bool                 // stop and wait for the next inbound event
	end     models.SessionStatus // end the session with this status
}

func advanceTo(target string) outcome { return outcome{next: target} }

var suspend = outcome{suspend: true}

// ExecuteNode executes nodeID for sess and keeps auto-advancing until a node suspends,
// the session ends, or the hop limit is reached. Execution failures are recorded
// against the contact and end the session with status error; the returned error only
// reports failures that could not be recorded.
func (e *Engine) ExecuteNode(ctx context.Context, sess *models.Session, nodeID string) error {
	unlock := e.locks.Lock(sess.PhoneNumber)
	defer unlock()

	g, err := e.loadGraph(ctx, sess.FlowID)
	if err != nil {
		return e.fail(ctx, sess, nodeID, err)
	}
	return e.run(ctx, sess, g, nodeID)
}

// run is the bounded auto-advance loop. The contact lock must be held.
func (e *Engine) run(ctx context.Context, sess *models.Session, g *graph, nodeID string) error {
	for hops := 0; nodeID != ""; hops++ {
		if hops >= e.opts.MaxHops {
			e.trace(ctx, sess, nodeID, "", models.TraceHopLimitExceeded, map[string]any{"maxHops": e.opts.MaxHops})
			return e.fail(ctx, sess, nodeID, fmt.Errorf("%w: %d nodes executed without suspending", ErrHopLimitExceeded, hops))
		}
		out, err := e.step(ctx, sess, g, nodeID)
		if err != nil {
			return e.fail(ctx, sess, nodeID, err)
		}
		switch {
		case out.end != "":
			return e.endSession(ctx, sess, out.end)
		case out.suspend:
			slog.Debug("Engine.run: suspended", "phone", sess.PhoneNumber, "sessionID", sess.ID, "nodeID", nodeID)
			return nil
		}
		nodeID = out.next
	}
	return e.endSession(ctx, sess, models.SessionCompleted)
}

// step enters one node and runs its side effects.
func (e *Engine) step(ctx context.Context, sess *models.Session, g *graph, nodeID string) (outcome, error) {
	node, err := g.node(nodeID)
	if err != nil {
		return outcome{}, err
	}
	now := e.now()
	if err := e.store.UpdateSession(ctx, sess.ID, models.SessionUpdate{CurrentNodeID: &nodeID, LastInteractionAt: &now}); err != nil {
		return outcome{}, fmt.Errorf("persist current node: %w", err)
	}
	sess.CurrentNodeID = nodeID
	sess.LastInteractionAt = now
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceNodeEntered, nil)
	slog.Debug("Engine.step: entered node", "phone", sess.PhoneNumber, "nodeID", node.ID, "kind", node.Kind)

	switch p := node.Props.(type) {
	case *models.MessageProps:
		return e.execMessage(ctx, sess, node, p)
	case *models.InputProps:
		return e.execInput(ctx, sess, node, p)
	case *models.ConditionProps:
		return e.execCondition(ctx, sess, node, p)
	case *models.DelayProps:
		return e.execDelay(ctx, sess, node, p)
	case *models.TagProps:
		return e.execTag(ctx, sess, node, p)
	case *models.WebhookProps:
		return e.execWebhook(ctx, sess, node, p)
	case *models.HTTPProps:
		return e.execHTTP(ctx, sess, node, p)
	case *models.HandoffProps:
		return e.execHandoff(ctx, sess, node, p)
	case *models.AIProps:
		return e.execAI(ctx, sess, node, p)
	case *models.NoteProps, *models.StartProps:
		return advanceTo(node.FirstConnection()), nil
	case *models.UnknownProps:
		slog.Warn("Engine.step: unknown node type, advancing", "nodeID", node.ID, "kind", p.Kind, "flowID", sess.FlowID)
		return advanceTo(node.FirstConnection()), nil
	default:
		return outcome{}, fmt.Errorf("node %s has undecoded properties of type %T", node.ID, node.Props)
	}
}

// fail records err against the contact under the executeNode label and ends the session
// with status error.
func (e *Engine) fail(ctx context.Context, sess *models.Session, nodeID string, err error) error {
	e.logError(ctx, sess.PhoneNumber, "executeNode", fmt.Errorf("session %s node %s: %w", sess.ID, nodeID, err))
	if e.opts.ErrorReply != "" {
		msg := models.OutboundMessage{To: sess.PhoneNumber, Kind: models.MessageText, Body: e.opts.ErrorReply}
		e.send(ctx, sess, nodeID, msg)
	}
	return e.endSession(ctx, sess, models.SessionError)
}
