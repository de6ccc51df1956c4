package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultInvalidInputMessage is sent when an input node has no invalid-input message.
const DefaultInvalidInputMessage = "Invalid input. Please try again."

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateInput checks value against an input node's type. Number input is returned as
// a finite float64; every other type is returned as the trimmed text.
func ValidateInput(inputType models.InputType, value string) (any, bool) {
	value = strings.TrimSpace(value)
	switch inputType {
	case models.InputNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case models.InputEmail:
		return value, emailRe.MatchString(value)
	default:
		return value, true
	}
}

// resolution is what an inbound event means for the current node.
type resolution struct {
	advance bool   // leave the current node
	next    string // node to advance to; empty completes the session
}

var stay = resolution{}

// ProcessInput interprets event relative to the session's current node and advances
// the session when the event resolves it.
func (e *Engine) ProcessInput(ctx context.Context, sess *models.Session, event models.InboundEvent) error {
	unlock := e.locks.Lock(sess.PhoneNumber)
	defer unlock()
	return e.processInput(ctx, sess, event)
}

// processInput requires the contact lock to be held.
func (e *Engine) processInput(ctx context.Context, sess *models.Session, event models.InboundEvent) error {
	g, err := e.loadGraph(ctx, sess.FlowID)
	if err != nil {
		return e.fail(ctx, sess, sess.CurrentNodeID, err)
	}
	node, err := g.node(sess.CurrentNodeID)
	if err != nil {
		return e.fail(ctx, sess, sess.CurrentNodeID, err)
	}

	res, err := e.resolve(ctx, sess, node, event)
	if err != nil {
		return e.fail(ctx, sess, node.ID, err)
	}
	if !res.advance {
		now := e.now()
		if err := e.store.UpdateSession(ctx, sess.ID, models.SessionUpdate{LastInteractionAt: &now}); err != nil {
			return fmt.Errorf("refresh last interaction: %w", err)
		}
		sess.LastInteractionAt = now
		return nil
	}
	if res.next == "" {
		return e.endSession(ctx, sess, models.SessionCompleted)
	}
	return e.run(ctx, sess, g, res.next)
}

func (e *Engine) resolve(ctx context.Context, sess *models.Session, node *models.Node, event models.InboundEvent) (resolution, error) {
	switch p := node.Props.(type) {
	case *models.InputProps:
		return e.resolveInput(ctx, sess, node, p, event)
	case *models.MessageProps:
		if !p.HasOptions() {
			return stay, nil
		}
		return e.resolveOption(ctx, sess, node, p, event)
	case *models.ConditionProps:
		return resolution{advance: true, next: e.routeCondition(ctx, sess, node, p)}, nil
	default:
		slog.Debug("Engine.resolve: node does not take input, ignoring event", "phone", sess.PhoneNumber, "nodeID", node.ID, "kind", node.Kind)
		return stay, nil
	}
}

func (e *Engine) resolveInput(ctx context.Context, sess *models.Session, node *models.Node, p *models.InputProps, event models.InboundEvent) (resolution, error) {
	raw := event.Text
	if raw == "" {
		raw = event.Payload
	}
	value, ok := ValidateInput(p.InputType, raw)
	if !ok {
		e.trace(ctx, sess, node.ID, node.Kind, models.TraceInputInvalid, map[string]any{"inputType": string(p.InputType), "value": raw})
		msg := Interpolate(p.InvalidMessage, sess.Context)
		if msg == "" {
			msg = DefaultInvalidInputMessage
		}
		e.send(ctx, sess, node.ID, models.OutboundMessage{To: sess.PhoneNumber, Kind: models.MessageText, Body: msg})
		return stay, nil
	}
	if p.Variable != "" {
		if err := e.setVariables(ctx, sess, map[string]any{p.Variable: value}, true); err != nil {
			return stay, err
		}
	}
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceInputCaptured, map[string]any{"variable": p.Variable, "value": value})
	return resolution{advance: true, next: node.FirstConnection()}, nil
}

func (e *Engine) resolveOption(ctx context.Context, sess *models.Session, node *models.Node, p *models.MessageProps, event models.InboundEvent) (resolution, error) {
	if !event.IsReply() {
		slog.Debug("Engine.resolveOption: text reply while options pending, ignoring", "phone", sess.PhoneNumber, "nodeID", node.ID)
		return stay, nil
	}
	next := ""
	payloadNode, index, parsed := ParseOptionID(event.Payload)
	routed := false
	if parsed {
		if payloadNode != node.ID {
			slog.Warn("Engine.resolveOption: anomaly, stale reply to another node ignored", "phone", sess.PhoneNumber, "nodeID", node.ID, "replyNodeID", payloadNode, "payload", event.Payload)
			return stay, nil
		}
		next, routed = node.ConnectionForIndex(index)
	}
	if !routed {
		next = node.FirstConnection()
		slog.Warn("Engine.resolveOption: unroutable reply, using first connection", "phone", sess.PhoneNumber, "nodeID", node.ID, "payload", event.Payload, "target", next)
	}
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceButtonSelected, map[string]any{"payload": event.Payload, "index": index, "target": next})

	if p.Variable != "" {
		title := event.Text
		if parsed {
			if t := optionTitle(p, event.Payload, index); t != "" {
				title = Interpolate(t, sess.Context)
			}
		}
		if title != "" {
			if err := e.setVariables(ctx, sess, map[string]any{p.Variable: title}, true); err != nil {
				return stay, err
			}
		}
	}
	return resolution{advance: true, next: next}, nil
}

// optionTitle returns the configured label of option index, or "" when out of range.
func optionTitle(p *models.MessageProps, payload string, index int) string {
	if strings.Contains(payload, listMarker) {
		if index < len(p.ListItems) {
			return p.ListItems[index].Title
		}
		return ""
	}
	if index < len(p.Buttons) {
		return p.Buttons[index].Label
	}
	return ""
}
