package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Option id markers. A reply payload "<nodeID>_btn_<i>" selects button i of nodeID.
const (
	buttonMarker = "_btn_"
	listMarker   = "_list_"
)

// ButtonOptionID returns the reply id of button i on nodeID.
func ButtonOptionID(nodeID string, i int) string {
	return nodeID + buttonMarker + strconv.Itoa(i)
}

// ListOptionID returns the reply id of list row i on nodeID.
func ListOptionID(nodeID string, i int) string {
	return nodeID + listMarker + strconv.Itoa(i)
}

// ParseOptionID splits a reply payload into the node id and option index it embeds.
func ParseOptionID(payload string) (nodeID string, index int, ok bool) {
	cut := strings.LastIndex(payload, buttonMarker)
	marker := buttonMarker
	if li := strings.LastIndex(payload, listMarker); li > cut {
		cut, marker = li, listMarker
	}
	if cut < 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(payload[cut+len(marker):])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return payload[:cut], index, true
}

// buildMessage renders a message, button or list node into an outbound intent.
func buildMessage(to string, node *models.Node, p *models.MessageProps, vars map[string]any) models.OutboundMessage {
	msg := models.OutboundMessage{
		To:     to,
		Kind:   models.MessageText,
		Body:   Interpolate(p.Text, vars),
		Header: Interpolate(p.Header, vars),
		Footer: Interpolate(p.Footer, vars),
	}
	useList := len(p.ListItems) > 0 && (node.Kind == models.NodeList || len(p.Buttons) == 0)
	switch {
	case useList:
		msg.Kind = models.MessageInteractiveList
		msg.ButtonText = Interpolate(p.ButtonText, vars)
		if msg.ButtonText == "" {
			msg.ButtonText = "Options"
		}
		for i, row := range p.ListItems {
			msg.Options = append(msg.Options, models.MessageOption{
				ID:          ListOptionID(node.ID, i),
				Title:       Interpolate(row.Title, vars),
				Description: Interpolate(row.Description, vars),
			})
		}
	case len(p.Buttons) > 0:
		msg.Kind = models.MessageInteractiveButton
		for i, b := range p.Buttons {
			msg.Options = append(msg.Options, models.MessageOption{
				ID:    ButtonOptionID(node.ID, i),
				Title: Interpolate(b.Label, vars),
			})
		}
	}
	return msg
}

// send delivers msg and logs it. A failed send is logged as a failed message and never
// stops the flow; delivery is tracked separately through status events.
func (e *Engine) send(ctx context.Context, sess *models.Session, nodeID string, msg models.OutboundMessage) {
	now := e.now()
	entry := &models.MessageLog{
		SessionID:   sess.ID,
		PhoneNumber: sess.PhoneNumber,
		NodeID:      nodeID,
		Direction:   models.DirectionOutbound,
		Kind:        string(msg.Kind),
		Body:        msg.Body,
		Status:      models.MessageStatusSent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	details := map[string]any{"kind": string(msg.Kind)}

	id, err := e.sender.Send(ctx, msg)
	if err != nil {
		slog.Warn("Engine.send: send failed", "phone", sess.PhoneNumber, "nodeID", nodeID, "error", err)
		entry.Status = models.MessageStatusFailed
		entry.Error = err.Error()
		details["error"] = err.Error()
	} else {
		entry.ProviderMessageID = id
		details["providerMessageId"] = id
	}
	if err := e.store.LogMessage(ctx, entry); err != nil {
		slog.Warn("Engine.send: message log failed", "phone", sess.PhoneNumber, "error", err)
	}
	e.trace(ctx, sess, nodeID, "", models.TraceMessageSent, details)
}

func (e *Engine) execMessage(ctx context.Context, sess *models.Session, node *models.Node, p *models.MessageProps) (outcome, error) {
	e.send(ctx, sess, node.ID, buildMessage(sess.PhoneNumber, node, p, sess.Context))
	if p.HasOptions() {
		return suspend, nil
	}
	return advanceTo(node.FirstConnection()), nil
}

func (e *Engine) execInput(ctx context.Context, sess *models.Session, node *models.Node, p *models.InputProps) (outcome, error) {
	if prompt := Interpolate(p.Prompt, sess.Context); prompt != "" {
		e.send(ctx, sess, node.ID, models.OutboundMessage{To: sess.PhoneNumber, Kind: models.MessageText, Body: prompt})
	}
	return suspend, nil
}

func (e *Engine) execCondition(ctx context.Context, sess *models.Session, node *models.Node, p *models.ConditionProps) (outcome, error) {
	return advanceTo(e.routeCondition(ctx, sess, node, p)), nil
}

// routeCondition evaluates p and returns the matching branch target, falling back to
// the first connection.
func (e *Engine) routeCondition(ctx context.Context, sess *models.Session, node *models.Node, p *models.ConditionProps) string {
	result := EvaluateCondition(*p, sess.Context)
	handle := models.HandleFalse
	if result {
		handle = models.HandleTrue
	}
	target, ok := node.ConnectionForHandle(handle)
	if !ok {
		target = node.FirstConnection()
	}
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceConditionEvaluated, map[string]any{
		"variable": p.Variable,
		"operator": p.Operator,
		"result":   result,
		"target":   target,
	})
	return target
}

// delayDuration converts a delay node's configuration; the unit defaults to seconds.
func delayDuration(p *models.DelayProps) time.Duration {
	unit := time.Second
	switch strings.ToLower(strings.TrimSpace(p.Unit)) {
	case "minute", "minutes", "m":
		unit = time.Minute
	case "hour", "hours", "h":
		unit = time.Hour
	case "day", "days", "d":
		unit = 24 * time.Hour
	}
	return time.Duration(p.Duration) * unit
}

func (e *Engine) execDelay(ctx context.Context, sess *models.Session, node *models.Node, p *models.DelayProps) (outcome, error) {
	d := delayDuration(p)
	if e.opts.Jobs == nil || d <= 0 {
		slog.Debug("Engine.execDelay: advancing immediately", "nodeID", node.ID, "duration", d, "durable", e.opts.Jobs != nil)
		return advanceTo(node.FirstConnection()), nil
	}
	resumeAt := e.now().Add(d)
	if err := e.store.UpdateSession(ctx, sess.ID, models.SessionUpdate{ResumeAt: &resumeAt}); err != nil {
		return outcome{}, fmt.Errorf("persist resume time: %w", err)
	}
	sess.ResumeAt = &resumeAt
	payload := DelayResumePayload{SessionID: sess.ID, NodeID: node.ID}
	dedupeKey := fmt.Sprintf("delay:%s:%s:%d", sess.ID, node.ID, resumeAt.Unix())
	jobID, err := store.EnqueueJSON(e.opts.Jobs, JobKindDelayResume, resumeAt, payload, dedupeKey)
	if err != nil {
		return outcome{}, fmt.Errorf("schedule delay resume: %w", err)
	}
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceDelayScheduled, map[string]any{
		"resumeAt": resumeAt.UTC().Format(time.RFC3339),
		"jobId":    jobID,
	})
	return suspend, nil
}

func (e *Engine) execTag(ctx context.Context, sess *models.Session, node *models.Node, p *models.TagProps) (outcome, error) {
	if len(p.Tags) == 0 {
		return advanceTo(node.FirstConnection()), nil
	}
	contact, err := e.store.GetOrCreateContact(ctx, sess.PhoneNumber, "")
	if err != nil {
		return outcome{}, fmt.Errorf("load contact: %w", err)
	}
	remove := strings.EqualFold(p.Action, "remove")
	tags := applyTags(contact.Tags, p.Tags, remove)
	if err := e.store.UpdateContactTags(ctx, contact.ID, tags); err != nil {
		return outcome{}, fmt.Errorf("update contact tags: %w", err)
	}
	action := "add"
	if remove {
		action = "remove"
	}
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceTagsUpdated, map[string]any{"action": action, "tags": p.Tags})
	return advanceTo(node.FirstConnection()), nil
}

// applyTags adds or removes change from current, keeping order and dropping duplicates.
func applyTags(current, change []string, remove bool) []string {
	drop := make(map[string]bool, len(change))
	for _, t := range change {
		drop[strings.TrimSpace(t)] = true
	}
	seen := make(map[string]bool, len(current)+len(change))
	out := make([]string, 0, len(current)+len(change))
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] || (remove && drop[t]) {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range current {
		add(t)
	}
	if !remove {
		for _, t := range change {
			add(t)
		}
	}
	return out
}

// WebhookPayload is the body posted by webhook nodes.
type WebhookPayload struct {
	SessionID   string         `json:"sessionId"`
	FlowID      string         `json:"flowId"`
	NodeID      string         `json:"nodeId"`
	PhoneNumber string         `json:"phoneNumber"`
	Context     map[string]any `json:"context"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (e *Engine) execWebhook(ctx context.Context, sess *models.Session, node *models.Node, p *models.WebhookProps) (outcome, error) {
	url := strings.TrimSpace(Interpolate(p.URL, sess.Context))
	if url == "" {
		slog.Warn("Engine.execWebhook: no url configured", "nodeID", node.ID, "flowID", sess.FlowID)
		return advanceTo(node.FirstConnection()), nil
	}
	body, err := json.Marshal(WebhookPayload{
		SessionID:   sess.ID,
		FlowID:      sess.FlowID,
		NodeID:      node.ID,
		PhoneNumber: sess.PhoneNumber,
		Context:     sess.Context,
		Timestamp:   e.now().UTC(),
	})
	if err != nil {
		slog.Warn("Engine.execWebhook: payload not serialisable", "nodeID", node.ID, "error", err)
		return advanceTo(node.FirstConnection()), nil
	}
	method := p.Method
	if method == "" {
		method = http.MethodPost
	}
	req := HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string, len(p.Headers)+1),
		Body:    string(body),
		Timeout: e.opts.WebhookTimeout,
	}
	for k, v := range p.Headers {
		req.Headers[k] = Interpolate(v, sess.Context)
	}
	if _, ok := req.Headers["Content-Type"]; !ok {
		req.Headers["Content-Type"] = "application/json"
	}

	details := map[string]any{"url": url, "method": method}
	if e.opts.Outbox != nil {
		if id, err := e.enqueueWebhook(sess.PhoneNumber, req); err != nil {
			slog.Warn("Engine.execWebhook: outbox enqueue failed, firing directly", "nodeID", node.ID, "error", err)
			e.fireWebhook(ctx, req)
		} else {
			details["outboxId"] = id
		}
	} else {
		e.fireWebhook(ctx, req)
	}
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceWebhookFired, details)
	return advanceTo(node.FirstConnection()), nil
}

// fireWebhook issues req in the background. The call outlives the inbound request and
// its outcome is only logged.
func (e *Engine) fireWebhook(ctx context.Context, req HTTPRequest) {
	bg := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		resp, err := e.opts.HTTP.Do(bg, req)
		switch {
		case err != nil:
			slog.Warn("Engine.fireWebhook: call failed", "url", req.URL, "error", err)
		case !resp.OK():
			slog.Warn("Engine.fireWebhook: non-success status", "url", req.URL, "status", resp.StatusCode)
		default:
			slog.Debug("Engine.fireWebhook: delivered", "url", req.URL, "status", resp.StatusCode)
		}
	}()
}

func (e *Engine) execHTTP(ctx context.Context, sess *models.Session, node *models.Node, p *models.HTTPProps) (outcome, error) {
	req := buildHTTPRequest(p, sess.Context)
	if req.URL == "" {
		slog.Warn("Engine.execHTTP: no url configured", "nodeID", node.ID, "flowID", sess.FlowID)
		return advanceTo(node.FirstConnection()), nil
	}
	details := map[string]any{"url": req.URL, "method": req.Method}
	resp, err := e.opts.HTTP.Do(ctx, req)
	switch {
	case err != nil:
		slog.Warn("Engine.execHTTP: request failed", "nodeID", node.ID, "url", req.URL, "error", err)
		details["error"] = err.Error()
	case !resp.OK():
		slog.Warn("Engine.execHTTP: non-success status", "nodeID", node.ID, "url", req.URL, "status", resp.StatusCode)
		details["status"] = resp.StatusCode
	default:
		details["status"] = resp.StatusCode
		if p.ResponseVariable != "" {
			vars := map[string]any{p.ResponseVariable: decodeResponseBody(resp.Body)}
			if err := e.setVariables(ctx, sess, vars, false); err != nil {
				return outcome{}, err
			}
		}
	}
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceHTTPCalled, details)
	return advanceTo(node.FirstConnection()), nil
}

func (e *Engine) execHandoff(ctx context.Context, sess *models.Session, node *models.Node, p *models.HandoffProps) (outcome, error) {
	if text := Interpolate(p.Text, sess.Context); text != "" {
		e.send(ctx, sess, node.ID, models.OutboundMessage{To: sess.PhoneNumber, Kind: models.MessageText, Body: text})
	}
	return outcome{end: models.SessionPaused}, nil
}

func (e *Engine) execAI(ctx context.Context, sess *models.Session, node *models.Node, p *models.AIProps) (outcome, error) {
	if e.opts.AI == nil {
		slog.Warn("Engine.execAI: no text generator configured, advancing", "nodeID", node.ID)
		return advanceTo(node.FirstConnection()), nil
	}
	prompt := Interpolate(p.Prompt, sess.Context)
	text, err := e.opts.AI.GenerateText(ctx, Interpolate(p.SystemPrompt, sess.Context), prompt)
	if err != nil {
		slog.Warn("Engine.execAI: generation failed", "nodeID", node.ID, "error", err)
		e.trace(ctx, sess, node.ID, node.Kind, models.TraceAIGenerated, map[string]any{"error": err.Error()})
		return advanceTo(node.FirstConnection()), nil
	}
	if p.ResponseVariable != "" {
		if err := e.setVariables(ctx, sess, map[string]any{p.ResponseVariable: text}, false); err != nil {
			return outcome{}, err
		}
	}
	e.trace(ctx, sess, node.ID, node.Kind, models.TraceAIGenerated, map[string]any{"length": len(text)})
	if p.Send && text != "" {
		e.send(ctx, sess, node.ID, models.OutboundMessage{To: sess.PhoneNumber, Kind: models.MessageText, Body: text})
	}
	return advanceTo(node.FirstConnection()), nil
}
