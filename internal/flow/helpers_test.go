package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const testPhone = "+15551234567"

// recordingSender captures outbound messages instead of delivering them.
type recordingSender struct {
	mu   sync.Mutex
	sent []models.OutboundMessage
	fail bool
}

func (s *recordingSender) Send(_ context.Context, msg models.OutboundMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("provider unavailable")
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("wamid.%d", len(s.sent)), nil
}

func (s *recordingSender) Messages() []models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OutboundMessage(nil), s.sent...)
}

func (s *recordingSender) Bodies() []string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.Body)
	}
	return out
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine *Engine
	store  *store.InMemoryStore
	sender *recordingSender
	clock  *testClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	sender := &recordingSender{}
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &testEnv{
		engine: NewEngine(st, sender, opts...),
		store:  st,
		sender: sender,
		clock:  clock,
	}
}

// saveFlow stores a flow whose first node is the first node given.
func (env *testEnv) saveFlow(t *testing.T, f models.Flow, nodes ...models.Node) {
	t.Helper()
	if f.FirstNodeID == "" && len(nodes) > 0 {
		f.FirstNodeID = nodes[0].ID
	}
	if err := env.store.SaveFlow(context.Background(), f, nodes); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
}

// activeSession returns the single active session for phone, failing otherwise.
func (env *testEnv) activeSession(t *testing.T, phone string) *models.Session {
	t.Helper()
	sess, err := env.store.GetActiveSession(context.Background(), phone)
	if err != nil {
		t.Fatalf("GetActiveSession failed: %v", err)
	}
	if sess == nil {
		t.Fatalf("expected an active session for %s", phone)
	}
	return sess
}

func (env *testEnv) lastSession(t *testing.T, phone string) *models.Session {
	t.Helper()
	sessions := env.store.Sessions(phone)
	if len(sessions) == 0 {
		t.Fatalf("expected a session for %s", phone)
	}
	return sessions[len(sessions)-1]
}

func (env *testEnv) text(phone, text string) {
	env.engine.HandleIncomingEvent(context.Background(), models.InboundEvent{
		Type: models.EventMessage,
		From: phone,
		Text: text,
	})
}

func (env *testEnv) reply(phone, payload, title string) {
	env.engine.HandleIncomingEvent(context.Background(), models.InboundEvent{
		Type:    models.EventButtonReply,
		From:    phone,
		Payload: payload,
		Text:    title,
	})
}

func newNode(t *testing.T, id string, kind models.NodeKind, props any, conns ...models.Connection) models.Node {
	t.Helper()
	n := models.Node{ID: id, Kind: kind, Connections: conns}
	if props != nil {
		raw, err := json.Marshal(props)
		if err != nil {
			t.Fatalf("marshal props for %s: %v", id, err)
		}
		n.Properties = raw
	}
	return n
}

func to(target string) models.Connection {
	return models.Connection{Target: target}
}

func onButton(i int, target string) models.Connection {
	return models.Connection{Target: target, ButtonIndex: &i}
}

func onBranch(handle, target string) models.Connection {
	return models.Connection{Target: target, SourceHandle: handle}
}

func messageNode(t *testing.T, id, text string, conns ...models.Connection) models.Node {
	t.Helper()
	return newNode(t, id, models.NodeMessage, map[string]any{"text": text}, conns...)
}

func inputNode(t *testing.T, id string, props map[string]any, conns ...models.Connection) models.Node {
	t.Helper()
	return newNode(t, id, models.NodeInput, props, conns...)
}

func keywordFlow(id, keyword string) models.Flow {
	return models.Flow{ID: id, Name: id, TriggerType: models.TriggerKeyword, TriggerValue: keyword, Active: true}
}

func hasTrace(sess *models.Session, action models.TraceAction) int {
	n := 0
	for _, e := range sess.Trace {
		if e.Action == action {
			n++
		}
	}
	return n
}
