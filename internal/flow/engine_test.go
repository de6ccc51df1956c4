package flow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func TestKeywordTriggerStartsFlow(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("welcome", "hi"),
		messageNode(t, "greet", "Welcome", to("ask")),
		inputNode(t, "ask", map[string]any{"variable": "name"}),
	)

	env.text(testPhone, "  Hi ")

	sess := env.activeSession(t, testPhone)
	if sess.FlowID != "welcome" || sess.CurrentNodeID != "ask" {
		t.Errorf("session = flow %q node %q, want welcome/ask", sess.FlowID, sess.CurrentNodeID)
	}
	if got := env.sender.Bodies(); len(got) != 1 || got[0] != "Welcome" {
		t.Errorf("sent = %q, want exactly [Welcome]", got)
	}
	if env.store.Contact(testPhone) == nil {
		t.Error("expected contact to be created")
	}
}

func TestUnmatchedTextIsDropped(t *testing.T) {
	env := newTestEnv(t)
	inactive := keywordFlow("old", "hello")
	inactive.Active = false
	env.saveFlow(t, inactive, messageNode(t, "m", "Old"))
	env.saveFlow(t, keywordFlow("welcome", "hi"), messageNode(t, "m", "Welcome"))

	env.text(testPhone, "hello")
	env.text(testPhone, "hi there")

	if n := len(env.store.Sessions(testPhone)); n != 0 {
		t.Errorf("expected no sessions, got %d", n)
	}
	if n := len(env.sender.Messages()); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
	if n := len(env.store.Errors()); n != 0 {
		t.Errorf("dropping an event must not log an error, got %v", env.store.Errors())
	}
}

func TestAutoAdvanceChainsToFirstSuspensionPoint(t *testing.T) {
	var calls int32
	caller := httpCallerFunc(func(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
		atomic.AddInt32(&calls, 1)
		return &HTTPResponse{StatusCode: 200, Body: []byte(`{}`)}, nil
	})
	env := newTestEnv(t, WithHTTPCaller(caller))
	env.saveFlow(t, models.Flow{ID: "chain", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "start", models.NodeStart, nil, to("call")),
		newNode(t, "call", models.NodeHTTP, map[string]any{"url": "https://crm.example.com/ping"}, to("msg")),
		messageNode(t, "msg", "Thanks for waiting", to("ask")),
		inputNode(t, "ask", map[string]any{"variable": "answer"}),
	)

	sess, err := env.engine.StartFlow(context.Background(), testPhone, "chain", nil)
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if sess.Status != models.SessionActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
	stored := env.activeSession(t, testPhone)
	if stored.CurrentNodeID != "ask" {
		t.Errorf("current node = %q, want ask", stored.CurrentNodeID)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("http calls = %d, want 1", got)
	}
	if got := env.sender.Bodies(); len(got) != 1 || got[0] != "Thanks for waiting" {
		t.Errorf("sent = %q, want one message", got)
	}
	if n := hasTrace(stored, models.TraceNodeEntered); n != 4 {
		t.Errorf("node_entered traces = %d, want 4", n)
	}
}

func TestFlowCompletesWhenNoConnectionRemains(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("bye", "bye"), messageNode(t, "m", "Goodbye"))

	env.text(testPhone, "BYE")

	sess := env.lastSession(t, testPhone)
	if sess.Status != models.SessionCompleted || sess.EndedAt == nil {
		t.Errorf("session = %s ended %v, want completed", sess.Status, sess.EndedAt)
	}
	c := env.store.Contact(testPhone)
	if c == nil || c.LastInteractionAt == nil {
		t.Error("ending a session should refresh the contact's last interaction")
	}
}

func TestInvalidInputRetry(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("age", "age"),
		inputNode(t, "ask", map[string]any{
			"text":           "How old are you?",
			"variable":       "age",
			"inputType":      "number",
			"invalidMessage": "Enter a number",
		}, to("done")),
		messageNode(t, "done", "You are {{age}}"),
	)
	env.text(testPhone, "age")
	before := len(env.sender.Messages())

	env.text(testPhone, "abc")

	sess := env.activeSession(t, testPhone)
	if sess.CurrentNodeID != "ask" {
		t.Errorf("current node = %q, want ask", sess.CurrentNodeID)
	}
	got := env.sender.Bodies()[before:]
	if len(got) != 1 || got[0] != "Enter a number" {
		t.Errorf("sent after invalid input = %q, want [Enter a number]", got)
	}
	if hasTrace(sess, models.TraceInputInvalid) != 1 {
		t.Error("expected an input_invalid trace")
	}

	env.text(testPhone, "42")
	last := env.lastSession(t, testPhone)
	if last.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", last.Status)
	}
	if last.Context["age"] != float64(42) {
		t.Errorf("context age = %#v, want 42", last.Context["age"])
	}
	bodies := env.sender.Bodies()
	if bodies[len(bodies)-1] != "You are 42" {
		t.Errorf("last message = %q", bodies[len(bodies)-1])
	}
	if c := env.store.Contact(testPhone); c.Attributes["age"] != float64(42) {
		t.Errorf("captured input should be mirrored to contact attributes, got %v", c.Attributes)
	}
}

func TestInvalidInputDefaultMessage(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("mail", "mail"),
		inputNode(t, "ask", map[string]any{"variable": "email", "inputType": "email"}),
	)
	env.text(testPhone, "mail")
	env.text(testPhone, "not-an-email")

	got := env.sender.Bodies()
	if len(got) != 1 || got[0] != DefaultInvalidInputMessage {
		t.Errorf("sent = %q, want the default invalid-input message", got)
	}
}

func TestNonFiniteNumberInputIsRejected(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewInMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "flow.db")))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		},
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)
			sender := &recordingSender{}
			engine := NewEngine(st, sender, WithClock(newTestClock().Now))
			f := keywordFlow("age", "age")
			f.FirstNodeID = "ask"
			err := st.SaveFlow(ctx, f, []models.Node{
				inputNode(t, "ask", map[string]any{
					"text":           "Age?",
					"variable":       "age",
					"inputType":      "number",
					"invalidMessage": "Enter a number",
				}),
			})
			if err != nil {
				t.Fatalf("SaveFlow failed: %v", err)
			}

			engine.HandleIncomingEvent(ctx, models.InboundEvent{Type: models.EventMessage, From: testPhone, Text: "age"})
			for _, text := range []string{"NaN", "inf"} {
				engine.HandleIncomingEvent(ctx, models.InboundEvent{Type: models.EventMessage, From: testPhone, Text: text})
			}

			sess, err := st.GetActiveSession(ctx, testPhone)
			if err != nil || sess == nil {
				t.Fatalf("session should stay active, got %v, %v", sess, err)
			}
			if sess.CurrentNodeID != "ask" {
				t.Errorf("current node = %q, want ask", sess.CurrentNodeID)
			}
			if _, ok := sess.Context["age"]; ok {
				t.Errorf("non-finite input should not be captured, context = %v", sess.Context)
			}
			got := sender.Bodies()
			want := []string{"Age?", "Enter a number", "Enter a number"}
			if len(got) != len(want) {
				t.Fatalf("sent = %q, want %q", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("message %d = %q, want %q", i, got[i], want[i])
				}
			}
		})
	}
}

func buttonFlow(t *testing.T) []models.Node {
	t.Helper()
	return []models.Node{
		newNode(t, "choose", models.NodeButton, map[string]any{
			"text":     "Pick a plan",
			"variable": "plan",
			"buttons":  []map[string]any{{"label": "Basic"}, {"label": "Pro"}, {"label": "Team"}},
		}, onButton(0, "a"), onButton(1, "b"), onButton(2, "c")),
		inputNode(t, "a", map[string]any{"text": "A"}),
		inputNode(t, "b", map[string]any{"text": "B"}),
		inputNode(t, "c", map[string]any{"text": "C"}),
	}
}

func TestButtonRouting(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("plans", "plans"), buttonFlow(t)...)
	env.text(testPhone, "plans")

	msgs := env.sender.Messages()
	if len(msgs) != 1 || msgs[0].Kind != models.MessageInteractiveButton || len(msgs[0].Options) != 3 {
		t.Fatalf("expected one interactive button message, got %+v", msgs)
	}
	if msgs[0].Options[1].ID != "choose_btn_1" || msgs[0].Options[1].Title != "Pro" {
		t.Errorf("option 1 = %+v", msgs[0].Options[1])
	}

	env.reply(testPhone, msgs[0].Options[1].ID, "Pro")

	sess := env.activeSession(t, testPhone)
	if sess.CurrentNodeID != "b" {
		t.Errorf("current node = %q, want b", sess.CurrentNodeID)
	}
	if sess.Context["plan"] != "Pro" {
		t.Errorf("captured plan = %v, want Pro", sess.Context["plan"])
	}
	if hasTrace(sess, models.TraceButtonSelected) != 1 {
		t.Error("expected a button_selected trace")
	}
}

func TestButtonRoutingFallsBackToFirstConnection(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("plans", "plans"), buttonFlow(t)...)
	env.text(testPhone, "plans")

	env.reply(testPhone, "garbage", "???")

	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "a" {
		t.Errorf("current node = %q, want a (first connection)", got)
	}
}

func TestStaleButtonReplyIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("menu", "menu"),
		newNode(t, "m1", models.NodeButton, map[string]any{
			"text":    "First",
			"buttons": []map[string]any{{"label": "Next"}, {"label": "Exit"}},
		}, onButton(0, "m2"), onButton(1, "x")),
		newNode(t, "m2", models.NodeButton, map[string]any{
			"text":    "Second",
			"buttons": []map[string]any{{"label": "P"}, {"label": "Q"}},
		}, onButton(0, "p"), onButton(1, "q")),
		inputNode(t, "x", map[string]any{"text": "X"}),
		inputNode(t, "p", map[string]any{"text": "P"}),
		inputNode(t, "q", map[string]any{"text": "Q"}),
	)
	env.text(testPhone, "menu")

	env.reply(testPhone, ButtonOptionID("m1", 0), "Next")
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "m2" {
		t.Fatalf("current node = %q, want m2", got)
	}
	sentBefore := len(env.sender.Messages())

	// A second tap on the first menu arrives after the session moved on.
	env.reply(testPhone, ButtonOptionID("m1", 1), "Exit")

	sess := env.activeSession(t, testPhone)
	if sess.CurrentNodeID != "m2" {
		t.Errorf("current node = %q, want m2", sess.CurrentNodeID)
	}
	if n := len(env.sender.Messages()); n != sentBefore {
		t.Errorf("stale reply sent %d messages", n-sentBefore)
	}

	env.reply(testPhone, ButtonOptionID("m2", 1), "Q")
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "q" {
		t.Errorf("current node = %q, want q", got)
	}
}

func TestTextReplyWhileButtonsPendingIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("plans", "plans"), buttonFlow(t)...)
	env.text(testPhone, "plans")

	env.text(testPhone, "Pro")

	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "choose" {
		t.Errorf("current node = %q, want choose", got)
	}
	if n := len(env.sender.Messages()); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestListRouting(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("menu", "menu"),
		newNode(t, "menu", models.NodeList, map[string]any{
			"text":       "Menu",
			"buttonText": "Browse",
			"listItems":  []map[string]any{{"title": "Pizza"}, {"title": "Salad", "description": "Fresh"}},
		}, onButton(0, "pizza"), onButton(1, "salad")),
		inputNode(t, "pizza", map[string]any{"text": "Pizza it is"}),
		inputNode(t, "salad", map[string]any{"text": "Salad it is"}),
	)
	env.text(testPhone, "menu")

	msg := env.sender.Messages()[0]
	if msg.Kind != models.MessageInteractiveList || msg.ButtonText != "Browse" || msg.Options[1].ID != "menu_list_1" {
		t.Fatalf("unexpected list message: %+v", msg)
	}
	env.engine.HandleIncomingEvent(context.Background(), models.InboundEvent{
		Type: models.EventListReply, From: testPhone, Payload: "menu_list_1", Text: "Salad",
	})
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "salad" {
		t.Errorf("current node = %q, want salad", got)
	}
}

func TestConditionRouting(t *testing.T) {
	tests := []struct {
		name string
		cond map[string]any
		want string
	}{
		{"greater than true", map[string]any{"variable": "score", "operator": "greater_than", "value": 3}, "yes"},
		{"greater than false", map[string]any{"variable": "score", "operator": "greater_than", "value": 9}, "no"},
		{"unconfigured fails open", map[string]any{"variable": nil}, "yes"},
		{"unknown operator fails open", map[string]any{"variable": "score", "operator": "between"}, "yes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.saveFlow(t, models.Flow{ID: "c", TriggerType: models.TriggerManual, Active: true},
				newNode(t, "check", models.NodeCondition, tt.cond, onBranch("false", "no"), onBranch("true", "yes")),
				inputNode(t, "yes", nil),
				inputNode(t, "no", nil),
			)
			if _, err := env.engine.StartFlow(context.Background(), testPhone, "c", map[string]any{"score": 5}); err != nil {
				t.Fatalf("StartFlow failed: %v", err)
			}
			if got := env.activeSession(t, testPhone).CurrentNodeID; got != tt.want {
				t.Errorf("routed to %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConditionWithoutBranchesUsesFirstConnection(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "c", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "check", models.NodeCondition, map[string]any{"variable": "x", "operator": "exists"}, to("next")),
		inputNode(t, "next", nil),
	)
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "c", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "next" {
		t.Errorf("routed to %q, want next", got)
	}
}

func TestExecuteNodeRunsFromGivenNode(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("age", "age"),
		inputNode(t, "ask", map[string]any{"text": "Age?", "variable": "age"}, to("done")),
		messageNode(t, "done", "Thanks"),
	)
	ctx := context.Background()
	if _, err := env.engine.StartFlow(ctx, testPhone, "age", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	sess := env.activeSession(t, testPhone)

	if err := env.engine.ExecuteNode(ctx, sess, "done"); err != nil {
		t.Fatalf("ExecuteNode failed: %v", err)
	}

	got := env.sender.Bodies()
	if len(got) != 2 || got[1] != "Thanks" {
		t.Errorf("sent = %q, want [Age? Thanks]", got)
	}
	if last := env.lastSession(t, testPhone); last.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", last.Status)
	}
}

func TestProcessInputAdvancesSession(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("age", "age"),
		inputNode(t, "ask", map[string]any{"text": "Age?", "variable": "age", "inputType": "number"}, to("done")),
		messageNode(t, "done", "You are {{age}}"),
	)
	ctx := context.Background()
	if _, err := env.engine.StartFlow(ctx, testPhone, "age", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	sess := env.activeSession(t, testPhone)

	err := env.engine.ProcessInput(ctx, sess, models.InboundEvent{Type: models.EventMessage, From: testPhone, Text: "7"})
	if err != nil {
		t.Fatalf("ProcessInput failed: %v", err)
	}

	last := env.lastSession(t, testPhone)
	if last.Status != models.SessionCompleted || last.Context["age"] != float64(7) {
		t.Errorf("session = %s with context %v, want completed with age 7", last.Status, last.Context)
	}
	if got := env.sender.Bodies(); got[len(got)-1] != "You are 7" {
		t.Errorf("last message = %q, want You are 7", got[len(got)-1])
	}
}

func TestHopLimitEndsSessionInError(t *testing.T) {
	env := newTestEnv(t, WithMaxHops(10))
	env.saveFlow(t, keywordFlow("loop", "loop"),
		newNode(t, "a", models.NodeNote, nil, to("b")),
		newNode(t, "b", models.NodeNote, nil, to("a")),
	)

	env.text(testPhone, "loop")

	sess := env.lastSession(t, testPhone)
	if sess.Status != models.SessionError {
		t.Fatalf("status = %s, want error", sess.Status)
	}
	if hasTrace(sess, models.TraceHopLimitExceeded) != 1 {
		t.Error("expected a hop_limit_exceeded trace")
	}
	if n := hasTrace(sess, models.TraceNodeEntered); n != 10 {
		t.Errorf("node_entered traces = %d, want 10", n)
	}
	errs := env.store.Errors()
	if len(errs) != 1 || errs[0].Context != "executeNode" || errs[0].PhoneNumber != testPhone {
		t.Errorf("error log = %+v, want one executeNode entry", errs)
	}
}

func TestExecutionErrorEndsSessionWithReply(t *testing.T) {
	env := newTestEnv(t, WithErrorReply("Sorry, something went wrong."))
	env.saveFlow(t, keywordFlow("broken", "broken"),
		messageNode(t, "m", "Hello", to("missing")),
	)

	env.text(testPhone, "broken")

	if got := env.lastSession(t, testPhone).Status; got != models.SessionError {
		t.Errorf("status = %s, want error", got)
	}
	bodies := env.sender.Bodies()
	if len(bodies) != 2 || bodies[1] != "Sorry, something went wrong." {
		t.Errorf("sent = %q", bodies)
	}
	if errs := env.store.Errors(); len(errs) != 1 || errs[0].Context != "executeNode" {
		t.Errorf("error log = %+v", errs)
	}
}

func TestStartFlowRejectsMisconfiguredFlows(t *testing.T) {
	tests := []struct {
		name  string
		flow  *models.Flow
		nodes bool
		want  error
	}{
		{"missing flow", nil, false, ErrFlowNotFound},
		{"no first node", &models.Flow{ID: "f", Active: true}, true, ErrFlowMisconfigured},
		{"no nodes", &models.Flow{ID: "f", Active: true, FirstNodeID: "m"}, false, ErrFlowMisconfigured},
		{"first node missing", &models.Flow{ID: "f", Active: true, FirstNodeID: "ghost"}, true, ErrFlowMisconfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.flow != nil {
				var nodes []models.Node
				if tt.nodes {
					nodes = append(nodes, messageNode(t, "m", "hi"))
				}
				if err := env.store.SaveFlow(context.Background(), *tt.flow, nodes); err != nil {
					t.Fatalf("SaveFlow failed: %v", err)
				}
			}
			sess, err := env.engine.StartFlow(context.Background(), testPhone, "f", nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("StartFlow error = %v, want %v", err, tt.want)
			}
			if sess != nil {
				t.Error("expected no session")
			}
			if n := len(env.store.Sessions(testPhone)); n != 0 {
				t.Errorf("sessions persisted = %d, want 0", n)
			}
			if n := len(env.sender.Messages()); n != 0 {
				t.Errorf("messages sent = %d, want 0", n)
			}
			if errs := env.store.Errors(); len(errs) != 1 || errs[0].Context != "startFlow" {
				t.Errorf("error log = %+v", errs)
			}
		})
	}
}

func TestAtMostOneActiveSession(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "f", TriggerType: models.TriggerManual, Active: true},
		inputNode(t, "ask", map[string]any{"text": "Question?"}),
	)

	var wg sync.WaitGroup
	var started, rejected int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.StartFlow(context.Background(), testPhone, "f", nil)
			switch {
			case err == nil:
				atomic.AddInt32(&started, 1)
			case errors.Is(err, ErrSessionActive):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if started != 1 || rejected != 9 {
		t.Errorf("started=%d rejected=%d, want 1/9", started, rejected)
	}
	active := 0
	for _, s := range env.store.Sessions(testPhone) {
		if s.Status == models.SessionActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active sessions = %d, want 1", active)
	}
	if env.engine.locks.size() != 0 {
		t.Errorf("locks still held: %d", env.engine.locks.size())
	}
}

func TestSessionExpiryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "f", TriggerType: models.TriggerManual, Active: true},
		inputNode(t, "ask", nil),
	)
	ctx := context.Background()
	if _, err := env.engine.StartFlow(ctx, testPhone, "f", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}

	env.clock.Advance(23 * time.Hour)
	if sess, _ := env.engine.GetSession(ctx, testPhone); sess == nil {
		t.Fatal("session should still be active after 23h")
	}

	env.clock.Advance(2 * time.Hour)
	for i := 0; i < 3; i++ {
		sess, err := env.engine.GetSession(ctx, testPhone)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if sess != nil {
			t.Fatalf("call %d: expected no session after expiry", i)
		}
	}
	last := env.lastSession(t, testPhone)
	if last.Status != models.SessionExpired {
		t.Errorf("status = %s, want expired", last.Status)
	}
	if n := hasTrace(last, models.TraceSessionEnded); n != 1 {
		t.Errorf("session_ended traces = %d, want exactly 1", n)
	}
}

func TestExpiredSessionAllowsRetrigger(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("welcome", "hi"),
		messageNode(t, "greet", "Welcome", to("ask")),
		inputNode(t, "ask", nil),
	)
	env.text(testPhone, "hi")
	env.clock.Advance(25 * time.Hour)
	env.text(testPhone, "hi")

	sessions := env.store.Sessions(testPhone)
	if len(sessions) != 2 || sessions[0].Status != models.SessionExpired || sessions[1].Status != models.SessionActive {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if n := len(env.sender.Messages()); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestHandoffPausesSession(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("help", "help"),
		newNode(t, "agent", models.NodeHandoff, map[string]any{"text": "Connecting you to an agent"}, to("after")),
		messageNode(t, "after", "never sent"),
	)
	env.text(testPhone, "help")

	sess := env.lastSession(t, testPhone)
	if sess.Status != models.SessionPaused {
		t.Errorf("status = %s, want paused", sess.Status)
	}
	if got := env.sender.Bodies(); len(got) != 1 || got[0] != "Connecting you to an agent" {
		t.Errorf("sent = %q", got)
	}

	// The paused conversation belongs to the agent; engine input is ignored.
	env.text(testPhone, "hello?")
	if n := len(env.sender.Messages()); n != 1 {
		t.Errorf("messages after handoff = %d, want 1", n)
	}
}

func TestTagNode(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("tags", "tags"),
		newNode(t, "add", models.NodeTag, map[string]any{"action": "add", "tags": []string{"lead", "vip", "lead"}}, to("remove")),
		newNode(t, "remove", models.NodeTag, map[string]any{"action": "remove", "tags": []string{"vip"}}, to("wait")),
		inputNode(t, "wait", nil),
	)
	env.text(testPhone, "tags")

	c := env.store.Contact(testPhone)
	if len(c.Tags) != 1 || c.Tags[0] != "lead" {
		t.Errorf("tags = %v, want [lead]", c.Tags)
	}
}

func TestStatusEventUpdatesMessageLog(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, keywordFlow("welcome", "hi"),
		messageNode(t, "greet", "Welcome", to("ask")),
		inputNode(t, "ask", nil),
	)
	env.text(testPhone, "hi")
	sessBefore := env.activeSession(t, testPhone)

	env.engine.HandleIncomingEvent(context.Background(), models.InboundEvent{
		Type: models.EventStatus, From: testPhone, MessageID: "wamid.1", Status: models.MessageStatusRead,
	})

	var found bool
	for _, m := range env.store.Messages() {
		if m.ProviderMessageID == "wamid.1" && m.Direction == models.DirectionOutbound {
			found = true
			if m.Status != models.MessageStatusRead {
				t.Errorf("status = %s, want read", m.Status)
			}
		}
	}
	if !found {
		t.Fatal("outbound message log not found")
	}
	sessAfter := env.activeSession(t, testPhone)
	if sessAfter.CurrentNodeID != sessBefore.CurrentNodeID || len(sessAfter.Trace) != len(sessBefore.Trace) {
		t.Error("status events must not touch the session")
	}
}

func TestDuplicateInboundMessageIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.engine = NewEngine(env.store, env.sender, WithClock(env.clock.Now), WithDedupRepo(env.store))
	env.saveFlow(t, keywordFlow("welcome", "hi"),
		messageNode(t, "greet", "Welcome", to("ask")),
		inputNode(t, "ask", nil),
	)
	ev := models.InboundEvent{Type: models.EventMessage, From: testPhone, Text: "hi", MessageID: "wamid.in.1"}
	env.engine.HandleIncomingEvent(context.Background(), ev)
	env.engine.HandleIncomingEvent(context.Background(), ev)

	if n := len(env.sender.Messages()); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "ask" {
		t.Errorf("redelivery must not be processed as input, node = %q", got)
	}
}

func TestFailedSendDoesNotStopFlow(t *testing.T) {
	env := newTestEnv(t)
	env.sender.fail = true
	env.saveFlow(t, keywordFlow("welcome", "hi"),
		messageNode(t, "greet", "Welcome", to("ask")),
		inputNode(t, "ask", nil),
	)
	env.text(testPhone, "hi")

	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "ask" {
		t.Errorf("current node = %q, want ask", got)
	}
	var failed int
	for _, m := range env.store.Messages() {
		if m.Direction == models.DirectionOutbound && m.Status == models.MessageStatusFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed message logs = %d, want 1", failed)
	}
}

func TestInterpolatedMessageUsesContactContext(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "f", TriggerType: models.TriggerCampaign, Active: true},
		messageNode(t, "m", "Hi {{user.name}}, your code is {{code}}{{missing}}!", to("wait")),
		inputNode(t, "wait", nil),
	)
	initial := map[string]any{"user": map[string]any{"name": "Ana"}, "code": 1234}
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "f", initial); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if got := env.sender.Bodies(); len(got) != 1 || got[0] != "Hi Ana, your code is 1234!" {
		t.Errorf("sent = %q", got)
	}
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "f", TriggerType: models.TriggerManual, Active: true},
		inputNode(t, "ask", nil),
	)
	ctx := context.Background()
	sess, err := env.engine.StartFlow(ctx, testPhone, "f", nil)
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if err := env.engine.EndSession(ctx, sess.ID, models.SessionActive); err == nil {
		t.Error("ending a session as active should fail")
	}
	if err := env.engine.EndSession(ctx, sess.ID, ""); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := env.engine.EndSession(ctx, sess.ID, models.SessionError); err != nil {
		t.Fatalf("second EndSession failed: %v", err)
	}
	if got := env.lastSession(t, testPhone).Status; got != models.SessionCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestHandleIncomingEventRecoversPanics(t *testing.T) {
	env := newTestEnv(t)
	env.engine.sender = panicSender{}
	env.saveFlow(t, keywordFlow("welcome", "hi"), messageNode(t, "greet", "Welcome"))

	env.text(testPhone, "hi")

	errs := env.store.Errors()
	if len(errs) != 1 || errs[0].Context != "handleIncomingEvent" {
		t.Errorf("error log = %+v", errs)
	}
	if env.engine.locks.size() != 0 {
		t.Error("lock must be released after a panic")
	}
}

type panicSender struct{}

func (panicSender) Send(context.Context, models.OutboundMessage) (string, error) {
	panic("boom")
}

type httpCallerFunc func(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)

func (f httpCallerFunc) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	return f(ctx, req)
}
