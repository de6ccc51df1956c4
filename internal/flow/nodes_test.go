package flow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func TestHTTPNodeMergesResponseIntoContext(t *testing.T) {
	var gotAuth, gotBody, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"plan":"gold","credits":12}`))
	}))
	defer srv.Close()

	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "crm", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "lookup", models.NodeHTTP, map[string]any{
			"url":              srv.URL + "/customers/{{customer}}",
			"method":           "POST",
			"body":             `{"phone":"{{phone}}"}`,
			"auth":             map[string]any{"type": "bearer", "token": "secret"},
			"timeout":          5,
			"responseVariable": "crm",
		}, to("show")),
		messageNode(t, "show", "Plan: {{crm.plan}} ({{crm.credits}} credits)", to("wait")),
		inputNode(t, "wait", nil),
	)

	initial := map[string]any{"customer": "c-1", "phone": testPhone}
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "crm", initial); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if gotAuth != "Bearer secret" || gotMethod != http.MethodPost {
		t.Errorf("request auth=%q method=%q", gotAuth, gotMethod)
	}
	if gotBody != `{"phone":"+15551234567"}` {
		t.Errorf("request body = %q", gotBody)
	}
	if got := env.sender.Bodies(); len(got) != 1 || got[0] != "Plan: gold (12 credits)" {
		t.Errorf("sent = %q", got)
	}
	sess := env.activeSession(t, testPhone)
	crm, ok := sess.Context["crm"].(map[string]any)
	if !ok || crm["plan"] != "gold" {
		t.Errorf("context crm = %#v", sess.Context["crm"])
	}
	if hasTrace(sess, models.TraceHTTPCalled) != 1 {
		t.Error("expected an http_called trace")
	}
}

func TestHTTPNodeFailureStillAdvances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "crm", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "lookup", models.NodeHTTP, map[string]any{"url": srv.URL, "responseVariable": "crm"}, to("next")),
		inputNode(t, "next", nil),
	)
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "crm", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	sess := env.activeSession(t, testPhone)
	if sess.CurrentNodeID != "next" {
		t.Errorf("current node = %q, want next", sess.CurrentNodeID)
	}
	if _, ok := sess.Context["crm"]; ok {
		t.Error("failed responses must not be merged into the context")
	}
}

func TestHTTPNodeTransportErrorStillAdvances(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "crm", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "lookup", models.NodeHTTP, map[string]any{"url": "http://127.0.0.1:1/nothing", "timeout": 1}, to("next")),
		inputNode(t, "next", nil),
	)
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "crm", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "next" {
		t.Errorf("current node = %q, want next", got)
	}
	if n := len(env.store.Errors()); n != 0 {
		t.Errorf("http failures are not execution errors, got %v", env.store.Errors())
	}
}

func TestBuildHTTPRequestAuth(t *testing.T) {
	vars := map[string]any{"key": "k-123"}
	tests := []struct {
		name   string
		auth   models.HTTPAuth
		header string
		want   string
	}{
		{"bearer", models.HTTPAuth{Type: models.AuthBearer, Token: "t"}, "Authorization", "Bearer t"},
		{"basic", models.HTTPAuth{Type: models.AuthBasic, Username: "u", Password: "p"}, "Authorization", "Basic dTpw"},
		{"api key default header", models.HTTPAuth{Type: models.AuthAPIKey, APIKey: "{{key}}"}, "X-API-Key", "k-123"},
		{"api key custom header", models.HTTPAuth{Type: models.AuthAPIKey, HeaderName: "X-Token", APIKey: "x"}, "X-Token", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := buildHTTPRequest(&models.HTTPProps{URL: "https://api.example.com", Auth: tt.auth}, vars)
			if got := req.Headers[tt.header]; got != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestWebhookNodeFiresAndContinues(t *testing.T) {
	var mu sync.Mutex
	var payload WebhookPayload
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "hook", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "notify", models.NodeWebhook, map[string]any{"url": srv.URL}, to("next")),
		inputNode(t, "next", nil),
	)
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "hook", map[string]any{"name": "Ana"}); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	// The flow advanced while the webhook call is still blocked.
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "next" {
		t.Errorf("current node = %q, want next", got)
	}
	close(release)
	env.engine.Wait()

	mu.Lock()
	defer mu.Unlock()
	if payload.NodeID != "notify" || payload.PhoneNumber != testPhone || payload.Context["name"] != "Ana" {
		t.Errorf("webhook payload = %+v", payload)
	}
}

func TestWebhookNodeUsesOutbox(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewInMemoryStore()
	sender := &recordingSender{}
	engine := NewEngine(st, sender, WithOutbox(st))
	if err := st.SaveFlow(context.Background(), models.Flow{ID: "hook", FirstNodeID: "notify", Active: true}, []models.Node{
		newNode(t, "notify", models.NodeWebhook, map[string]any{"url": srv.URL, "headers": map[string]string{"X-Flow": "hook"}}),
	}); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	if _, err := engine.StartFlow(context.Background(), testPhone, "hook", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}

	msgs, err := st.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != OutboxKindWebhook || msgs[0].PhoneNumber != testPhone {
		t.Fatalf("outbox = %+v, want one webhook message", msgs)
	}
	if hits != 0 {
		t.Error("outbox mode must not call the webhook inline")
	}
	if err := engine.DeliverOutboxMessage(context.Background(), msgs[0]); err != nil {
		t.Fatalf("DeliverOutboxMessage failed: %v", err)
	}
	if hits != 1 {
		t.Errorf("webhook hits = %d, want 1", hits)
	}
}

func TestDeliverOutboxMessageReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	engine := NewEngine(store.NewInMemoryStore(), &recordingSender{})
	payload, _ := json.Marshal(HTTPRequest{Method: "POST", URL: srv.URL, Body: `{}`})
	err := engine.DeliverOutboxMessage(context.Background(), store.OutboxMessage{Kind: OutboxKindWebhook, PayloadJSON: string(payload)})
	if err == nil {
		t.Error("expected an error for a 502 response")
	}
	if err := engine.DeliverOutboxMessage(context.Background(), store.OutboxMessage{Kind: "sms"}); err == nil {
		t.Error("expected an error for an unknown kind")
	}
}

type fakeGenerator struct {
	text string
	err  error
	got  string
}

func (g *fakeGenerator) GenerateText(_ context.Context, _, prompt string) (string, error) {
	g.got = prompt
	return g.text, g.err
}

func TestAINode(t *testing.T) {
	gen := &fakeGenerator{text: "Try a 5 minute walk today."}
	env := newTestEnv(t, WithTextGenerator(gen))
	env.saveFlow(t, models.Flow{ID: "coach", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "suggest", models.NodeAI, map[string]any{
			"prompt":           "Suggest a habit for {{name}}",
			"responseVariable": "tip",
			"send":             true,
		}, to("wait")),
		inputNode(t, "wait", nil),
	)
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "coach", map[string]any{"name": "Ana"}); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if gen.got != "Suggest a habit for Ana" {
		t.Errorf("prompt = %q", gen.got)
	}
	if got := env.sender.Bodies(); len(got) != 1 || got[0] != gen.text {
		t.Errorf("sent = %q", got)
	}
	if tip := env.activeSession(t, testPhone).Context["tip"]; tip != gen.text {
		t.Errorf("context tip = %v", tip)
	}
}

func TestAINodeFailureAdvances(t *testing.T) {
	env := newTestEnv(t, WithTextGenerator(&fakeGenerator{err: errors.New("quota")}))
	env.saveFlow(t, models.Flow{ID: "coach", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "suggest", models.NodeAI, map[string]any{"prompt": "x", "send": true}, to("wait")),
		inputNode(t, "wait", nil),
	)
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "coach", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "wait" {
		t.Errorf("current node = %q, want wait", got)
	}
	if n := len(env.sender.Messages()); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestUnknownNodeTypeAdvances(t *testing.T) {
	env := newTestEnv(t)
	env.saveFlow(t, models.Flow{ID: "f", TriggerType: models.TriggerManual, Active: true},
		newNode(t, "future", models.NodeKind("carousel"), map[string]any{"cards": 3}, to("wait")),
		inputNode(t, "wait", nil),
	)
	if _, err := env.engine.StartFlow(context.Background(), testPhone, "f", nil); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if got := env.activeSession(t, testPhone).CurrentNodeID; got != "wait" {
		t.Errorf("current node = %q, want wait", got)
	}
}

func TestApplyTags(t *testing.T) {
	tests := []struct {
		name    string
		current []string
		change  []string
		remove  bool
		want    []string
	}{
		{"add new", []string{"a"}, []string{"b"}, false, []string{"a", "b"}},
		{"add existing", []string{"a"}, []string{"a", " a "}, false, []string{"a"}},
		{"remove", []string{"a", "b", "c"}, []string{"b"}, true, []string{"a", "c"}},
		{"remove missing", []string{"a"}, []string{"z"}, true, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyTags(tt.current, tt.change, tt.remove)
			if len(got) != len(tt.want) {
				t.Fatalf("applyTags = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("applyTags = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDelayDuration(t *testing.T) {
	tests := []struct {
		props models.DelayProps
		want  time.Duration
	}{
		{models.DelayProps{Duration: 30}, 30 * time.Second},
		{models.DelayProps{Duration: 5, Unit: "minutes"}, 5 * time.Minute},
		{models.DelayProps{Duration: 2, Unit: "hours"}, 2 * time.Hour},
		{models.DelayProps{Duration: 1, Unit: "days"}, 24 * time.Hour},
		{models.DelayProps{Duration: 0, Unit: "days"}, 0},
	}
	for _, tt := range tests {
		if got := delayDuration(&tt.props); got != tt.want {
			t.Errorf("delayDuration(%+v) = %v, want %v", tt.props, got, tt.want)
		}
	}
}
