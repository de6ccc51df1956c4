package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// Ensure every backend implements Service
var (
	_ Service     = (*CloudAPIService)(nil)
	_ Service     = (*TwilioService)(nil)
	_ Service     = (*WhatsAppService)(nil)
	_ Service     = (*MockService)(nil)
	_ EventSource = (*WhatsAppService)(nil)
	_ EventSource = (*MockService)(nil)
)

func buttonMessage(to string) models.OutboundMessage {
	return models.OutboundMessage{
		To:     to,
		Kind:   models.MessageInteractiveButton,
		Body:   "Did it help?",
		Header: "Quick check",
		Footer: "Reply any time",
		Options: []models.MessageOption{
			{ID: "ask_btn_0", Title: "Yes"},
			{ID: "ask_btn_1", Title: "Not really"},
		},
	}
}

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"15551234567", "+15551234567", false},
		{"whatsapp:+15551234567", "+15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"+123", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalPhone(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalPhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOptionMenuRender(t *testing.T) {
	menu := NewOptionMenu()
	got := menu.Render(buttonMessage("+15551234567"))
	want := "*Quick check*\nDid it help?\n\n1. Yes\n2. Not really\n\nReply with the number of your choice.\n\n_Reply any time_"
	if got != want {
		t.Errorf("Render =\n%q\nwant\n%q", got, want)
	}

	list := models.OutboundMessage{
		To:      "+15551234567",
		Kind:    models.MessageInteractiveList,
		Body:    "Menu",
		Options: []models.MessageOption{{ID: "m_list_0", Title: "Pizza", Description: "cheese"}},
	}
	if got := menu.Render(list); !strings.Contains(got, "1. Pizza - cheese") {
		t.Errorf("list render = %q", got)
	}
}

func TestOptionMenuResolve(t *testing.T) {
	const phone = "+15551234567"
	tests := []struct {
		name        string
		text        string
		wantType    models.EventType
		wantPayload string
	}{
		{"number", "2", models.EventButtonReply, "ask_btn_1"},
		{"number with spaces", " 1 ", models.EventButtonReply, "ask_btn_0"},
		{"title", "not REALLY", models.EventButtonReply, "ask_btn_1"},
		{"out of range", "3", models.EventMessage, ""},
		{"free text", "maybe", models.EventMessage, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			menu := NewOptionMenu()
			menu.Render(buttonMessage(phone))
			got := menu.Resolve(models.InboundEvent{Type: models.EventMessage, From: phone, Text: tt.text})
			if got.Type != tt.wantType || got.Payload != tt.wantPayload {
				t.Errorf("Resolve(%q) = %+v", tt.text, got)
			}
		})
	}
}

func TestOptionMenuResolveConsumesAndClears(t *testing.T) {
	const phone = "+15551234567"
	menu := NewOptionMenu()
	menu.Render(models.OutboundMessage{
		To:      phone,
		Kind:    models.MessageInteractiveList,
		Body:    "Menu",
		Options: []models.MessageOption{{ID: "m_list_0", Title: "Pizza"}},
	})

	if got := menu.Resolve(models.InboundEvent{Type: models.EventMessage, From: "+19998887777", Text: "1"}); got.Type != models.EventMessage {
		t.Errorf("other sender should not match: %+v", got)
	}
	got := menu.Resolve(models.InboundEvent{Type: models.EventMessage, From: phone, Text: "1"})
	if got.Type != models.EventListReply || got.Payload != "m_list_0" || got.Text != "Pizza" {
		t.Errorf("list selection = %+v", got)
	}
	if again := menu.Resolve(models.InboundEvent{Type: models.EventMessage, From: phone, Text: "1"}); again.Type != models.EventMessage {
		t.Errorf("selection should be consumed, got %+v", again)
	}

	menu.Render(buttonMessage(phone))
	menu.Render(models.OutboundMessage{To: phone, Kind: models.MessageText, Body: "plain"})
	if got := menu.Resolve(models.InboundEvent{Type: models.EventMessage, From: phone, Text: "1"}); got.Type != models.EventMessage {
		t.Errorf("text message should clear pending options, got %+v", got)
	}
}

type fakeCloudSender struct {
	got []models.OutboundMessage
	err error
}

func (f *fakeCloudSender) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.got = append(f.got, msg)
	return "wamid.1", nil
}

func TestCloudAPIServiceSend(t *testing.T) {
	fake := &fakeCloudSender{}
	svc := NewCloudAPIService(fake)
	id, err := svc.Send(context.Background(), buttonMessage("1 555 123 4567"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id != "wamid.1" || len(fake.got) != 1 {
		t.Fatalf("id = %q, sent = %d", id, len(fake.got))
	}
	if fake.got[0].To != "+15551234567" || fake.got[0].Kind != models.MessageInteractiveButton {
		t.Errorf("forwarded message = %+v", fake.got[0])
	}

	if _, err := svc.Send(context.Background(), models.OutboundMessage{To: "+15551234567", Kind: models.MessageText}); err == nil {
		t.Error("empty body should be rejected")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := svc.Send(context.Background(), buttonMessage("+15551234567")); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioServiceRendersOptionsAndResolvesReplies(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	sid, err := svc.Send(context.Background(), buttonMessage("+15551234567"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sid == "" {
		t.Error("expected a SID")
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "+15551234567" || !strings.Contains(sent[0].Body, "2. Not really") {
		t.Fatalf("sent = %+v", sent)
	}

	evt := svc.ResolveReply(models.InboundEvent{Type: models.EventMessage, From: "15551234567", Text: "2"})
	if evt.Type != models.EventButtonReply || evt.Payload != "ask_btn_1" || evt.From != "+15551234567" {
		t.Errorf("resolved = %+v", evt)
	}
}

func TestTwilioServiceSendError(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("rate limited")
	svc := NewTwilioService(mock)
	if _, err := svc.Send(context.Background(), buttonMessage("+15551234567")); err == nil {
		t.Error("expected client error")
	}
	if _, err := svc.Send(context.Background(), models.OutboundMessage{To: "12", Kind: models.MessageText, Body: "x"}); err == nil {
		t.Error("expected validation error")
	}
}

type fakeRegistrar struct {
	*whatsapp.MockClient
	mu       sync.Mutex
	handlers map[uint32]func(interface{})
	next     uint32
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{MockClient: whatsapp.NewMockClient(), handlers: map[uint32]func(interface{}){}}
}

func (f *fakeRegistrar) AddEventHandler(h func(evt interface{})) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.handlers[f.next] = h
	return f.next
}

func (f *fakeRegistrar) RemoveEventHandler(id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

func (f *fakeRegistrar) dispatch(evt interface{}) {
	f.mu.Lock()
	hs := make([]func(interface{}), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func TestWhatsAppServiceEvents(t *testing.T) {
	client := newFakeRegistrar()
	svc := NewWhatsAppService(client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := svc.Send(context.Background(), buttonMessage("+15551234567")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if bodies := client.Bodies(); len(bodies) != 1 || !strings.Contains(bodies[0], "1. Yes") {
		t.Fatalf("bodies = %q", bodies)
	}

	client.dispatch(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("15551234567", whatsapp.JIDSuffix)},
			ID:            "3EB0X",
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{Conversation: proto.String("1")},
	})

	select {
	case evt := <-svc.Events():
		if evt.Type != models.EventButtonReply || evt.Payload != "ask_btn_0" || evt.MessageID != "3EB0X" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an inbound event")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(client.handlers) != 0 {
		t.Error("handler should be removed on Stop")
	}
	if _, ok := <-svc.Events(); ok {
		t.Error("events channel should be closed after Stop")
	}
	if _, err := svc.Send(context.Background(), buttonMessage("+15551234567")); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestWhatsAppServiceWithoutEventSource(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
}

func TestResponseHandlerRun(t *testing.T) {
	mock := NewMockService()
	var mu sync.Mutex
	var got []models.InboundEvent
	rh := NewResponseHandler(mock, mock, func(ctx context.Context, evt models.InboundEvent) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	mock.Inject(models.InboundEvent{Type: models.EventMessage, From: "1 555 123 4567", Text: "hi"})
	mock.Inject(models.InboundEvent{Type: models.EventMessage, From: "12", Text: "bad sender"})
	mock.Inject(models.InboundEvent{Type: models.EventStatus, MessageID: "x", Status: models.MessageStatusRead})
	if err := mock.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := rh.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("handled %d events, want 2: %+v", len(got), got)
	}
	if got[0].From != "+15551234567" {
		t.Errorf("sender not canonicalized: %q", got[0].From)
	}
	if got[1].Type != models.EventStatus {
		t.Errorf("status event should pass through, got %+v", got[1])
	}
}

func TestResponseHandlerStopsOnCancel(t *testing.T) {
	mock := NewMockService()
	rh := NewResponseHandler(mock, nil, func(ctx context.Context, evt models.InboundEvent) {})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rh.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
