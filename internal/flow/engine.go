// Package flow implements the FlowPipe flow execution engine: it routes normalized inbound
// WhatsApp events to sessions, walks the authored flow graph, runs each node's side
// effects and records an execution trace.
package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const (
	// DefaultSessionTimeout is the idle time after which an active session expires.
	DefaultSessionTimeout = 24 * time.Hour
	// DefaultMaxHops bounds the nodes executed while handling one event.
	DefaultMaxHops = 50
)

// MessageSender delivers outbound message intents and returns the provider message id.
type MessageSender interface {
	Send(ctx context.Context, msg models.OutboundMessage) (string, error)
}

// TextGenerator produces text for ai nodes.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// Opts holds configuration options for the Engine.
type Opts struct {
	SessionTimeout time.Duration
	MaxHops        int
	Jobs           store.JobRepo    // durable delay resume; nil advances delays immediately
	Outbox         store.OutboxRepo // durable webhook delivery; nil fires webhooks in a goroutine
	Dedup          store.DedupRepo  // drops redelivered inbound message ids
	HTTP           HTTPCaller
	AI             TextGenerator
	ErrorReply     string // sent once when a session ends in error; empty sends nothing
	WebhookTimeout time.Duration
	Now            func() time.Time
}

// Option defines a functional option for configuring the Engine.
type Option func(*Opts)

// WithSessionTimeout sets the idle timeout used for lazy session expiry.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SessionTimeout = d }
}

// WithMaxHops sets the maximum number of nodes executed per inbound event.
func WithMaxHops(n int) Option {
	return func(o *Opts) { o.MaxHops = n }
}

// WithJobRepo enables durable delay nodes.
func WithJobRepo(repo store.JobRepo) Option {
	return func(o *Opts) { o.Jobs = repo }
}

// WithOutbox routes webhook node calls through the durable outbox.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) { o.Outbox = repo }
}

// WithDedupRepo enables inbound message deduplication.
func WithDedupRepo(repo store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = repo }
}

// WithHTTPCaller overrides the caller used by http and webhook nodes.
func WithHTTPCaller(c HTTPCaller) Option {
	return func(o *Opts) { o.HTTP = c }
}

// WithTextGenerator enables ai nodes.
func WithTextGenerator(g TextGenerator) Option {
	return func(o *Opts) { o.AI = g }
}

// WithErrorReply sets the message sent to a contact whose session fails.
func WithErrorReply(text string) Option {
	return func(o *Opts) { o.ErrorReply = text }
}

// WithWebhookTimeout bounds fire-and-forget webhook calls.
func WithWebhookTimeout(d time.Duration) Option {
	return func(o *Opts) { o.WebhookTimeout = d }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine executes flows. All session state lives in the store; the engine itself only
// holds its dependencies and the per-contact locks.
type Engine struct {
	store  store.Store
	sender MessageSender
	opts   Opts
	locks  *keyedMutex

	background sync.WaitGroup
}

// NewEngine creates an Engine over st that sends messages through sender.
func NewEngine(st store.Store, sender MessageSender, opts ...Option) *Engine {
	o := Opts{
		SessionTimeout: DefaultSessionTimeout,
		MaxHops:        DefaultMaxHops,
		WebhookTimeout: DefaultHTTPTimeout,
		Now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.MaxHops <= 0 {
		o.MaxHops = DefaultMaxHops
	}
	if o.HTTP == nil {
		o.HTTP = NewRestyCaller()
	}
	slog.Debug("NewEngine: configured", "sessionTimeout", o.SessionTimeout, "maxHops", o.MaxHops,
		"durableDelay", o.Jobs != nil, "outbox", o.Outbox != nil, "dedup", o.Dedup != nil, "ai", o.AI != nil)
	return &Engine{
		store:  st,
		sender: sender,
		opts:   o,
		locks:  newKeyedMutex(),
	}
}

// Wait blocks until background webhook calls fired by the engine have finished.
func (e *Engine) Wait() {
	e.background.Wait()
}

func (e *Engine) now() time.Time {
	return e.opts.Now()
}

// logError records a failure against a phone number. Failures to record are only logged.
func (e *Engine) logError(ctx context.Context, phone, label string, err error) {
	slog.Error("Engine."+label+": failed", "phone", phone, "error", err)
	entry := models.ErrorLog{
		PhoneNumber: phone,
		Context:     label,
		Message:     err.Error(),
		CreatedAt:   e.now(),
	}
	if logErr := e.store.LogError(context.WithoutCancel(ctx), entry); logErr != nil {
		slog.Warn("Engine.logError: could not persist error log", "phone", phone, "error", logErr)
	}
}

// trace appends an execution trace entry. Trace failures never affect the flow.
func (e *Engine) trace(ctx context.Context, sess *models.Session, nodeID string, kind models.NodeKind, action models.TraceAction, details map[string]any) {
	entry := models.TraceEntry{
		Timestamp: e.now(),
		NodeID:    nodeID,
		NodeType:  kind,
		Action:    action,
		Details:   details,
	}
	sess.Trace = append(sess.Trace, entry)
	if err := e.store.AppendExecutionTrace(ctx, sess.ID, entry); err != nil {
		slog.Warn("Engine.trace: append failed", "sessionID", sess.ID, "action", action, "error", err)
	}
}
