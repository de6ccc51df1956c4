// Package api provides the HTTP server for FlowPipe.
//
// It receives WhatsApp Cloud API and Twilio webhooks, normalizes them and hands the
// events to the flow engine. It also exposes direct flow invocation and a health check.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultMaxBodyBytes caps webhook request bodies.
	DefaultMaxBodyBytes = 1 << 20
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Engine is the part of flow.Engine the server drives.
type Engine interface {
	HandleIncomingEvent(ctx context.Context, event models.InboundEvent)
	StartFlow(ctx context.Context, phone, flowID string, initial map[string]any) (*models.Session, error)
}

// ReplyResolver maps text replies on text-only transports back to the option they select.
// messaging.TwilioService implements it.
type ReplyResolver interface {
	ResolveReply(evt models.InboundEvent) models.InboundEvent
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	VerifyToken     string // Cloud API webhook verification token
	AppSecret       string // Cloud API app secret; enables X-Hub-Signature-256 checks
	TwilioAuthToken string // enables X-Twilio-Signature checks
	PublicURL       string // externally visible base URL used for Twilio signatures
	Replies         ReplyResolver
	MaxBodyBytes    int64
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the Cloud API webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAppSecret enables signature checks on Cloud API webhooks.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithTwilioAuthToken enables signature checks on Twilio webhooks.
func WithTwilioAuthToken(token string) Option {
	return func(o *Opts) { o.TwilioAuthToken = token }
}

// WithPublicURL sets the externally visible base URL, e.g. "https://bot.example.com".
func WithPublicURL(url string) Option {
	return func(o *Opts) { o.PublicURL = url }
}

// WithReplyResolver sets the resolver applied to Twilio inbound messages.
func WithReplyResolver(r ReplyResolver) Option {
	return func(o *Opts) { o.Replies = r }
}

// WithMaxBodyBytes caps webhook request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) { o.MaxBodyBytes = n }
}

// Server is the FlowPipe HTTP server.
type Server struct {
	engine Engine
	opts   Opts
	router chi.Router
}

// NewServer creates a server driving engine.
func NewServer(engine Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, MaxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Server options set",
		"addr", cfg.Addr,
		"VerifyToken_set", cfg.VerifyToken != "",
		"AppSecret_set", cfg.AppSecret != "",
		"TwilioAuthToken_set", cfg.TwilioAuthToken != "",
		"Replies_set", cfg.Replies != nil)

	s := &Server{engine: engine, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/webhook", s.verifyWebhookHandler)
	r.Post("/webhook", s.cloudWebhookHandler)
	r.Post("/webhook/twilio", s.twilioWebhookHandler)
	r.Post("/flows/{flowID}/start", s.startFlowHandler)
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: FlowPipe API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: graceful shutdown failed", "error", err)
			return err
		}
		return nil
	}
}

// canonicalPhone validates phone for direct invocation.
func canonicalPhone(phone string) (string, error) {
	return messaging.CanonicalPhone(phone)
}
