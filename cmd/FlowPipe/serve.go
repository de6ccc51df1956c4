package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/cloudapi"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/recovery"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "externally visible base URL (overrides $FLOWPIPE_PUBLIC_URL)")
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "WhatsApp transport: cloudapi, twilio or whatsmeow (overrides $WHATSAPP_TRANSPORT)")
	f.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	f.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "path to write the whatsmeow login QR code")
	f.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "use a numeric whatsmeow login code instead of a QR code")
	f.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key for ai nodes (overrides $OPENAI_API_KEY)")
	f.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "idle time after which a session expires (overrides $SESSION_TIMEOUT)")
	f.IntVar(&cfg.MaxHops, "max-hops", cfg.MaxHops, "maximum nodes executed per inbound event")
	f.StringVar(&cfg.HousekeepingSchedule, "housekeeping-schedule", cfg.HousekeepingSchedule, "cron schedule for housekeeping (overrides $HOUSEKEEPING_SCHEDULE)")
	f.BoolVar(&cfg.SendErrorReply, "send-error-reply", cfg.SendErrorReply, "apologize to contacts whose session fails (overrides $FLOWPIPE_SEND_ERROR_REPLY)")
	return cmd
}

// transport is the selected WhatsApp provider.
type transport struct {
	service messaging.Service
	events  messaging.EventSource // set for transports that deliver events over a live connection
	replies api.ReplyResolver     // set for text-only webhook transports
	close   func()
}

func buildTransport(ctx context.Context, cfg *Config) (*transport, error) {
	switch cfg.Transport {
	case TransportCloudAPI:
		client, err := cloudapi.NewClient(
			cloudapi.WithAccessToken(cfg.AccessToken),
			cloudapi.WithPhoneNumberID(cfg.PhoneNumberID),
		)
		if err != nil {
			return nil, fmt.Errorf("cloud api client: %w", err)
		}
		return &transport{service: messaging.NewCloudAPIService(client), close: func() {}}, nil

	case TransportTwilio:
		opts := []twiliowhatsapp.Option{
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		}
		if cfg.PublicURL != "" {
			opts = append(opts, twiliowhatsapp.WithStatusCallback(strings.TrimRight(cfg.PublicURL, "/")+"/webhook/twilio"))
		}
		client, err := twiliowhatsapp.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return &transport{service: svc, replies: svc, close: func() {}}, nil

	case TransportWhatsmeow:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsmeowDSN())}
		if cfg.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("whatsmeow client: %w", err)
		}
		svc := messaging.NewWhatsAppService(client)
		return &transport{service: svc, events: svc, close: client.Disconnect}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func buildEngineOptions(cfg *Config, backend store.Backend) ([]flow.Option, error) {
	opts := []flow.Option{
		flow.WithSessionTimeout(cfg.SessionTimeout),
		flow.WithMaxHops(cfg.MaxHops),
		flow.WithJobRepo(backend),
		flow.WithOutbox(backend),
		flow.WithDedupRepo(backend),
		flow.WithErrorReply(cfg.ErrorReply()),
	}
	if cfg.OpenAIKey != "" {
		genaiOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
		if cfg.OpenAIModel != "" {
			genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
		}
		gen, err := genai.NewClient(genaiOpts...)
		if err != nil {
			return nil, fmt.Errorf("genai client: %w", err)
		}
		opts = append(opts, flow.WithTextGenerator(gen))
	} else {
		slog.Info("OPENAI_API_KEY not set, ai nodes will fail")
	}
	return opts, nil
}

func buildServerOptions(cfg *Config, t *transport) []api.Option {
	opts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithVerifyToken(cfg.VerifyToken),
		api.WithAppSecret(cfg.AppSecret),
		api.WithPublicURL(cfg.PublicURL),
	}
	if cfg.Transport == TransportTwilio {
		opts = append(opts, api.WithTwilioAuthToken(cfg.TwilioAuthToken))
	}
	if t.replies != nil {
		opts = append(opts, api.WithReplyResolver(t.replies))
	}
	return opts
}

func runServe(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	backend, err := store.Open(cfg.StoreDSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	t, err := buildTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer t.close()

	engineOpts, err := buildEngineOptions(cfg, backend)
	if err != nil {
		return err
	}
	engine := flow.NewEngine(backend, t.service, engineOpts...)
	defer engine.Wait()

	runner := store.NewJobRunner(backend, cfg.JobPollInterval)
	flow.RegisterJobHandlers(runner, engine)
	outbox := store.NewOutboxSender(backend, engine.DeliverOutboxMessage, cfg.OutboxPollInterval)

	rm := recovery.NewRecoveryManager()
	rm.Register("jobs", func(context.Context) error { return runner.RecoverStaleJobs() })
	rm.Register("outbox", func(context.Context) error { return outbox.RecoverStaleMessages() })
	rm.Register("sessions", func(ctx context.Context) error {
		_, err := engine.ExpireStaleSessions(ctx)
		return err
	})
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("runServe: startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddHousekeeping(ctx, cfg.HousekeepingSchedule, &scheduler.Housekeeping{
		Sessions: engine,
		Dedup:    backend,
	}); err != nil {
		return err
	}

	server := api.NewServer(engine, buildServerOptions(cfg, t)...)

	if err := t.service.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	defer t.service.Stop()

	slog.Info("Bootstrapping FlowPipe", "transport", cfg.Transport, "addr", cfg.APIAddr,
		"db", store.DetectDSNType(cfg.StoreDSN()), "stateDir", cfg.StateDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if t.events != nil {
		pump := messaging.NewResponseHandler(t.events, t.service, engine.HandleIncomingEvent)
		g.Go(func() error { return pump.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		slog.Error("FlowPipe stopped with error", "error", err)
		return err
	}
	slog.Info("FlowPipe exited successfully")
	return nil
}
