package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultErrorReply is sent when a session fails and error replies are enabled
	DefaultErrorReply = "Sorry, something went wrong. Please try again later."
)

// Transports accepted by WHATSAPP_TRANSPORT.
const (
	TransportCloudAPI  = "cloudapi"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

// Config holds environment configuration, overridden by command line flags.
type Config struct {
	LogLevel    string
	StateDir    string
	DatabaseURL string
	APIAddr     string
	PublicURL   string

	Transport     string
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	WhatsAppDSN string
	QROutput    string
	NumericCode bool

	OpenAIKey   string
	OpenAIModel string

	SessionTimeout       time.Duration
	MaxHops              int
	HousekeepingSchedule string
	SendErrorReply       bool
	JobPollInterval      time.Duration
	OutboxPollInterval   time.Duration
}

// loadEnvironmentConfig reads configuration from the environment.
func loadEnvironmentConfig() Config {
	cfg := Config{
		LogLevel:    os.Getenv("FLOWPIPE_LOG_LEVEL"),
		StateDir:    util.GetEnv("FLOWPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     util.GetEnv("API_ADDR", api.DefaultAddr),
		PublicURL:   os.Getenv("FLOWPIPE_PUBLIC_URL"),

		Transport:     strings.ToLower(util.GetEnv("WHATSAPP_TRANSPORT", TransportCloudAPI)),
		AccessToken:   os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		PhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		VerifyToken:   os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		AppSecret:     os.Getenv("WHATSAPP_APP_SECRET"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),

		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),

		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),

		SessionTimeout:       util.ParseDurationEnv("SESSION_TIMEOUT", flow.DefaultSessionTimeout),
		MaxHops:              flow.DefaultMaxHops,
		HousekeepingSchedule: util.GetEnv("HOUSEKEEPING_SCHEDULE", scheduler.DefaultHousekeepingSchedule),
		SendErrorReply:       util.ParseBoolEnv("FLOWPIPE_SEND_ERROR_REPLY", false),
		JobPollInterval:      util.ParseDurationEnv("FLOWPIPE_JOB_POLL_INTERVAL", 5*time.Second),
		OutboxPollInterval:   util.ParseDurationEnv("FLOWPIPE_OUTBOX_POLL_INTERVAL", 5*time.Second),
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"API_ADDR", cfg.APIAddr,
		"WHATSAPP_TRANSPORT", cfg.Transport,
		"WHATSAPP_ACCESS_TOKEN_SET", cfg.AccessToken != "",
		"WHATSAPP_APP_SECRET_SET", cfg.AppSecret != "",
		"TWILIO_ACCOUNT_SID_SET", cfg.TwilioAccountSID != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"SESSION_TIMEOUT", cfg.SessionTimeout,
		"HOUSEKEEPING_SCHEDULE", cfg.HousekeepingSchedule)
	return cfg
}

// StoreDSN returns the database DSN, defaulting to SQLite in the state directory.
func (c *Config) StoreDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// WhatsmeowDSN returns the whatsmeow device store DSN. It shares a PostgreSQL database
// with the flow store but keeps a separate SQLite file.
func (c *Config) WhatsmeowDSN() string {
	if c.WhatsAppDSN != "" {
		return c.WhatsAppDSN
	}
	if c.DatabaseURL != "" && store.DetectDSNType(c.DatabaseURL) == "postgres" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultWhatsAppDBFileName)
}

// ErrorReply returns the apology text, or "" when error replies are disabled.
func (c *Config) ErrorReply() string {
	if c.SendErrorReply {
		return DefaultErrorReply
	}
	return ""
}

// Validate checks the settings serve depends on.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportCloudAPI:
		if c.AccessToken == "" || c.PhoneNumberID == "" {
			return fmt.Errorf("transport %s requires WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID", c.Transport)
		}
		if c.VerifyToken == "" {
			slog.Warn("Config.Validate: WHATSAPP_VERIFY_TOKEN not set, webhook verification will fail")
		}
	case TransportTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "" {
			return fmt.Errorf("transport %s requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER", c.Transport)
		}
	case TransportWhatsmeow:
	default:
		return fmt.Errorf("unknown transport %q (want %s, %s or %s)", c.Transport, TransportCloudAPI, TransportTwilio, TransportWhatsmeow)
	}
	if err := scheduler.ValidateSchedule(c.HousekeepingSchedule); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", c.HousekeepingSchedule, err)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.MaxHops <= 0 {
		return fmt.Errorf("max hops must be positive")
	}
	return nil
}
