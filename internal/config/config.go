package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Daemon    DaemonConfig    `koanf:"daemon"`
	Store     StoreConfig     `koanf:"store"`
	Voice     VoiceConfig     `koanf:"voice"`
	Responder ResponderConfig `koanf:"responder"`
	Notify    NotifyConfig    `koanf:"notify"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	APIToken        string `koanf:"api_token"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl"`
	WorkspacePath          string `koanf:"workspace_path"`
}

type StoreConfig struct {
	LockTimeout       string `koanf:"lock_timeout"`
	LockRetry         string `koanf:"lock_retry"`
	LockMaxRetry      int    `koanf:"lock_max_retry"`
	InboxSize         int    `koanf:"inbox_size"`
	LogRotateMaxBytes int64  `koanf:"log_rotate_max_bytes"`
}

type VoiceConfig struct {
	Provider                  string                `koanf:"provider"`
	FromNumber                string                `koanf:"from_number"`
	PublicURL                 string                `koanf:"public_url"`
	MaxConcurrentCalls        int                   `koanf:"max_concurrent_calls"`
	MaxDurationSeconds        int                   `koanf:"max_duration_seconds"`
	TranscriptTimeoutMs       int                   `koanf:"transcript_timeout_ms"`
	InboundPolicy             string                `koanf:"inbound_policy"`
	AllowFrom                 []string              `koanf:"allow_from"`
	InboundGreeting           string                `koanf:"inbound_greeting"`
	SkipSignatureVerification bool                  `koanf:"skip_signature_verification"`
	HTTPTimeout               string                `koanf:"http_timeout"`
	Outbound                  OutboundConfig        `koanf:"outbound"`
	Twilio                    TwilioConfig          `koanf:"twilio"`
	Telnyx                    TelnyxConfig          `koanf:"telnyx"`
	Vonage                    VonageConfig          `koanf:"vonage"`
	ScheduledCalls            []ScheduledCallConfig `koanf:"scheduled_calls"`
}

type OutboundConfig struct {
	DefaultMode          string `koanf:"default_mode"`
	NotifyHangupDelaySec int    `koanf:"notify_hangup_delay_sec"`
}

type TwilioConfig struct {
	AccountSID string `koanf:"account_sid"`
	AuthToken  string `koanf:"auth_token"`
	BaseURL    string `koanf:"base_url"`
}

type TelnyxConfig struct {
	APIKey       string `koanf:"api_key"`
	ConnectionID string `koanf:"connection_id"`
	PublicKey    string `koanf:"public_key"`
	BaseURL      string `koanf:"base_url"`
}

type VonageConfig struct {
	ApplicationID   string `koanf:"application_id"`
	PrivateKey      string `koanf:"private_key"`
	PrivateKeyPath  string `koanf:"private_key_path"`
	SignatureSecret string `koanf:"signature_secret"`
	BaseURL         string `koanf:"base_url"`
}

type ScheduledCallConfig struct {
	ID       string `koanf:"id"`
	Schedule string `koanf:"schedule"`
	To       string `koanf:"to"`
	Message  string `koanf:"message"`
	Mode     string `koanf:"mode"`
	Disabled bool   `koanf:"disabled"`
}

type ResponderConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Provider     string `koanf:"provider"`
	Model        string `koanf:"model"`
	APIKey       string `koanf:"api_key"`
	BaseURL      string `koanf:"base_url"`
	SystemPrompt string `koanf:"system_prompt"`
	Timeout      string `koanf:"timeout"`
	MaxTokens    int    `koanf:"max_tokens"`
}

type NotifyConfig struct {
	Slack    SlackNotifyConfig    `koanf:"slack"`
	Telegram TelegramNotifyConfig `koanf:"telegram"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `koanf:"enabled"`
	BotToken string `koanf:"bot_token"`
	Channel  string `koanf:"channel"`
}

type TelegramNotifyConfig struct {
	Enabled  bool   `koanf:"enabled"`
	BotToken string `koanf:"bot_token"`
	ChatID   int64  `koanf:"chat_id"`
}

type SchedulerConfig struct {
	TickInterval    string `koanf:"tick_interval"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	LeaseDuration   string `koanf:"lease_duration"`
}

const (
	DefaultServerPort                   = 8080
	DefaultServerLogLevel               = "info"
	DefaultServerReadTimeout            = "10s"
	DefaultServerWriteTimeout           = "10m"
	DefaultServerIdleTimeout            = "60s"
	DefaultServerShutdownTimeout        = "5s"
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonPreflightTimeout       = "10s"
	DefaultDaemonStaleLockTTL           = "15m"
	DefaultStoreLockTimeout             = "30s"
	DefaultStoreLockRetry               = "100ms"
	DefaultStoreLockMaxRetry            = 300
	DefaultStoreInboxSize               = 256
	DefaultStoreLogRotateMaxBytes       = 10 * 1024 * 1024
	DefaultVoiceProvider                = "mock"
	DefaultVoiceMaxConcurrentCalls      = 1
	DefaultVoiceMaxDurationSeconds      = 300
	DefaultVoiceTranscriptTimeoutMs     = 180000
	DefaultVoiceInboundPolicy           = "disabled"
	DefaultVoiceHTTPTimeout             = "15s"
	DefaultVoiceOutboundMode            = "notify"
	DefaultVoiceNotifyHangupDelaySec    = 3
	DefaultTwilioBaseURL                = "https://api.twilio.com/2010-04-01"
	DefaultTelnyxBaseURL                = "https://api.telnyx.com/v2"
	DefaultVonageBaseURL                = "https://api.nexmo.com"
	DefaultResponderProvider            = "openai"
	DefaultResponderModel               = "gpt-4o-mini"
	DefaultResponderSystemPrompt        = "You are a helpful voice assistant on a phone call. Keep replies short and natural since they are read aloud."
	DefaultResponderTimeout             = "30s"
	DefaultResponderMaxTokens           = 256
	DefaultSchedulerTickInterval        = "30s"
	DefaultSchedulerShutdownTimeout     = "30s"
	DefaultSchedulerLeaseDuration       = "2m"
)

// Load resolves configuration from defaults, the YAML file, CALLGATE_ env
// vars and cobra flags, in that order of precedence (last wins).
func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	home, _ := os.UserHomeDir()

	defaults := map[string]interface{}{
		"server.port":                            DefaultServerPort,
		"server.log_level":                       DefaultServerLogLevel,
		"server.read_timeout":                    DefaultServerReadTimeout,
		"server.write_timeout":                   DefaultServerWriteTimeout,
		"server.idle_timeout":                    DefaultServerIdleTimeout,
		"server.shutdown_timeout":                DefaultServerShutdownTimeout,
		"daemon.shutdown_timeout":                DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":           DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":        DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":               DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":                  DefaultDaemonStaleLockTTL,
		"daemon.workspace_path":                  filepath.Join(home, ".callgate", "workspace"),
		"store.lock_timeout":                     DefaultStoreLockTimeout,
		"store.lock_retry":                       DefaultStoreLockRetry,
		"store.lock_max_retry":                   DefaultStoreLockMaxRetry,
		"store.inbox_size":                       DefaultStoreInboxSize,
		"store.log_rotate_max_bytes":             DefaultStoreLogRotateMaxBytes,
		"voice.provider":                         DefaultVoiceProvider,
		"voice.max_concurrent_calls":             DefaultVoiceMaxConcurrentCalls,
		"voice.max_duration_seconds":             DefaultVoiceMaxDurationSeconds,
		"voice.transcript_timeout_ms":            DefaultVoiceTranscriptTimeoutMs,
		"voice.inbound_policy":                   DefaultVoiceInboundPolicy,
		"voice.http_timeout":                     DefaultVoiceHTTPTimeout,
		"voice.outbound.default_mode":            DefaultVoiceOutboundMode,
		"voice.outbound.notify_hangup_delay_sec": DefaultVoiceNotifyHangupDelaySec,
		"voice.twilio.base_url":                  DefaultTwilioBaseURL,
		"voice.telnyx.base_url":                  DefaultTelnyxBaseURL,
		"voice.vonage.base_url":                  DefaultVonageBaseURL,
		"responder.provider":                     DefaultResponderProvider,
		"responder.model":                        DefaultResponderModel,
		"responder.system_prompt":                DefaultResponderSystemPrompt,
		"responder.timeout":                      DefaultResponderTimeout,
		"responder.max_tokens":                   DefaultResponderMaxTokens,
		"scheduler.tick_interval":                DefaultSchedulerTickInterval,
		"scheduler.shutdown_timeout":             DefaultSchedulerShutdownTimeout,
		"scheduler.lease_duration":               DefaultSchedulerLeaseDuration,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else if home != "" {
		globalPath := filepath.Join(home, ".callgate", "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	// CALLGATE_VOICE__MAX_CONCURRENT_CALLS -> voice.max_concurrent_calls
	k.Load(env.Provider("CALLGATE_", ".", envKey), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}
	injectCredentialEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, "CALLGATE_"))
	return strings.ReplaceAll(key, "__", ".")
}

// injectCredentialEnv fills empty credentials from the vendors' standard
// environment variables.
func injectCredentialEnv(cfg *Config) {
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = os.Getenv(name)
		}
	}

	fill(&cfg.Voice.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	fill(&cfg.Voice.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	fill(&cfg.Voice.Telnyx.APIKey, "TELNYX_API_KEY")
	fill(&cfg.Voice.Telnyx.PublicKey, "TELNYX_PUBLIC_KEY")
	fill(&cfg.Voice.Vonage.ApplicationID, "VONAGE_APPLICATION_ID")
	fill(&cfg.Voice.Vonage.PrivateKeyPath, "VONAGE_PRIVATE_KEY_PATH")
	fill(&cfg.Voice.Vonage.SignatureSecret, "VONAGE_SIGNATURE_SECRET")
	fill(&cfg.Notify.Slack.BotToken, "SLACK_BOT_TOKEN")
	fill(&cfg.Notify.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")

	switch cfg.Responder.Provider {
	case "openai":
		fill(&cfg.Responder.APIKey, "OPENAI_API_KEY")
	case "anthropic":
		fill(&cfg.Responder.APIKey, "ANTHROPIC_API_KEY")
	case "gemini":
		fill(&cfg.Responder.APIKey, "GEMINI_API_KEY")
	}
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	workspacePath, err := ExpandPath(cfg.Daemon.WorkspacePath)
	if err != nil {
		return err
	}
	if workspacePath != "" {
		cfg.Daemon.WorkspacePath = workspacePath
	}

	keyPath, err := ExpandPath(cfg.Voice.Vonage.PrivateKeyPath)
	if err != nil {
		return err
	}
	if keyPath != "" {
		cfg.Voice.Vonage.PrivateKeyPath = keyPath
	}
	return nil
}

// Validate rejects values the call manager cannot run with.
func (c *Config) Validate() error {
	switch c.Voice.Provider {
	case "mock", "twilio", "telnyx", "vonage":
	default:
		return fmt.Errorf("voice.provider: unsupported provider %q", c.Voice.Provider)
	}
	switch c.Voice.InboundPolicy {
	case "open", "allowlist", "disabled":
	default:
		return fmt.Errorf("voice.inbound_policy: unsupported policy %q", c.Voice.InboundPolicy)
	}
	switch c.Voice.Outbound.DefaultMode {
	case "notify", "conversation":
	default:
		return fmt.Errorf("voice.outbound.default_mode: unsupported mode %q", c.Voice.Outbound.DefaultMode)
	}
	if c.Voice.MaxConcurrentCalls < 1 {
		return fmt.Errorf("voice.max_concurrent_calls must be at least 1")
	}
	if c.Voice.MaxDurationSeconds < 0 || c.Voice.TranscriptTimeoutMs < 0 || c.Voice.Outbound.NotifyHangupDelaySec < 0 {
		return fmt.Errorf("voice: durations must not be negative")
	}
	for i, sc := range c.Voice.ScheduledCalls {
		if strings.TrimSpace(sc.To) == "" || strings.TrimSpace(sc.Schedule) == "" {
			return fmt.Errorf("voice.scheduled_calls[%d]: to and schedule are required", i)
		}
	}
	return nil
}

// MaxDuration is zero when the max-duration timer is disabled.
func (v VoiceConfig) MaxDuration() time.Duration {
	return time.Duration(v.MaxDurationSeconds) * time.Second
}

func (v VoiceConfig) TranscriptTimeout() time.Duration {
	return time.Duration(v.TranscriptTimeoutMs) * time.Millisecond
}

func (v VoiceConfig) NotifyHangupDelay() time.Duration {
	return time.Duration(v.Outbound.NotifyHangupDelaySec) * time.Second
}
