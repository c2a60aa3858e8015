package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultAddr             = ":8080"
	DefaultShutdownGrace    = 10 * time.Second
	DefaultWebhookTolerance = 30 * time.Minute
	DefaultMaxRetries       = 1
	DefaultRingTimeout      = 15 * time.Second
	DefaultQueueSize        = 256
	DefaultCloseGrace       = 5 * time.Second
	DefaultPendingTTL       = 10 * time.Minute
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Twilio     TwilioConfig           `yaml:"twilio"`
	ElevenLabs ElevenLabsConfig       `yaml:"elevenlabs"`
	Agents     map[string]AgentConfig `yaml:"agents"`
	Transfer   TransferConfig         `yaml:"transfer"`
	Bridge     BridgeConfig           `yaml:"bridge"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// ServerConfig holds the listener and the externally visible base URLs that
// Twilio calls back on.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	PublicURL   string `yaml:"public_url"`
	PublicWSURL string `yaml:"public_ws_url"`

	ShutdownGrace    time.Duration `yaml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace"`
}

// TwilioConfig holds REST credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	APIBaseURL string `yaml:"api_base_url"`
	// ValidateSignatures defaults to true.
	ValidateSignatures *bool `yaml:"validate_signatures"`
}

// SignaturesEnabled reports whether webhook signatures are checked.
func (t TwilioConfig) SignaturesEnabled() bool {
	return t.ValidateSignatures == nil || *t.ValidateSignatures
}

// ElevenLabsConfig holds agent platform credentials.
type ElevenLabsConfig struct {
	APIKey        string `yaml:"api_key"`
	APIBaseURL    string `yaml:"api_base_url"`
	WSBaseURL     string `yaml:"ws_base_url"`
	WebhookSecret string `yaml:"webhook_secret"`

	WebhookTolerance    time.Duration `yaml:"-"`
	WebhookToleranceRaw string        `yaml:"webhook_tolerance"`
}

// AgentConfig is one registered agent.
type AgentConfig struct {
	AgentID     string `yaml:"agent_id"`
	SignedURL   string `yaml:"signed_url"`
	PhoneNumber string `yaml:"phone_number"`
}

// TransferConfig wires the warm transfer flow. Agent fields are keys into
// Config.Agents.
type TransferConfig struct {
	AssessmentAgent     string `yaml:"assessment_agent"`
	WarmTransferAgent   string `yaml:"warm_transfer_agent"`
	WaitManagementAgent string `yaml:"wait_management_agent"`
	// CallerNumber, when set, is the only number allowed to call in.
	CallerNumber string `yaml:"caller_number"`
	TargetNumber string `yaml:"target_number"`
	MaxRetries   *int   `yaml:"max_retries"`

	RingTimeout    time.Duration `yaml:"-"`
	RingTimeoutRaw string        `yaml:"ring_timeout"`
}

// Enabled reports whether post-call transfers are configured.
func (t TransferConfig) Enabled() bool {
	return t.WarmTransferAgent != "" && t.TargetNumber != ""
}

// Retries returns the retry limit.
func (t TransferConfig) Retries() int {
	if t.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *t.MaxRetries
}

// BridgeConfig tunes media stream bridges.
type BridgeConfig struct {
	OutboundQueueSize int  `yaml:"outbound_queue_size"`
	EventQueueSize    int  `yaml:"event_queue_size"`
	ForwardDTMF       bool `yaml:"forward_dtmf"`

	CloseGrace    time.Duration `yaml:"-"`
	CloseGraceRaw string        `yaml:"close_grace"`

	PendingTTL    time.Duration `yaml:"-"`
	PendingTTLRaw string        `yaml:"pending_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file at path. ${VAR_NAME} references are
// replaced with environment values before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" when
// the variable is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_grace", cfg.Server.ShutdownGraceRaw, &cfg.Server.ShutdownGrace},
		{"elevenlabs.webhook_tolerance", cfg.ElevenLabs.WebhookToleranceRaw, &cfg.ElevenLabs.WebhookTolerance},
		{"transfer.ring_timeout", cfg.Transfer.RingTimeoutRaw, &cfg.Transfer.RingTimeout},
		{"bridge.close_grace", cfg.Bridge.CloseGraceRaw, &cfg.Bridge.CloseGrace},
		{"bridge.pending_ttl", cfg.Bridge.PendingTTLRaw, &cfg.Bridge.PendingTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	c.Server.PublicWSURL = strings.TrimRight(c.Server.PublicWSURL, "/")
	if c.Server.PublicWSURL == "" && c.Server.PublicURL != "" {
		c.Server.PublicWSURL = "wss://" + strings.TrimPrefix(strings.TrimPrefix(c.Server.PublicURL, "https://"), "http://")
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ElevenLabs.WebhookTolerance == 0 {
		c.ElevenLabs.WebhookTolerance = DefaultWebhookTolerance
	}
	if c.Transfer.RingTimeout == 0 {
		c.Transfer.RingTimeout = DefaultRingTimeout
	}
	if c.Bridge.OutboundQueueSize == 0 {
		c.Bridge.OutboundQueueSize = DefaultQueueSize
	}
	if c.Bridge.EventQueueSize == 0 {
		c.Bridge.EventQueueSize = DefaultQueueSize
	}
	if c.Bridge.CloseGrace == 0 {
		c.Bridge.CloseGrace = DefaultCloseGrace
	}
	if c.Bridge.PendingTTL == 0 {
		c.Bridge.PendingTTL = DefaultPendingTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that required fields are present and consistent.
func (c *Config) Validate() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required")
	}
	if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
		return fmt.Errorf("twilio.account_sid and twilio.auth_token are required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	for key, agent := range c.Agents {
		if agent.AgentID == "" && agent.SignedURL == "" {
			return fmt.Errorf("agents.%s: agent_id or signed_url is required", key)
		}
	}

	if c.Transfer.AssessmentAgent == "" {
		return fmt.Errorf("transfer.assessment_agent is required")
	}
	for field, key := range map[string]string{
		"assessment_agent":      c.Transfer.AssessmentAgent,
		"warm_transfer_agent":   c.Transfer.WarmTransferAgent,
		"wait_management_agent": c.Transfer.WaitManagementAgent,
	} {
		if key == "" {
			continue
		}
		if _, ok := c.Agents[key]; !ok {
			return fmt.Errorf("transfer.%s: unknown agent %q", field, key)
		}
	}
	if c.Transfer.Enabled() {
		if c.Agents[c.Transfer.WarmTransferAgent].PhoneNumber == "" {
			return fmt.Errorf("agents.%s.phone_number is required for transfers", c.Transfer.WarmTransferAgent)
		}
		if c.ElevenLabs.WebhookSecret == "" {
			return fmt.Errorf("elevenlabs.webhook_secret is required for transfers")
		}
	}
	if c.Transfer.Retries() < 0 {
		return fmt.Errorf("transfer.max_retries must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Agent returns the agent registered under key.
func (c *Config) Agent(key string) (AgentConfig, bool) {
	a, ok := c.Agents[key]
	return a, ok
}
