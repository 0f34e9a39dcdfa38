// Package config handles relay configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/beacon-remote/beacon/internal/store"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Relay   RelayConfig   `json:"relay"`
	Storage store.Config  `json:"storage"`
	Events  EventsConfig  `json:"events,omitempty"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8090"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket/CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max API request body; default 1MB
}

// AuthConfig defines credential settings for agents and API clients.
type AuthConfig struct {
	// AgentTokenSecret keys the derived agent credentials.
	AgentTokenSecret  string `json:"agent_token_secret"`
	TokenValidityDays int    `json:"token_validity_days,omitempty"` // default 30

	// JWTSecret signs control-plane client tokens for the dispatch API.
	JWTSecret string   `json:"jwt_secret"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty"` // default 24h

	// Clients are the control-plane callers allowed to log in.
	Clients []APIClient `json:"clients"`
}

// APIClient is one control-plane caller (e.g. the chat bot process). The
// secret is stored as a bcrypt hash, never in the clear.
type APIClient struct {
	ID         string `json:"id"`
	SecretHash string `json:"secret_hash"`
}

// RelayConfig tunes the session hub.
type RelayConfig struct {
	AuthTimeout        Duration `json:"auth_timeout,omitempty"`         // credential frame deadline; default 10s
	HeartbeatTimeout   Duration `json:"heartbeat_timeout,omitempty"`    // silent-agent eviction; default 60s
	HeartbeatSweep     Duration `json:"heartbeat_sweep,omitempty"`      // reaper interval; default 15s
	DispatchTimeout    Duration `json:"dispatch_timeout,omitempty"`     // default correlated wait; default 30s
	QueueMaxSize       int      `json:"queue_max_size,omitempty"`       // per-principal; default 50
	QueueTTL           Duration `json:"queue_ttl,omitempty"`            // default 5m
	RateLimitRequests  int      `json:"rate_limit_requests,omitempty"`  // per window; default 10
	RateLimitWindow    Duration `json:"rate_limit_window,omitempty"`    // default 60s
	MaxAgentFrameBytes int64    `json:"max_agent_frame_bytes,omitempty"` // default 1MB
	AuditRetention     Duration `json:"audit_retention,omitempty"`      // default 30 days
}

// EventsConfig configures the optional external event sink.
type EventsConfig struct {
	NATSURL       string `json:"nats_url,omitempty"`       // empty disables the NATS sink
	SubjectPrefix string `json:"subject_prefix,omitempty"` // default "beacon.events"
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration: either a Go duration string or
// a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.AgentTokenSecret == "" {
		return fmt.Errorf("auth.agent_token_secret is required")
	}
	if len(c.Auth.AgentTokenSecret) < 32 {
		return fmt.Errorf("auth.agent_token_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.AgentTokenSecret] {
		return fmt.Errorf("auth.agent_token_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	for i, client := range c.Auth.Clients {
		if client.ID == "" || client.SecretHash == "" {
			return fmt.Errorf("auth.clients[%d] needs both id and secret_hash", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.TokenValidityDays == 0 {
		c.Auth.TokenValidityDays = 30
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Relay.AuthTimeout.Duration == 0 {
		c.Relay.AuthTimeout.Duration = 10 * time.Second
	}
	if c.Relay.HeartbeatTimeout.Duration == 0 {
		c.Relay.HeartbeatTimeout.Duration = 60 * time.Second
	}
	if c.Relay.HeartbeatSweep.Duration == 0 {
		c.Relay.HeartbeatSweep.Duration = 15 * time.Second
	}
	if c.Relay.DispatchTimeout.Duration == 0 {
		c.Relay.DispatchTimeout.Duration = 30 * time.Second
	}
	if c.Relay.QueueMaxSize == 0 {
		c.Relay.QueueMaxSize = 50
	}
	if c.Relay.QueueTTL.Duration == 0 {
		c.Relay.QueueTTL.Duration = 5 * time.Minute
	}
	if c.Relay.RateLimitRequests == 0 {
		c.Relay.RateLimitRequests = 10
	}
	if c.Relay.RateLimitWindow.Duration == 0 {
		c.Relay.RateLimitWindow.Duration = 60 * time.Second
	}
	if c.Relay.MaxAgentFrameBytes == 0 {
		c.Relay.MaxAgentFrameBytes = 1024 * 1024 // 1MB
	}
	if c.Relay.AuditRetention.Duration == 0 {
		c.Relay.AuditRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "beacon.db"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "beacon.events"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
