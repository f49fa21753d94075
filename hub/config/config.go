// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme":       true,
	"secret":         true,
	"whsec_changeme": true,
	"whsec_test":     true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Billing   BillingConfig   `json:"billing"`
}

// BillingConfig defines webhook verification, the tier catalog and credit cycle settings.
type BillingConfig struct {
	WebhookSecret      string      `json:"webhook_secret"`                 // Stripe endpoint secret (whsec_...)
	SignatureTolerance Duration    `json:"signature_tolerance,omitempty"`  // max signature age; default 5m
	WebhookTimeout     Duration    `json:"webhook_timeout,omitempty"`      // processing deadline; default 10s
	MaxConflictRetries int         `json:"max_conflict_retries,omitempty"` // CAS retries per operation; default 5
	CyclePeriod        Duration    `json:"cycle_period,omitempty"`         // 0 = one calendar month
	FreeTier           TierEntry   `json:"free_tier,omitempty"`            // tier granted without a subscription
	Tiers              []TierEntry `json:"tiers,omitempty"`                // paid tiers keyed by price id
	TiersFile          string      `json:"tiers_file,omitempty"`           // optional JSON file, hot-reloaded
}

// TierEntry maps a provider price to an internal tier.
type TierEntry struct {
	PriceID        string `json:"price_id,omitempty"`
	Name           string `json:"name"`
	MonthlyCredits int    `json:"monthly_credits"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines how callers of the credit and entitlement API authenticate.
type AuthConfig struct {
	Provider    string   `json:"provider,omitempty"`     // "builtin" (default) or "clerk"
	ClerkIssuer string   `json:"clerk_issuer,omitempty"` // e.g. "https://foo.clerk.accounts.dev"
	JWTSecret   string   `json:"jwt_secret"`
	JWTExpiry   Duration `json:"jwt_expiry,omitempty"` // lifetime of tokens minted by `entitle-hub token`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "entitle.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"` // default 90 days
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
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

// Load reads and validates a config file. A .env file (ENTITLE_ENV_FILE or
// ./.env) is loaded first so secrets can stay out of the JSON file.
func Load(path string) (*Config, error) {
	loadEnvFile()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func loadEnvFile() {
	if envFile := os.Getenv("ENTITLE_ENV_FILE"); envFile != "" {
		_ = godotenv.Load(envFile)
		return
	}
	// godotenv.Load never overrides variables already set in the environment.
	_ = godotenv.Load()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENTITLE_WEBHOOK_SECRET"); v != "" {
		c.Billing.WebhookSecret = v
	}
	if v := os.Getenv("ENTITLE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ENTITLE_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "clerk" && c.Auth.ClerkIssuer == "" {
		return fmt.Errorf("auth.clerk_issuer is required when provider is clerk")
	}
	if strings.TrimSpace(c.Billing.WebhookSecret) == "" {
		return fmt.Errorf("billing.webhook_secret is required")
	}
	if knownWeakSecrets[c.Billing.WebhookSecret] {
		return fmt.Errorf("billing.webhook_secret is a well-known weak secret")
	}
	if c.Billing.MaxConflictRetries < 0 {
		return fmt.Errorf("billing.max_conflict_retries must not be negative")
	}
	if c.Billing.FreeTier.MonthlyCredits < 0 {
		return fmt.Errorf("billing.free_tier.monthly_credits must not be negative")
	}
	return ValidateTiers(c.Billing.Tiers)
}

// ValidateTiers checks that every paid tier has a unique price id, a name and
// a non-negative allotment.
func ValidateTiers(tiers []TierEntry) error {
	seen := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		if strings.TrimSpace(t.PriceID) == "" {
			return fmt.Errorf("billing.tiers[%d].price_id is required", i)
		}
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("billing.tiers[%d].name is required", i)
		}
		if t.MonthlyCredits < 0 {
			return fmt.Errorf("billing.tiers[%d].monthly_credits must not be negative", i)
		}
		if seen[t.PriceID] {
			return fmt.Errorf("billing.tiers[%d]: duplicate price_id %q", i, t.PriceID)
		}
		seen[t.PriceID] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 365 * 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "entitle.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 90 * 24 * time.Hour // 90 days
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Billing.SignatureTolerance.Duration == 0 {
		c.Billing.SignatureTolerance.Duration = 5 * time.Minute
	}
	if c.Billing.WebhookTimeout.Duration == 0 {
		c.Billing.WebhookTimeout.Duration = 10 * time.Second
	}
	if c.Billing.MaxConflictRetries == 0 {
		c.Billing.MaxConflictRetries = 5
	}
	if c.Billing.FreeTier.Name == "" {
		c.Billing.FreeTier.Name = "free"
		if c.Billing.FreeTier.MonthlyCredits == 0 {
			c.Billing.FreeTier.MonthlyCredits = 10
		}
	}
}
