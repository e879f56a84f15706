package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Vendors        []VendorConfig       `yaml:"vendors"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
	Recorder       RecorderConfig       `yaml:"recorder"`
	Refresh        RefreshConfig        `yaml:"refresh"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// VendorConfig holds settings for a single chat vendor.
type VendorConfig struct {
	Name          string           `yaml:"name"`
	Type          string           `yaml:"type"` // openai, anthropic, openrouter, ollama, bedrock
	BaseURL       string           `yaml:"base_url"`
	APIKey        string           `yaml:"api_key"`
	Region        string           `yaml:"region,omitempty"` // bedrock only
	ConnTimeout   time.Duration    `yaml:"conn_timeout"`
	HeaderTimeout time.Duration    `yaml:"header_timeout"`
	Pool          PoolConfig       `yaml:"pool"`
	Models        []ModelConfig    `yaml:"models,omitempty"`
	RateLimit     *RateLimitConfig `yaml:"rate_limit,omitempty"` // overrides the global setting
}

// ModelConfig describes one catalog entry a vendor advertises. Vendors with
// no configured models fall back to their built-in catalog; Ollama probes the
// live daemon instead.
type ModelConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Family          string `yaml:"family,omitempty"`
	ContextWindow   int    `yaml:"context_window,omitempty"`
	MaxOutputTokens int    `yaml:"max_output_tokens,omitempty"`
	Vision          bool   `yaml:"vision,omitempty"`
	ToolCalling     bool   `yaml:"tool_calling,omitempty"`
	AgentMode       bool   `yaml:"agent_mode,omitempty"`
	Default         bool   `yaml:"default,omitempty"`
	Hidden          bool   `yaml:"hidden,omitempty"` // exclude from user-facing pickers
}

// PoolConfig holds HTTP connection pool settings for vendor clients.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for vendor clients.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig holds outbound request pacing settings.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	BurstSize      int  `yaml:"burst_size"`
}

// RecorderConfig holds stream usage accounting settings.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database file
}

// RefreshConfig holds periodic model directory refresh settings.
type RefreshConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.llmrelay/data, falling back to "./data" when $HOME is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".llmrelay", "data")
}

// Defaults returns a Config with the built-in vendors and conservative
// settings. The built-in OpenAI and Anthropic vendors carry no credential;
// a missing key surfaces as a configuration error at request time, never as
// a hardcoded fallback.
func Defaults() *Config {
	return &Config{
		Vendors: []VendorConfig{
			{Name: "openai", Type: "openai"},
			{Name: "anthropic", Type: "anthropic"},
			{Name: "ollama", Type: "ollama"},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Path:    filepath.Join(defaultDataDir(), "usage.db"),
		},
		Refresh: RefreshConfig{
			Enabled:  false,
			Schedule: "5m",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: false,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error: the defaults plus env overrides
// form a usable configuration.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := decryptSecrets(cfg, os.Getenv("LLMRELAY_CONFIG_KEY")); err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps LLMRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMRELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LLMRELAY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LLMRELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LLMRELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("LLMRELAY_RECORDER_ENABLED"); v == "true" {
		cfg.Recorder.Enabled = true
	}
	if v := os.Getenv("LLMRELAY_RECORDER_PATH"); v != "" {
		cfg.Recorder.Path = v
	}
	if v := os.Getenv("LLMRELAY_REFRESH_ENABLED"); v == "true" {
		cfg.Refresh.Enabled = true
	}
	if v := os.Getenv("LLMRELAY_REFRESH_SCHEDULE"); v != "" {
		cfg.Refresh.Schedule = v
	}
	if v := os.Getenv("LLMRELAY_RATE_LIMIT_REQUESTS_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.Enabled = true
			cfg.RateLimit.RequestsPerMin = n
		}
	}

	// Per-vendor overrides: LLMRELAY_VENDOR_<NAME>_API_KEY and _BASE_URL.
	for i := range cfg.Vendors {
		upper := strings.ToUpper(cfg.Vendors[i].Name)
		if v := os.Getenv(fmt.Sprintf("LLMRELAY_VENDOR_%s_API_KEY", upper)); v != "" {
			cfg.Vendors[i].APIKey = v
		}
		if v := os.Getenv(fmt.Sprintf("LLMRELAY_VENDOR_%s_BASE_URL", upper)); v != "" {
			cfg.Vendors[i].BaseURL = v
		}
	}
}

// decryptSecrets finds "enc:..." values in vendor API keys and decrypts
// them. An encrypted value with no passphrase set is an error; silently
// keeping the ciphertext would send it upstream as a bearer token.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Vendors {
		key := cfg.Vendors[i].APIKey
		if !strings.HasPrefix(key, "enc:") {
			continue
		}
		if passphrase == "" {
			return fmt.Errorf("vendor %s: api_key is encrypted but LLMRELAY_CONFIG_KEY is not set", cfg.Vendors[i].Name)
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("vendor %s api_key: %w", cfg.Vendors[i].Name, err)
		}
		cfg.Vendors[i].APIKey = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
