package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if len(cfg.Vendors) != 3 {
		t.Fatalf("Vendors = %d, want 3", len(cfg.Vendors))
	}
	if cfg.Vendors[0].Name != "openai" || cfg.Vendors[1].Name != "anthropic" || cfg.Vendors[2].Name != "ollama" {
		t.Errorf("unexpected built-in vendor order: %+v", cfg.Vendors)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	for _, v := range cfg.Vendors {
		if v.APIKey != "" {
			t.Errorf("vendor %s: built-in default must not carry a credential", v.Name)
		}
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Vendors) != 3 {
		t.Errorf("expected defaults, got %d vendors", len(cfg.Vendors))
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
vendors:
  - name: "openai"
    type: "openai"
    api_key: "sk-test"
    conn_timeout: 5s
    models:
      - id: "gpt-4o"
        name: "GPT-4o"
        default: true
  - name: "local"
    type: "ollama"
    base_url: "http://10.0.0.2:11434"
logger:
  level: "debug"
recorder:
  enabled: true
  path: "/tmp/usage.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Vendors) != 2 {
		t.Fatalf("Vendors = %d, want 2 (file replaces built-ins)", len(cfg.Vendors))
	}
	if cfg.Vendors[0].APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want %q", cfg.Vendors[0].APIKey, "sk-test")
	}
	if cfg.Vendors[0].ConnTimeout != 5*time.Second {
		t.Errorf("ConnTimeout = %v, want 5s", cfg.Vendors[0].ConnTimeout)
	}
	if len(cfg.Vendors[0].Models) != 1 || !cfg.Vendors[0].Models[0].Default {
		t.Errorf("Models mismatch: %+v", cfg.Vendors[0].Models)
	}
	if cfg.Vendors[1].BaseURL != "http://10.0.0.2:11434" {
		t.Errorf("BaseURL = %q", cfg.Vendors[1].BaseURL)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if !cfg.Recorder.Enabled || cfg.Recorder.Path != "/tmp/usage.db" {
		t.Errorf("Recorder mismatch: %+v", cfg.Recorder)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0666); err != nil {
		t.Fatal(err)
	}
	// WriteFile's mode is filtered by the process umask; chmod so the file
	// is actually world-writable regardless of environment.
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for world-writable config")
	}
	assertContains(t, err.Error(), "insecure permissions")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLMRELAY_LOGGER_LEVEL", "debug")
	t.Setenv("LLMRELAY_VENDOR_OPENAI_API_KEY", "sk-from-env")
	t.Setenv("LLMRELAY_VENDOR_OLLAMA_BASE_URL", "http://remote:11434")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Vendors[0].APIKey != "sk-from-env" {
		t.Errorf("openai APIKey = %q, want %q", cfg.Vendors[0].APIKey, "sk-from-env")
	}
	if cfg.Vendors[2].BaseURL != "http://remote:11434" {
		t.Errorf("ollama BaseURL = %q", cfg.Vendors[2].BaseURL)
	}
}

func TestApplyEnvOverridesTracerEnabled(t *testing.T) {
	t.Setenv("LLMRELAY_TRACER_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled should be true")
	}
}

func TestApplyEnvOverridesRefreshSchedule(t *testing.T) {
	t.Setenv("LLMRELAY_REFRESH_ENABLED", "true")
	t.Setenv("LLMRELAY_REFRESH_SCHEDULE", "30s")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Refresh.Enabled {
		t.Error("Refresh.Enabled should be true")
	}
	if cfg.Refresh.Schedule != "30s" {
		t.Errorf("Refresh.Schedule = %q, want %q", cfg.Refresh.Schedule, "30s")
	}
}

func TestApplyEnvOverridesRateLimit(t *testing.T) {
	t.Setenv("LLMRELAY_RATE_LIMIT_REQUESTS_PER_MIN", "90")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled should be true")
	}
	if cfg.RateLimit.RequestsPerMin != 90 {
		t.Errorf("RequestsPerMin = %d, want 90", cfg.RateLimit.RequestsPerMin)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "sk-abcdef123456"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecryptValue(encrypted, "wrong-pass")
	if err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptSecretsEnabled(t *testing.T) {
	passphrase := "test-config-key"
	plainAPIKey := "sk-secret123456"

	encrypted, err := EncryptValue(plainAPIKey, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.Vendors = []VendorConfig{
		{Name: "openai", Type: "openai", APIKey: "enc:" + encrypted},
	}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.Vendors[0].APIKey != plainAPIKey {
		t.Errorf("APIKey = %q, want %q", cfg.Vendors[0].APIKey, plainAPIKey)
	}
}

func TestDecryptSecretsNoEncPrefix(t *testing.T) {
	cfg := Defaults()
	cfg.Vendors = []VendorConfig{
		{Name: "openai", Type: "openai", APIKey: "sk-plain-key"},
	}

	if err := decryptSecrets(cfg, "any-passphrase"); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.Vendors[0].APIKey != "sk-plain-key" {
		t.Errorf("APIKey should remain unchanged")
	}
}

func TestDecryptSecretsMissingPassphrase(t *testing.T) {
	cfg := Defaults()
	cfg.Vendors = []VendorConfig{
		{Name: "openai", Type: "openai", APIKey: "enc:deadbeef:deadbeef"},
	}

	err := decryptSecrets(cfg, "")
	if err == nil {
		t.Fatal("expected error for encrypted value without a config key")
	}
	assertContains(t, err.Error(), "LLMRELAY_CONFIG_KEY")
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.Vendors = []VendorConfig{
		{Name: "openai", Type: "openai", APIKey: "enc:notvalidhex"},
	}

	err := decryptSecrets(cfg, "passphrase")
	if err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}
