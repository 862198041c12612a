package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CREWCHAT_CONFIG", "API_URL", "SOCKET_URL", "AI_SESSION_ID", "DISPATCH_TIMEOUT",
		"RECONNECT_ATTEMPTS", "HISTORY_ON_OPEN", "PORT", "CREWCHAT_USER_ID",
	} {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Timeouts.Dispatch != 5*time.Minute {
		t.Errorf("expected minutes-scale dispatch timeout, got %v", cfg.Timeouts.Dispatch)
	}
	if !cfg.Reconnect.Enabled {
		t.Error("expected reconnect to be enabled by default")
	}
	if cfg.AskPath != "/ai/ask" || cfg.HistoryPath != "/chat/history" {
		t.Errorf("unexpected default paths: %q %q", cfg.AskPath, cfg.HistoryPath)
	}
	if got := len(cfg.Warnings()); got != 3 {
		t.Errorf("expected 3 warnings for missing endpoints, got %d", got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_URL", "https://api.example.com/")
	t.Setenv("SOCKET_URL", "wss://rt.example.com")
	t.Setenv("AI_SESSION_ID", "crew-assistant")
	t.Setenv("DISPATCH_TIMEOUT", "2m")
	t.Setenv("HISTORY_ON_OPEN", "yes")
	t.Setenv("RECONNECT_ATTEMPTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIURL != "https://api.example.com" {
		t.Errorf("expected trailing slash to be trimmed, got %q", cfg.APIURL)
	}
	if cfg.Timeouts.Dispatch != 2*time.Minute {
		t.Errorf("expected 2m dispatch timeout, got %v", cfg.Timeouts.Dispatch)
	}
	if !cfg.HistoryOnOpen {
		t.Error("expected HistoryOnOpen from env")
	}
	if cfg.Reconnect.MaxAttempts != 7 {
		t.Errorf("expected 7 reconnect attempts, got %d", cfg.Reconnect.MaxAttempts)
	}
	if w := cfg.Warnings(); len(w) != 0 {
		t.Errorf("expected no warnings, got %v", w)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "crewchat.toml")
	content := `
api_url = "http://file.example.com"
ai_session_id = "from-file"

[timeouts]
dispatch = "3m"

[relay]
port = "9090"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CREWCHAT_CONFIG", path)
	t.Setenv("AI_SESSION_ID", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIURL != "http://file.example.com" {
		t.Errorf("expected api url from file, got %q", cfg.APIURL)
	}
	if cfg.AISessionID != "from-env" {
		t.Errorf("expected env to override file, got %q", cfg.AISessionID)
	}
	if cfg.Timeouts.Dispatch != 3*time.Minute {
		t.Errorf("expected 3m from file, got %v", cfg.Timeouts.Dispatch)
	}
	if cfg.Relay.Port != "9090" {
		t.Errorf("expected relay port from file, got %q", cfg.Relay.Port)
	}
	if cfg.Timeouts.History != 30*time.Second {
		t.Errorf("expected default history timeout to survive overlay, got %v", cfg.Timeouts.History)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.Dispatch = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "DISPATCH_TIMEOUT") {
		t.Errorf("expected dispatch timeout error, got %v", err)
	}

	cfg = Default()
	cfg.Reconnect.Max = cfg.Reconnect.Initial / 2
	if err := cfg.Validate(); err == nil {
		t.Error("expected reconnect bounds error")
	}

	cfg = Default()
	cfg.APIURL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Error("expected invalid URL error")
	}
}
