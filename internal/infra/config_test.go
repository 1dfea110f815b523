package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("AUTH_PIN_PEPPER", "pepper")
	t.Setenv("RATELIMIT_MAX_ATTEMPTS", "3")
	t.Setenv("REQUESTS_TTL", "5m")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RateLimit.MaxAttempts != 3 {
		t.Fatalf("expected env override, got %d", cfg.RateLimit.MaxAttempts)
	}
	if cfg.RateLimit.Lockout != 15*time.Minute {
		t.Fatalf("unexpected lockout default: %v", cfg.RateLimit.Lockout)
	}
	if cfg.Requests.TTL != 5*time.Minute {
		t.Fatalf("unexpected ttl: %v", cfg.Requests.TTL)
	}
	if cfg.Server.Port != 8080 || cfg.Requests.CodeLength != 6 {
		t.Fatalf("unexpected defaults: %+v", cfg.Server)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := `
storage:
  driver: memory
auth:
  pin_pepper: file-pepper
ratelimit:
  max_attempts: 7
  lockout: 2m
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RateLimit.MaxAttempts != 7 || cfg.RateLimit.Lockout != 2*time.Minute {
		t.Fatalf("unexpected rate limit config: %+v", cfg.RateLimit)
	}
	if cfg.Auth.PinPepper != "file-pepper" {
		t.Fatalf("unexpected pepper")
	}
}

func TestLoadConfigRejectsUnsafeValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("AUTH_PIN_PEPPER", "pepper")
	t.Setenv("RATELIMIT_MAX_ATTEMPTS", "0")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected validation error for max_attempts=0")
	}
}

func TestLoadConfigRequiresDatabaseForPostgres(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("AUTH_PIN_PEPPER", "pepper")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error without database.url")
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
