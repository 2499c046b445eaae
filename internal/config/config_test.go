package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Set only required env var
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify defaults
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Import.MaxConcurrent != 4 {
		t.Errorf("Import.MaxConcurrent = %d, want %d", cfg.Import.MaxConcurrent, 4)
	}
	if cfg.Import.TokenTTL != 30*time.Minute {
		t.Errorf("Import.TokenTTL = %v, want %v", cfg.Import.TokenTTL, 30*time.Minute)
	}
	if cfg.Rate.RequestsPerMinute != 120 {
		t.Errorf("Rate.RequestsPerMinute = %d, want %d", cfg.Rate.RequestsPerMinute, 120)
	}
	if cfg.Data.Root != "data" {
		t.Errorf("Data.Root = %q, want %q", cfg.Data.Root, "data")
	}
}

func TestLoad_OverrideDefaults(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("IMPORT_MAX_CONCURRENT", "8")
	os.Setenv("LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("IMPORT_MAX_CONCURRENT")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}
	if cfg.Import.MaxConcurrent != 8 {
		t.Errorf("Import.MaxConcurrent = %d, want %d", cfg.Import.MaxConcurrent, 8)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_AltEnvVar(t *testing.T) {
	// Test that DB_URL works as fallback
	os.Setenv("DB_URL", "postgres://localhost/alttest")
	defer os.Unsetenv("DB_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.URL != "postgres://localhost/alttest" {
		t.Errorf("Database.URL = %q, want %q", cfg.Database.URL, "postgres://localhost/alttest")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("DB_URL")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing DATABASE_URL")
	}
}

func TestLoad_Duration(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("SERVER_READ_TIMEOUT", "45s")
	os.Setenv("IMPORT_TOKEN_TTL", "1h30m")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("SERVER_READ_TIMEOUT")
		os.Unsetenv("IMPORT_TOKEN_TTL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ReadTimeout != 45*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want %v", cfg.Server.ReadTimeout, 45*time.Second)
	}
	if cfg.Import.TokenTTL != 90*time.Minute {
		t.Errorf("Import.TokenTTL = %v, want %v", cfg.Import.TokenTTL, 90*time.Minute)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"invalid port", "SERVER_PORT", "99999"},
		{"negative max conns", "DB_MAX_CONNS", "-1"},
		{"zero token ttl", "IMPORT_TOKEN_TTL", "0s"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"bad log format", "LOG_FORMAT", "xml"},
		{"non-numeric port", "SERVER_PORT", "eighty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("DATABASE_URL", "postgres://localhost/test")
			os.Setenv(tt.key, tt.value)
			defer func() {
				os.Unsetenv("DATABASE_URL")
				os.Unsetenv(tt.key)
			}()

			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q expected error", tt.key, tt.value)
			}
		})
	}
}

func TestDataConfig_Dirs(t *testing.T) {
	c := DataConfig{Root: "/var/lib/relabel"}

	if got, want := c.TmpDir(), filepath.Join("/var/lib/relabel", "tmp"); got != want {
		t.Errorf("TmpDir() = %q, want %q", got, want)
	}
	if got, want := c.PdfDir(), filepath.Join("/var/lib/relabel", "pdfs"); got != want {
		t.Errorf("PdfDir() = %q, want %q", got, want)
	}
	if got, want := c.ZipDir(), filepath.Join("/var/lib/relabel", "zips"); got != want {
		t.Errorf("ZipDir() = %q, want %q", got, want)
	}
	if got, want := c.SnapshotDir(), filepath.Join("/var/lib/relabel", "snapshots"); got != want {
		t.Errorf("SnapshotDir() = %q, want %q", got, want)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		want string
	}{
		{"host and port", "127.0.0.1", 8080, "127.0.0.1:8080"},
		{"empty host", "", 9000, ":9000"},
		{"zero port", "localhost", 0, "localhost:0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ServerConfig{Host: tt.host, Port: tt.port}
			if got := c.Addr(); got != tt.want {
				t.Errorf("Addr() = %q, want %q", got, tt.want)
			}
		})
	}
}
