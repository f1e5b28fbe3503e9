package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"RemoteSync", "remotesync"},
		{"blog-state", "blog_state"},
		{"My Blog State", "my_blog_state"},
		{"Blog  and   Things", "blog_and_things"},
		{"State (2024)", "state_2024"},
		{"Sync@Home!", "synchome"},
		{"2024 blogs", "rs_2024_blogs"},
		{"", "remotesync"},
		{"___", "remotesync"},
		{"-state-", "state"},
		{
			"ThisIsAReallyLongSchemaNameThatExceedsThePostgreSQLIdentifierLimitOfSixtyThree",
			"thisisareallylongschemanamethatexceedsthepostgresqlidentifierli",
		},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := SanitizeIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSanitizeIdentifier_ValidIdentifier(t *testing.T) {
	for _, tc := range []string{"My State", "123", "", "___x___", "UPPER"} {
		result := SanitizeIdentifier(tc)
		if result == "" {
			t.Errorf("SanitizeIdentifier(%q) returned empty string", tc)
			continue
		}
		if result[0] < 'a' || result[0] > 'z' {
			t.Errorf("SanitizeIdentifier(%q) = %q, doesn't start with letter", tc, result)
		}
		for _, c := range result {
			if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
				t.Errorf("SanitizeIdentifier(%q) = %q, contains invalid character %q", tc, result, c)
			}
		}
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	path := filepath.Join(dir, "config.yaml")

	content := `data_dir: "` + dataDir + `"
accounts_file: "` + filepath.Join(dir, "accounts.yaml") + `"
state:
  dsn: "sqlite://` + filepath.Join(dir, "state.db") + `"
sync:
  parallelism: 8
poller:
  max_items: 42
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Parallelism != 8 {
		t.Errorf("expected parallelism 8, got %d", cfg.Sync.Parallelism)
	}
	if cfg.Poller.MaxItems != 42 {
		t.Errorf("expected max items 42, got %d", cfg.Poller.MaxItems)
	}
	if cfg.Poller.MaxItemsPerScope != 150 {
		t.Errorf("expected default per-scope cap 150, got %d", cfg.Poller.MaxItemsPerScope)
	}
	if cfg.RateLimit.CooldownMs != 30000 {
		t.Errorf("expected default cooldown 30000, got %d", cfg.RateLimit.CooldownMs)
	}
	if cfg.AssetDir != dataDir {
		t.Errorf("expected asset dir to default to data dir, got %q", cfg.AssetDir)
	}
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		t.Errorf("expected data dir to be created")
	}
}

func TestLoad_RejectsUnknownDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `data_dir: "` + filepath.Join(dir, "data") + `"
accounts_file: "accounts.yaml"
state:
  dsn: "mysql://localhost/state"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected validation error for unsupported dsn scheme")
	}
}
