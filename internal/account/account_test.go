package account

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAccount_Model(t *testing.T) {
	tests := []struct {
		provider Provider
		expected ChangeModel
	}{
		{ProviderDropbox, ModelCursor},
		{ProviderGDrive, ModelPoll},
		{ProviderAgent, ModelPush},
	}

	for _, tt := range tests {
		a := Account{ID: "a", Provider: tt.provider}
		if a.Model() != tt.expected {
			t.Errorf("%s: Model() = %v, want %v", tt.provider, a.Model(), tt.expected)
		}
	}
}

func TestAccount_RateScope(t *testing.T) {
	shared1 := Account{ID: "a", Provider: ProviderGDrive, ServiceAccount: "sa-1"}
	shared2 := Account{ID: "b", Provider: ProviderGDrive, ServiceAccount: "sa-1"}
	alone := Account{ID: "c", Provider: ProviderGDrive}

	if shared1.RateScope() != shared2.RateScope() {
		t.Errorf("accounts on one service account should share a scope: %q vs %q", shared1.RateScope(), shared2.RateScope())
	}
	if alone.RateScope() == shared1.RateScope() {
		t.Error("unrelated account should not share the scope")
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	content := `accounts:
  - id: blog-1
    provider: dropbox
    root_id: /Apps/Blot
  - id: blog-2
    provider: gdrive
    root_id: folder123
    service_account: sa-1
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write accounts: %v", err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}

	a, err := r.Lookup(context.Background(), "blog-2")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if a.RootID != "folder123" || a.Model() != ModelPoll {
		t.Errorf("unexpected account: %+v", a)
	}

	if _, err := r.Lookup(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown provider", "accounts:\n  - id: x\n    provider: ftp\n"},
		{"missing id", "accounts:\n  - provider: dropbox\n"},
		{"duplicate", "accounts:\n  - id: x\n    provider: dropbox\n  - id: x\n    provider: gdrive\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "accounts.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("failed to write accounts: %v", err)
			}
			if _, err := LoadRegistry(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	r := NewRegistry(Account{ID: "z", Provider: ProviderAgent}, Account{ID: "a", Provider: ProviderDropbox})

	if err := r.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	all := loaded.All()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "z" {
		t.Errorf("unexpected accounts after round trip: %+v", all)
	}
}

func TestAccount_Credential(t *testing.T) {
	t.Setenv("REMOTESYNC_TEST_TOKEN", "from-env")

	a := Account{ID: "a", CredentialsRef: "REMOTESYNC_TEST_TOKEN"}
	if got := a.Credential("fallback"); got != "from-env" {
		t.Errorf("Credential = %q, want from-env", got)
	}

	a.CredentialsRef = "REMOTESYNC_TEST_UNSET"
	if got := a.Credential("fallback"); got != "fallback" {
		t.Errorf("Credential = %q, want fallback", got)
	}
}

func TestRegistry_ByRemote(t *testing.T) {
	r := NewRegistry(
		Account{ID: "blog1", Provider: ProviderDropbox, RemoteAccount: "dbid:AAA"},
		Account{ID: "blog2", Provider: ProviderDropbox, RemoteAccount: "dbid:AAA"},
		Account{ID: "dbid:BBB", Provider: ProviderDropbox},
		Account{ID: "blog3", Provider: ProviderGDrive, RemoteAccount: "dbid:AAA"},
	)

	got := r.ByRemote(ProviderDropbox, "dbid:AAA")
	if len(got) != 2 || got[0].ID != "blog1" || got[1].ID != "blog2" {
		t.Errorf("ByRemote(dbid:AAA) = %+v", got)
	}
	if got := r.ByRemote(ProviderDropbox, "dbid:BBB"); len(got) != 1 {
		t.Errorf("account id fallback not matched: %+v", got)
	}
	if got := r.ByRemote(ProviderDropbox, "dbid:CCC"); len(got) != 0 {
		t.Errorf("unknown remote matched: %+v", got)
	}	if got := r.ByRemote(ProviderDropbox, "blog1"); len(got) != 0 {
		t.Errorf("local id matched despite remote account: %+v", got)
	}
}

func TestAccount_RemoteID(t *testing.T) {
	if got := (Account{ID: "blog1"}).RemoteID(); got != "blog1" {
		t.Errorf("RemoteID() = %q, want blog1", got)
	}
	if got := (Account{ID: "blog1", RemoteAccount: "agent-42"}).RemoteID(); got != "agent-42" {
		t.Errorf("RemoteID() = %q, want agent-42", got)
	}
}
