package account

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider identifies a remote storage provider
type Provider string

const (
	ProviderDropbox Provider = "dropbox"
	ProviderGDrive  Provider = "gdrive"
	ProviderAgent   Provider = "agent"
)

// ChangeModel describes how an account learns about remote changes
type ChangeModel int

const (
	ModelCursor ChangeModel = iota
	ModelPoll
	ModelPush
)

func (m ChangeModel) String() string {
	switch m {
	case ModelCursor:
		return "cursor"
	case ModelPoll:
		return "poll"
	case ModelPush:
		return "push"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when an account id is not registered
var ErrNotFound = errors.New("account not found")

// Account identifies one remote-storage connection owned by a blog
type Account struct {
	ID             string   `yaml:"id" validate:"required"`
	Provider       Provider `yaml:"provider" validate:"required,oneof=dropbox gdrive agent"`
	CredentialsRef string   `yaml:"credentials_ref"`
	// RootID is a folder path for dropbox, a folder id for gdrive and
	// unused for agent accounts.
	RootID string `yaml:"root_id"`
	// ServiceAccount groups gdrive accounts sharing one API quota.
	ServiceAccount string `yaml:"service_account"`
	// Folder is the local directory name under the data dir.
	Folder string `yaml:"folder"`
	// RemoteAccount is the provider's id for the connected user, as sent
	// in change notifications (a dbid for dropbox).
	RemoteAccount string `yaml:"remote_account,omitempty"`
}

// Model returns the change-notification model of the account's provider
func (a Account) Model() ChangeModel {
	switch a.Provider {
	case ProviderGDrive:
		return ModelPoll
	case ProviderAgent:
		return ModelPush
	default:
		return ModelCursor
	}
}

// RateScope returns the key used to share API quota between accounts
func (a Account) RateScope() string {
	if a.ServiceAccount != "" {
		return string(a.Provider) + ":" + a.ServiceAccount
	}
	if a.CredentialsRef != "" {
		return string(a.Provider) + ":" + a.CredentialsRef
	}
	return string(a.Provider) + ":" + a.ID
}

// Credential resolves the account's API token. CredentialsRef names an
// environment variable; fallback is used when it is unset.
func (a Account) Credential(fallback string) string {
	if a.CredentialsRef != "" {
		if v := os.Getenv(a.CredentialsRef); v != "" {
			return v
		}
	}
	return fallback
}

// RemoteID returns the provider-side id of the account, defaulting to the
// account id
func (a Account) RemoteID() string {
	if a.RemoteAccount != "" {
		return a.RemoteAccount
	}
	return a.ID
}

// LocalFolder returns the directory name used for the account's content
func (a Account) LocalFolder() string {
	if a.Folder != "" {
		return a.Folder
	}
	return a.ID
}

// Lookup resolves account ids
type Lookup interface {
	Lookup(ctx context.Context, id string) (Account, error)
}

// Registry is an in-memory account table, optionally loaded from YAML
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

type registryFile struct {
	Accounts []Account `yaml:"accounts" validate:"dive"`
}

// NewRegistry creates a registry holding the given accounts
func NewRegistry(accounts ...Account) *Registry {
	r := &Registry{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

// LoadRegistry reads accounts from a YAML file
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("accounts validation failed: %w", err)
	}

	r := NewRegistry()
	for _, a := range file.Accounts {
		if _, dup := r.accounts[a.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %q", a.ID)
		}
		r.accounts[a.ID] = a
	}
	return r, nil
}

// Save writes the registry to a YAML file
func (r *Registry) Save(path string) error {
	file := registryFile{Accounts: r.All()}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write accounts file: %w", err)
	}
	return nil
}

// Lookup returns the account with the given id
func (r *Registry) Lookup(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// Put adds or replaces an account
func (r *Registry) Put(a Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a
}

// All returns every account sorted by id
func (r *Registry) All() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByRemote returns the accounts of provider connected to a remote user id
func (r *Registry) ByRemote(provider Provider, remoteID string) []Account {
	var out []Account
	for _, a := range r.All() {
		if a.Provider == provider && a.RemoteID() == remoteID {
			out = append(out, a)
		}
	}
	return out
}
