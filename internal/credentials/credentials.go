// Package credentials stores and resolves the Plane API key. Keys live in the
// OS keyring (one entry per workspace) with fallback to environment variables
// and finally the config file.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"planesync/internal/utils"
)

// ServiceName is the keyring service all planesync entries are stored under.
const ServiceName = "planesync"

// APIKeyEnvVars are checked in order when the keyring has no entry.
var APIKeyEnvVars = []string{"PLANE_API_KEY", "PLANE_SKILLS_PLANE_API_KEY"}

// Source indicates where credentials were retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceConfig      Source = "config"
	SourceNone        Source = "none"
)

// CredentialInfo contains credential information returned by Get()
type CredentialInfo struct {
	Source    Source // Where the key came from
	Workspace string // Workspace slug the key belongs to
	EnvVar    string // Variable name when Source is environment
	APIKey    string // Never printed
	Found     bool
}

// JSON serializes the credential info to JSON (API key excluded for security)
func (c *CredentialInfo) JSON() ([]byte, error) {
	output := struct {
		Workspace string `json:"workspace"`
		Source    string `json:"source"`
		EnvVar    string `json:"env_var,omitempty"`
		Found     bool   `json:"found"`
	}{
		Workspace: c.Workspace,
		Source:    string(c.Source),
		EnvVar:    c.EnvVar,
		Found:     c.Found,
	}
	return json.Marshal(output)
}

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager handles credential operations
type Manager struct {
	keyring Keyring
	getenv  func(string) string
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// NewManager creates a new credential manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
		getenv:  os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// normalizeWorkspace normalizes workspace slugs to lowercase
func normalizeWorkspace(workspace string) string {
	return strings.ToLower(strings.TrimSpace(workspace))
}

// Set stores the API key for workspace in the keyring
func (m *Manager) Set(ctx context.Context, workspace, apiKey string) error {
	workspace = normalizeWorkspace(workspace)
	if workspace == "" {
		return errors.New("workspace slug is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return errors.New("API key must not be empty")
	}
	return m.keyring.Set(ServiceName, workspace, strings.TrimSpace(apiKey))
}

// Get retrieves the API key from the keyring, then the environment.
func (m *Manager) Get(ctx context.Context, workspace string) (*CredentialInfo, error) {
	return m.Resolve(ctx, workspace, "")
}

// Resolve looks up the API key for workspace: keyring first, then the
// environment, then configured (the value from the config file).
// Keyring failures other than a missing entry are returned.
func (m *Manager) Resolve(ctx context.Context, workspace, configured string) (*CredentialInfo, error) {
	workspace = normalizeWorkspace(workspace)
	info := &CredentialInfo{Source: SourceNone, Workspace: workspace}

	// Priority 1: Try keyring
	if workspace != "" {
		key, err := m.keyring.Get(ServiceName, workspace)
		switch {
		case err == nil && key != "":
			info.Source, info.APIKey, info.Found = SourceKeyring, key, true
			return info, nil
		case err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrKeyringNotAvailable):
			return nil, errors.Wrap(err, "failed to read keyring")
		}
	}

	// Priority 2: Try environment variables
	for _, name := range APIKeyEnvVars {
		if v := strings.TrimSpace(m.getenv(name)); v != "" {
			info.Source, info.EnvVar, info.APIKey, info.Found = SourceEnvironment, name, v, true
			return info, nil
		}
	}

	// Priority 3: Config file
	if v := strings.TrimSpace(configured); v != "" {
		info.Source, info.APIKey, info.Found = SourceConfig, v, true
	}
	return info, nil
}

// Delete removes the keyring entry for workspace. Missing entries are not an error.
func (m *Manager) Delete(ctx context.Context, workspace string) error {
	err := m.keyring.Delete(ServiceName, normalizeWorkspace(workspace))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PromptSecret prompts for a secret. When reader is a terminal the input is
// hidden; otherwise a single line is read.
func PromptSecret(reader io.Reader, writer io.Writer, prompt string) (string, error) {
	_, _ = fmt.Fprint(writer, prompt)

	if f, ok := reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(writer)
		if err != nil {
			return "", errors.Wrap(err, "failed to read input")
		}
		return strings.TrimSpace(string(secret)), nil
	}

	// For non-TTY input (testing), just read a line
	return utils.ReadLineWithReader("", reader, writer)
}
