package credentials

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/zalando/go-keyring"
)

var (
	// ErrNotFound is returned when the keyring has no entry.
	ErrNotFound = errors.New("credential not found in keyring")

	// ErrKeyringNotAvailable is returned when no OS keyring can be reached,
	// e.g. headless Linux without a Secret Service.
	ErrKeyringNotAvailable = errors.New("system keyring not available")
)

// MockKeyring is a test implementation of the Keyring interface
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> account -> password
}

// NewMockKeyring creates a new mock keyring for testing
func NewMockKeyring() *MockKeyring {
	return &MockKeyring{
		store: make(map[string]map[string]string),
	}
}

// Set stores a password in the mock keyring
func (m *MockKeyring) Set(service, account, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = password
	return nil
}

// Get retrieves a password from the mock keyring
func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if password, ok := m.store[service][account]; ok {
		return password, nil
	}
	return "", errors.Wrapf(ErrNotFound, "%s/%s", service, account)
}

// Delete removes a password from the mock keyring
func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.store[service][account]; ok {
		delete(m.store[service], account)
		return nil
	}
	return errors.Wrapf(ErrNotFound, "%s/%s", service, account)
}

// systemKeyring stores secrets in the OS keyring via go-keyring.
type systemKeyring struct{}

func (s *systemKeyring) Set(service, account, password string) error {
	return mapKeyringError(keyring.Set(service, account, password))
}

func (s *systemKeyring) Get(service, account string) (string, error) {
	secret, err := keyring.Get(service, account)
	return secret, mapKeyringError(err)
}

func (s *systemKeyring) Delete(service, account string) error {
	return mapKeyringError(keyring.Delete(service, account))
}

func mapKeyringError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keyring.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, keyring.ErrUnsupportedPlatform):
		return ErrKeyringNotAvailable
	}
	// Secret Service missing on D-Bus surfaces as a generic error.
	return errors.Wrap(ErrKeyringNotAvailable, err.Error())
}
