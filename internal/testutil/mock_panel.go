package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/panelwarden/panelwarden/internal/panel"
)

// MockPanel implements panel.Client with in-memory accounts per squad.
type MockPanel struct {
	mu       sync.Mutex
	accounts map[string][]panel.Account // squadID -> accounts

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Deleted records every DeleteAccount call as "squadID/email".
	Deleted []string
}

// NewMockPanel returns an empty MockPanel.
func NewMockPanel() *MockPanel {
	return &MockPanel{
		accounts: make(map[string][]panel.Account),
		errors:   make(map[string]error),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockPanel) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockPanel) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// AddAccount registers an account under the given squad id.
func (m *MockPanel) AddAccount(squadID string, acct panel.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[squadID] = append(m.accounts[squadID], acct)
}

func (m *MockPanel) ListAccounts(ctx context.Context, squadID string) ([]panel.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListAccounts"); err != nil {
		return nil, err
	}
	out := make([]panel.Account, len(m.accounts[squadID]))
	copy(out, m.accounts[squadID])
	return out, nil
}

func (m *MockPanel) DeleteAccount(ctx context.Context, squadID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deleted = append(m.Deleted, squadID+"/"+email)
	if err := m.popError("DeleteAccount"); err != nil {
		return err
	}
	kept := m.accounts[squadID][:0]
	for _, acct := range m.accounts[squadID] {
		if !strings.EqualFold(strings.TrimSpace(acct.Email), strings.TrimSpace(email)) {
			kept = append(kept, acct)
		}
	}
	m.accounts[squadID] = kept
	return nil
}

func (m *MockPanel) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("Ping")
}

func (m *MockPanel) Close() error { return nil }
