// Package session maps opaque login tokens to identity names.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrUnauthenticated is returned for empty, unknown, or logged-out tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

const tokenBytes = 32

// Manager holds active sessions. Each name has at most one live token.
type Manager struct {
	mu     sync.Mutex
	byTok  map[string]string
	byName map[string]string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		byTok:  make(map[string]string),
		byName: make(map[string]string),
	}
}

// Login issues a fresh token for name, invalidating any previous token held by name.
func (m *Manager) Login(name string) (string, error) {
	if name == "" {
		return "", errors.New("session: empty name")
	}
	tok, err := newToken()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byName[name]; ok {
		delete(m.byTok, old)
	}
	m.byTok[tok] = name
	m.byName[name] = tok
	return tok, nil
}

// Resolve returns the name bound to token.
func (m *Manager) Resolve(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.byTok[token]
	if !ok {
		return "", ErrUnauthenticated
	}
	return name, nil
}

// Logout invalidates token. Unknown tokens are ignored.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.byTok[token]
	if !ok {
		return
	}
	delete(m.byTok, token)
	if m.byName[name] == token {
		delete(m.byName, name)
	}
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byTok)
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
