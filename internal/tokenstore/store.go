// Package tokenstore persists the credential pair and last username between runs.
package tokenstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/turtlemessenger/turtle/internal/errs"
)

// Fixed record names. Each login overwrites them; there is no versioning.
const (
	KeyToken    = "tm.token"
	KeyRefresh  = "tm.refresh"
	KeyUsername = "tm.username"
)

// Record is the persisted session state.
type Record struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Username     string `json:"username,omitempty"`
}

// HasCredentials reports whether both tokens are present.
func (r Record) HasCredentials() bool { return r.AccessToken != "" && r.RefreshToken != "" }

// Store persists a Record.
//
//go:generate mockgen -destination=../mocks/mock_tokenstore.go -package=mocks github.com/turtlemessenger/turtle/internal/tokenstore Store
type Store interface {
	// Load returns errs.ErrNotFound when nothing was saved.
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, r Record) error
	// Clear removes both tokens together and keeps the last username.
	Clear(ctx context.Context) error
	Close() error
}

// Memory is a process-local Store.
type Memory struct {
	mu  sync.Mutex
	rec *Record
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return Record{}, errs.ErrNotFound
	}
	return *m.rec, nil
}

func (m *Memory) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &r
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil {
		m.rec = &Record{Username: m.rec.Username}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Open returns the store of the given kind ("file", "badger" or "memory") rooted at dir.
func Open(kind, dir, passphrase string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFile(dir, passphrase), nil
	case "badger":
		return OpenBadger(filepath.Join(dir, "badger"))
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown token store %q", kind)
}
