// Package nameservice maps process IDs to the endpoints their restore
// listeners are reachable at.
//
// Endpoints change across a restart (a restarted process may land on a
// different host or port), so peers resolve each other through a name
// service rather than reusing the endpoints recorded in a checkpoint.
package nameservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/lockstep/internal/ir"
)

// ErrNotFound is returned by Lookup for a process with no registration.
var ErrNotFound = errors.New("nameservice: process not registered")

// NameService resolves process IDs to endpoints.
type NameService interface {
	Register(ctx context.Context, process ir.ProcessID, endpoint string) error
	Lookup(ctx context.Context, process ir.ProcessID) (string, error)
}

// normalizeID returns the NFC form of a process ID so that visually equal
// IDs resolve to the same registration.
func normalizeID(process ir.ProcessID) (string, error) {
	id := strings.TrimSpace(string(process))
	if id == "" {
		return "", fmt.Errorf("process id is required")
	}
	return norm.NFC.String(id), nil
}

// Memory is an in-process NameService for single-host clusters and tests.
type Memory struct {
	mu        sync.RWMutex
	endpoints map[string]string
}

// NewMemory returns an empty in-memory name service.
func NewMemory() *Memory {
	return &Memory{endpoints: make(map[string]string)}
}

// Register records endpoint for process, replacing any earlier entry.
func (m *Memory) Register(_ context.Context, process ir.ProcessID, endpoint string) error {
	id, err := normalizeID(process)
	if err != nil {
		return err
	}
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[id] = endpoint
	return nil
}

// Lookup returns the endpoint registered for process.
func (m *Memory) Lookup(_ context.Context, process ir.ProcessID) (string, error) {
	id, err := normalizeID(process)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, process)
	}
	return ep, nil
}

var (
	_ NameService = (*Memory)(nil)
	_ NameService = (*Redis)(nil)
)
