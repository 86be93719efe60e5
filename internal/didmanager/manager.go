// Package didmanager resolves the configured channels (DIDs or handles) into
// the DID set a Jetstream subscription filters on.
package didmanager

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// HandleResolver maps a handle to its DID
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// Manager tracks the DIDs a bot listens to
type Manager struct {
	resolver HandleResolver
	dids     map[string]string // DID -> configured channel name
	mu       sync.RWMutex
}

// NewManager creates a new DID manager. resolver may be nil when every
// channel is already a DID.
func NewManager(resolver HandleResolver) *Manager {
	return &Manager{
		resolver: resolver,
		dids:     make(map[string]string),
	}
}

// Load resolves channels and replaces the tracked set. Entries starting
// with "did:" are used as is; anything else is treated as a handle.
func (m *Manager) Load(ctx context.Context, channels []string) error {
	dids := make(map[string]string, len(channels))

	for _, ch := range channels {
		ch = strings.TrimPrefix(strings.TrimSpace(ch), "@")
		if ch == "" {
			continue
		}
		if strings.HasPrefix(ch, "did:") {
			dids[ch] = ch
			continue
		}
		if m.resolver == nil {
			return fmt.Errorf("channel %q is a handle but no resolver is configured", ch)
		}
		did, err := m.resolver.ResolveHandle(ctx, ch)
		if err != nil {
			return fmt.Errorf("resolve channel %q: %w", ch, err)
		}
		dids[did] = ch
	}

	m.mu.Lock()
	m.dids = dids
	m.mu.Unlock()

	log.Printf("[INFO] Loaded %d channel DIDs", len(dids))
	return nil
}

// IsFollowed checks if a DID is tracked
func (m *Manager) IsFollowed(did string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dids[did]
	return ok
}

// GetDIDs returns the tracked DIDs in sorted order
func (m *Manager) GetDIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dids := make([]string, 0, len(m.dids))
	for did := range m.dids {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	return dids
}

// Channel returns the configured name a DID was loaded from
func (m *Manager) Channel(did string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dids[did]
}

// Count returns the number of tracked DIDs
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dids)
}
