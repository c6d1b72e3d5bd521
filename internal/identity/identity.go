// Package identity maps party names to their public keys.
package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"artledger/internal/domain"
)

// Resolver turns a party name into a known party.
type Resolver interface {
	Resolve(ctx context.Context, name string) (domain.Party, error)
}

type entry struct {
	party  domain.Party
	notary bool
}

// NetworkMap is a static directory of the parties on the network.
type NetworkMap struct {
	mu      sync.RWMutex
	byName  map[string]entry
	byKey   map[string]string
	ordered []string
}

func NewNetworkMap() *NetworkMap {
	return &NetworkMap{byName: map[string]entry{}, byKey: map[string]string{}}
}

// Add registers a party. Re-adding a name replaces its key.
func (m *NetworkMap) Add(p domain.Party, notary bool) error {
	if p.Name == "" || p.PublicKey == "" {
		return fmt.Errorf("party name and public key are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.byKey[p.PublicKey]; ok && owner != p.Name {
		return fmt.Errorf("public key already registered to %s", owner)
	}
	if old, ok := m.byName[p.Name]; ok {
		delete(m.byKey, old.party.PublicKey)
	} else {
		m.ordered = append(m.ordered, p.Name)
	}
	m.byName[p.Name] = entry{party: p, notary: notary}
	m.byKey[p.PublicKey] = p.Name
	return nil
}

func (m *NetworkMap) Resolve(_ context.Context, name string) (domain.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byName[name]
	if !ok {
		return domain.Party{}, fmt.Errorf("%w: %s", domain.ErrPartyNotFound, name)
	}
	return e.party, nil
}

// ResolveKey finds the party owning a public key.
func (m *NetworkMap) ResolveKey(_ context.Context, publicKey string) (domain.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.byKey[publicKey]
	if !ok {
		return domain.Party{}, fmt.Errorf("%w: key %s", domain.ErrPartyNotFound, publicKey)
	}
	return m.byName[name].party, nil
}

func (m *NetworkMap) IsNotary(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name].notary
}

// Peers lists the non-notary parties other than self, sorted by name.
func (m *NetworkMap) Peers(self string) []domain.Party {
	return m.filter(func(e entry) bool { return !e.notary && e.party.Name != self })
}

func (m *NetworkMap) Notaries() []domain.Party {
	return m.filter(func(e entry) bool { return e.notary })
}

// All lists every party in registration order.
func (m *NetworkMap) All() []domain.Party {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Party, 0, len(m.ordered))
	for _, name := range m.ordered {
		out = append(out, m.byName[name].party)
	}
	return out
}

func (m *NetworkMap) filter(keep func(entry) bool) []domain.Party {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Party
	for _, e := range m.byName {
		if keep(e) {
			out = append(out, e.party)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
