// Package identity is the read-mostly boundary to the identity
// subsystem: privacy settings, block sets, and the follow graph. The
// messaging core consumes it through the Provider interface; the
// in-memory implementation backs tests and single-node deployments.
package identity

import "sync"

// PrivacySetting is a user's "who may message me" preference.
type PrivacySetting string

const (
	PrivacyAnyone    PrivacySetting = "anyone"
	PrivacyFollowers PrivacySetting = "followers"
	PrivacyNobody    PrivacySetting = "nobody"
)

// Provider is the identity collaborator. All queries are point reads;
// Block is the only mutation the messaging core performs (resolving a
// message request with the block decision).
type Provider interface {
	PrivacySetting(userID string) (PrivacySetting, error)
	// IsBlocked reports whether a has blocked b.
	IsBlocked(a, b string) (bool, error)
	// IsFollowing reports whether a follows b.
	IsFollowing(a, b string) (bool, error)
	// Block adds b to a's block set.
	Block(a, b string) error
}

// Memory is a concurrency-safe in-memory Provider.
type Memory struct {
	mu       sync.RWMutex
	privacy  map[string]PrivacySetting
	blocks   map[string]map[string]bool
	follows  map[string]map[string]bool
	fallback PrivacySetting
}

// NewMemory returns an empty provider; unknown users default to the
// given privacy setting.
func NewMemory(fallback PrivacySetting) *Memory {
	if fallback == "" {
		fallback = PrivacyAnyone
	}
	return &Memory{
		privacy:  map[string]PrivacySetting{},
		blocks:   map[string]map[string]bool{},
		follows:  map[string]map[string]bool{},
		fallback: fallback,
	}
}

func (m *Memory) PrivacySetting(userID string) (PrivacySetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.privacy[userID]; ok {
		return p, nil
	}
	return m.fallback, nil
}

func (m *Memory) IsBlocked(a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[a][b], nil
}

func (m *Memory) IsFollowing(a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.follows[a][b], nil
}

func (m *Memory) Block(a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks[a] == nil {
		m.blocks[a] = map[string]bool{}
	}
	m.blocks[a][b] = true
	return nil
}

// Unblock removes b from a's block set.
func (m *Memory) Unblock(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks[a], b)
}

// SetPrivacy sets a user's privacy preference.
func (m *Memory) SetPrivacy(userID string, p PrivacySetting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privacy[userID] = p
}

// Follow records that a follows b.
func (m *Memory) Follow(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.follows[a] == nil {
		m.follows[a] = map[string]bool{}
	}
	m.follows[a][b] = true
}

// Seed bulk-loads privacy, follow, and block data, e.g. from config.
func (m *Memory) Seed(privacy map[string]string, follows, blocks map[string][]string) {
	for u, p := range privacy {
		m.SetPrivacy(u, PrivacySetting(p))
	}
	for u, fs := range follows {
		for _, f := range fs {
			m.Follow(u, f)
		}
	}
	for u, bs := range blocks {
		for _, b := range bs {
			_ = m.Block(u, b)
		}
	}
}
