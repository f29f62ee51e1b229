// Package emotes merges emote tables from several independent providers into
// one precedence-ordered lookup for the chat renderer.
package emotes

import (
	"sync"
	"sync/atomic"

	"github.com/you/couchcast/internal/core"
)

// Source identifies one contributing table. Declaration order is merge
// precedence, lowest first: a later source overrides an earlier one on key
// collision.
type Source int

const (
	PlatformGlobal Source = iota
	ThirdPartyGlobal
	PlatformChannel
	ThirdPartyChannel
	sourceCount
)

func (s Source) String() string {
	switch s {
	case PlatformGlobal:
		return "platform-global"
	case ThirdPartyGlobal:
		return "thirdparty-global"
	case PlatformChannel:
		return "platform-channel"
	case ThirdPartyChannel:
		return "thirdparty-channel"
	}
	return "unknown"
}

// Store holds the four contributing tables and publishes the merged view as
// an immutable snapshot. Readers never observe a partially-updated merge.
type Store struct {
	mu     sync.Mutex
	tables [sourceCount]map[string]core.Emote
	merged atomic.Value // map[string]core.Emote
}

func NewStore() *Store {
	s := &Store{}
	s.merged.Store(map[string]core.Emote{})
	return s
}

// SetTable replaces one source's table and republishes the merge.
func (s *Store) SetTable(src Source, list []core.Emote) {
	if src < 0 || src >= sourceCount {
		return
	}
	table := make(map[string]core.Emote, len(list))
	for _, e := range list {
		if e.Name == "" || e.URL == "" {
			continue
		}
		table[e.Name] = e
	}

	s.mu.Lock()
	s.tables[src] = table
	merged := make(map[string]core.Emote)
	for _, t := range s.tables {
		for name, e := range t {
			merged[name] = e
		}
	}
	s.merged.Store(merged)
	s.mu.Unlock()
}

// ClearChannel drops both channel-scoped tables, used on channel switch.
func (s *Store) ClearChannel() {
	s.SetTable(PlatformChannel, nil)
	s.SetTable(ThirdPartyChannel, nil)
}

// Lookup resolves a display token against the merged snapshot.
func (s *Store) Lookup(token string) (core.Emote, bool) {
	m := s.merged.Load().(map[string]core.Emote)
	e, ok := m[token]
	return e, ok
}

// Snapshot returns the current merged table. The map is shared and must not
// be mutated by callers.
func (s *Store) Snapshot() map[string]core.Emote {
	return s.merged.Load().(map[string]core.Emote)
}
