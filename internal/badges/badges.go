// Package badges resolves (setID, version) pairs carried on chat messages to
// badge images. Channel-scoped sets take precedence over global ones;
// unresolved pairs render nothing.
package badges

import (
	"context"
	"log"
	"sync"

	"github.com/you/couchcast/internal/core"
)

// Source fetches badge sets from the platform API.
type Source interface {
	GlobalBadges(ctx context.Context) ([]core.BadgeSet, error)
	ChannelBadges(ctx context.Context, channelID string) ([]core.BadgeSet, error)
}

// Store holds the global and channel badge tables. Publishes by replacement;
// lookups read whole-map snapshots.
type Store struct {
	mu        sync.Mutex
	global    map[core.BadgeRef]core.Badge
	channel   map[core.BadgeRef]core.Badge
	channelID string
}

func NewStore() *Store {
	return &Store{
		global:  map[core.BadgeRef]core.Badge{},
		channel: map[core.BadgeRef]core.Badge{},
	}
}

// SetGlobal replaces the global badge table.
func (s *Store) SetGlobal(sets []core.BadgeSet) {
	table := index(sets)
	s.mu.Lock()
	s.global = table
	s.mu.Unlock()
}

// SetChannel replaces the channel badge table, tagged with its channel id.
func (s *Store) SetChannel(channelID string, sets []core.BadgeSet) {
	table := index(sets)
	s.mu.Lock()
	s.channel = table
	s.channelID = channelID
	s.mu.Unlock()
}

// ClearChannel drops the channel scope, used on channel switch.
func (s *Store) ClearChannel() {
	s.mu.Lock()
	s.channel = map[core.BadgeRef]core.Badge{}
	s.channelID = ""
	s.mu.Unlock()
}

// Resolve looks a pair up in the channel scope first, then global.
func (s *Store) Resolve(ref core.BadgeRef) (core.Badge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.channel[ref]; ok {
		return b, true
	}
	b, ok := s.global[ref]
	return b, ok
}

// ResolveAll maps the refs that resolve and silently omits the rest.
func (s *Store) ResolveAll(refs []core.BadgeRef) []core.Badge {
	if len(refs) == 0 {
		return nil
	}
	out := make([]core.Badge, 0, len(refs))
	for _, ref := range refs {
		if b, ok := s.Resolve(ref); ok {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Snapshot returns copies of both tables for the host surface.
func (s *Store) Snapshot() (global, channel []core.Badge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.global {
		global = append(global, b)
	}
	for _, b := range s.channel {
		channel = append(channel, b)
	}
	return global, channel
}

func index(sets []core.BadgeSet) map[core.BadgeRef]core.Badge {
	table := map[core.BadgeRef]core.Badge{}
	for _, set := range sets {
		if set.SetID == "" {
			continue
		}
		for version, url := range set.Versions {
			if version == "" || url == "" {
				continue
			}
			ref := core.BadgeRef{SetID: set.SetID, Version: version}
			table[ref] = core.Badge{SetID: set.SetID, Version: version, URL: url}
		}
	}
	return table
}

// LoadGlobal installs the platform's global badge sets. Failures degrade to
// plain-text badge rendering, never to a hard error for the caller's flow.
func LoadGlobal(ctx context.Context, store *Store, src Source) {
	sets, err := src.GlobalBadges(ctx)
	if err != nil {
		log.Printf("badges: global fetch failed: %v", err)
		return
	}
	store.SetGlobal(sets)
	log.Printf("badges: loaded %d global sets", len(sets))
}

// LoadChannel installs one channel's badge sets.
func LoadChannel(ctx context.Context, store *Store, src Source, channelID string) {
	sets, err := src.ChannelBadges(ctx, channelID)
	if err != nil {
		log.Printf("badges: channel %s fetch failed: %v", channelID, err)
		return
	}
	store.SetChannel(channelID, sets)
	log.Printf("badges: loaded %d sets for channel %s", len(sets), channelID)
}
