package state

import (
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/fisaks/mamlink/internal/channel"
)

// ChannelStateStore remembers the last state published per thing channel,
// so unchanged values are only re-sent as heartbeats.
type ChannelStateStore interface {
	GetLast(thingID, channelID string) (channel.State, time.Time, bool)
	Update(thingID, channelID string, s channel.State)
	HasChanged(thingID, channelID string, s channel.State) bool
	NeedsPublish(thingID, channelID string, s channel.State, heartbeat time.Duration) bool
	Forget(thingID string)
	Clear()
}

type entry struct {
	state channel.State
	sent  time.Time
}

type channelStateStore struct {
	clock clock.Clock
	mu    sync.RWMutex
	store map[string]entry
}

func NewChannelStateStore(clk clock.Clock) ChannelStateStore {
	if clk == nil {
		clk = clock.New()
	}
	return &channelStateStore{clock: clk, store: make(map[string]entry)}
}

func key(thingID, channelID string) string { return thingID + "/" + channelID }

func (s *channelStateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string]entry)
}

// Forget drops every channel of a thing.
func (s *channelStateStore) Forget(thingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := thingID + "/"
	for k := range s.store {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.store, k)
		}
	}
}

func (s *channelStateStore) GetLast(thingID, channelID string) (channel.State, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.store[key(thingID, channelID)]
	return e.state, e.sent, ok
}

func (s *channelStateStore) Update(thingID, channelID string, st channel.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key(thingID, channelID)] = entry{state: st, sent: s.clock.Now()}
}

func (s *channelStateStore) HasChanged(thingID, channelID string, st channel.State) bool {
	last, _, ok := s.GetLast(thingID, channelID)
	if !ok {
		return true
	}
	return !stateEqual(last, st)
}

// NeedsPublish is true for a changed state, or for an unchanged one whose
// last publish is older than heartbeat. A zero heartbeat disables re-sends.
func (s *channelStateStore) NeedsPublish(thingID, channelID string, st channel.State, heartbeat time.Duration) bool {
	if s.HasChanged(thingID, channelID, st) {
		return true
	}
	if heartbeat <= 0 {
		return false
	}
	_, sent, _ := s.GetLast(thingID, channelID)
	return s.clock.Now().Sub(sent) > heartbeat
}

func stateEqual(a, b channel.State) bool {
	return a.Kind == b.Kind && a.Value == b.Value && a.Unit == b.Unit
}
