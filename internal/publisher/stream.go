package publisher

import (
	"sync"

	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/payment"
)

// Stream is everything the gateway knows about one publishing MAM stream:
// the pending batch, the writer and the optional payment session.
type Stream struct {
	ID      string
	Writer  *mam.Writer
	Session *payment.Session

	mu    sync.Mutex
	batch map[string]mam.DataRecord
	order []string
	items map[string]struct{}

	handshakeMu sync.Mutex
}

func newStream(id string, w *mam.Writer, s *payment.Session) *Stream {
	return &Stream{
		ID:      id,
		Writer:  w,
		Session: s,
		batch:   map[string]mam.DataRecord{},
		items:   map[string]struct{}{},
	}
}

// merge stores the latest record of an item. It reports whether the item
// already had a pending value.
func (s *Stream) merge(rec mam.DataRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.batch[rec.Name]
	if !existed {
		s.order = append(s.order, rec.Name)
	}
	s.batch[rec.Name] = rec
	return existed
}

func (s *Stream) remove(item string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, item)
	if _, ok := s.batch[item]; !ok {
		return false
	}
	delete(s.batch, item)
	for i, name := range s.order {
		if name == item {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Stream) addItem(item string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item] = struct{}{}
}

// Items lists the item names bound to the stream.
func (s *Stream) Items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for item := range s.items {
		out = append(out, item)
	}
	return out
}

// Snapshot returns the batch in first-seen order. The batch is kept: every
// publish carries the last known state of all items of the stream.
func (s *Stream) Snapshot() []mam.DataRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mam.DataRecord, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.batch[name])
	}
	return out
}

func (s *Stream) gated() bool {
	return s.Session != nil && s.Session.Gated()
}
