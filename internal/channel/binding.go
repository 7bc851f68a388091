package channel

import (
	"strings"
	"sync"
)

// AnyTopic matches a record regardless of its topic.
const AnyTopic = "ANY"

// Listener receives every state a binding takes.
type Listener func(channelID string, s State)

// Binding connects a channel to the records of a stream, either by topic or
// through a transformation of the whole payload.
type Binding struct {
	ChannelID      string
	StateTopic     string
	Transformation *Transformation

	mu       sync.Mutex
	value    Value
	listener Listener
}

func NewBinding(channelID, stateTopic string, tr *Transformation, v Value, l Listener) *Binding {
	return &Binding{ChannelID: channelID, StateTopic: stateTopic, Transformation: tr, value: v, listener: l}
}

func (b *Binding) SetListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

// Matches reports whether a record with this topic belongs to the binding.
func (b *Binding) Matches(topic string) bool {
	if b.StateTopic == "" {
		return false
	}
	if strings.EqualFold(b.StateTopic, AnyTopic) {
		return true
	}
	return strings.EqualFold(topic, b.StateTopic)
}

// ProcessMessage updates the channel value and notifies the listener.
func (b *Binding) ProcessMessage(raw string) (State, error) {
	b.mu.Lock()
	s, err := b.value.Update(raw)
	l := b.listener
	b.mu.Unlock()
	if err != nil {
		return State{}, err
	}
	if l != nil {
		l(b.ChannelID, s)
	}
	return s, nil
}

func (b *Binding) Current() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value.Current()
}

func (b *Binding) Kind() Kind { return b.value.Kind() }

// Refresh reports the current state to the listener again.
func (b *Binding) Refresh() bool {
	b.mu.Lock()
	s, ok := b.value.Current()
	l := b.listener
	b.mu.Unlock()
	if ok && l != nil {
		l(b.ChannelID, s)
	}
	return ok
}
