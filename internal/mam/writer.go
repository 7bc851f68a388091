package mam

import (
	"context"
	"fmt"
	"sync"
)

// WriterState is what survives a restart of a publishing stream.
type WriterState struct {
	Seed     string
	Start    int
	Mode     Mode
	Key      string
	Root     string
	NextRoot string
}

// Writer owns the publishing side of a stream: the seed and the start
// counter the transport hands back after each attach.
type Writer struct {
	mu    sync.Mutex
	state WriterState
}

// NewWriter starts from a known seed. Pass NoStart when joining a seed whose
// position is not known locally.
func NewWriter(seed string, start int, mode Mode, key string) *Writer {
	return &Writer{state: WriterState{Seed: seed, Start: start, Mode: mode, Key: key}}
}

func RestoreWriter(s WriterState) *Writer {
	return &Writer{state: s}
}

func (w *Writer) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Writer) Key() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Key
}

func (w *Writer) SetKey(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Key = key
}

func (w *Writer) Publish(ctx context.Context, t Transport, payload []byte) (*PublishResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.publishLocked(ctx, t, payload, w.state.Mode, w.state.Key)
}

// PublishAs sends one message with a mode and key that differ from the
// stream's own, still threading seed and start.
func (w *Writer) PublishAs(ctx context.Context, t Transport, payload []byte, mode Mode, key string) (*PublishResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.publishLocked(ctx, t, payload, mode, key)
}

func (w *Writer) publishLocked(ctx context.Context, t Transport, payload []byte, mode Mode, key string) (*PublishResult, error) {
	if err := CheckKey(mode, key); err != nil {
		return nil, err
	}
	res, err := t.Publish(ctx, PublishRequest{
		Payload: payload,
		Mode:    mode,
		Key:     key,
		Seed:    w.state.Seed,
		Start:   w.state.Start,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	w.state.Seed = res.Seed
	w.state.Start = res.Start
	w.state.Root = res.Root
	w.state.NextRoot = res.NextRoot
	return res, nil
}
