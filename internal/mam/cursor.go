package mam

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fisaks/mamlink/internal/logging"
)

// Cursor tracks the next unread position of a MAM stream. A root is used
// once: every successful fetch replaces it with the returned next root.
type Cursor struct {
	mu          sync.Mutex
	root        string
	mode        Mode
	key         string
	lastPayload []byte
}

func NewCursor(root string, mode Mode, key string) *Cursor {
	return &Cursor{root: root, mode: mode, key: key}
}

func (c *Cursor) Root() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

func (c *Cursor) SetRoot(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = root
}

func (c *Cursor) Mode() Mode { return c.mode }

// LastPayload returns the last non-empty payload fetched.
func (c *Cursor) LastPayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPayload
}

// Fetch reads the message at the current root. A nil result with a nil
// error means nothing is attached there yet and the same root is retried.
// The lock is held for the whole round trip.
func (c *Cursor) Fetch(ctx context.Context, t Transport, sync bool) (*FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == "" {
		return nil, fmt.Errorf("%w: could not fetch data: no root", ErrConfiguration)
	}
	if err := CheckKey(c.mode, c.key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	res, err := c.fetchAt(ctx, t, c.root, sync)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedResponse):
		logging.Debug("Malformed response, probing next root", "root", c.root, "error", err)
		res, err = c.probe(ctx, t, sync)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	c.root = res.NextRoot
	if len(res.Payload) > 0 {
		c.lastPayload = res.Payload
	}
	return res, nil
}

func (c *Cursor) fetchAt(ctx context.Context, t Transport, root string, sync bool) (*FetchResult, error) {
	res, err := t.Fetch(ctx, FetchRequest{Root: root, Mode: c.mode, Key: c.key, Sync: sync})
	if err != nil {
		return nil, err
	}
	if res != nil && res.NextRoot == root {
		return nil, fmt.Errorf("%w: next root repeats %s", ErrMalformedResponse, root)
	}
	return res, nil
}

// probe looks exactly one step ahead in case the publisher already moved on.
// Anything short of a clean fetch there leaves the cursor where it was.
func (c *Cursor) probe(ctx context.Context, t Transport, sync bool) (*FetchResult, error) {
	next, err := t.NextRoot(ctx, c.root)
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return nil, nil
		}
		return nil, err
	}
	if next == "" || next == c.root {
		return nil, nil
	}
	res, err := c.fetchAt(ctx, t, next, sync)
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return nil, nil
		}
		return nil, err
	}
	if res != nil {
		logging.Info("Recovered stream one root ahead", "root", c.root, "probed", next)
	}
	return res, nil
}
