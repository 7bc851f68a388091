package thing

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/logging"
)

const BridgeID = "bridge"

// Bridge checks that the ledger node answers and that the payment seed is
// usable. Its status gates nothing, it is reported like any other thing.
type Bridge struct {
	gw       ledger.Gateway
	seed     string
	attempts int
	min, max time.Duration
	warned   bool
}

func NewBridge(gw ledger.Gateway, seed string) *Bridge {
	return &Bridge{gw: gw, seed: seed, attempts: 3, min: 200 * time.Millisecond, max: 2 * time.Second}
}

func (b *Bridge) ID() string { return BridgeID }

func (b *Bridge) OnTick(ctx context.Context) error {
	err := b.ping(ctx)
	if b.seed != "" {
		if err == nil && ledger.ValidSeed(b.seed) {
			return nil
		}
		if err == nil {
			err = errors.New("invalid seed")
		}
		return &StatusError{Status: Offline(DetailCommunicationError, "Node unreachable or invalid seed"), Err: err}
	}
	if err != nil {
		return &StatusError{Status: Offline(DetailCommunicationError, "Node unreachable"), Err: err}
	}
	if !b.warned {
		logging.Warn("No seed provided. Auto-payments won't be executed")
		b.warned = true
	}
	return nil
}

func (b *Bridge) ping(ctx context.Context) error {
	bo := &backoff.Backoff{Min: b.min, Max: b.max, Factor: 2, Jitter: true}
	for {
		info, err := b.gw.GetNodeInfo(ctx)
		if err == nil {
			logging.Debug("Node reachable", "app", info.AppName, "version", info.AppVersion, "milestone", info.LatestMilestoneIndex)
			return nil
		}
		if int(bo.Attempt())+1 >= b.attempts {
			return err
		}
		d := bo.Duration()
		logging.Debug("Node check failed, retrying", "in", d, "error", err)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (b *Bridge) OnCommand(context.Context, string, Command) error { return nil }
func (b *Bridge) OnDispose()                                      {}
