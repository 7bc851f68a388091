package thing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/fisaks/mamlink/internal/channel"
	"github.com/fisaks/mamlink/internal/config"
	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/payment"
)

// StreamGate is the publishing side of the payment handshake.
type StreamGate interface {
	EnsureHandshake(ctx context.Context, wallet string) error
	Session(wallet string) (*payment.Session, bool)
	ReleaseAfterPayment(ctx context.Context, wallet, key string) bool
}

type walletChannel struct {
	id      string
	watcher *payment.Watcher
	last    *channel.State
}

// WalletThing reports wallet balances and releases streams paid through them.
type WalletThing struct {
	id       string
	gw       ledger.Gateway
	gate     StreamGate
	cb       Callback
	channels []*walletChannel

	mu sync.Mutex // guards walletChannel.last
}

func NewWalletThing(cfg config.ThingConfig, d Deps) (*WalletThing, error) {
	if d.Gateway == nil {
		return nil, fmt.Errorf("%w: wallet thing needs a ledger gateway", ErrConfiguration)
	}
	t := &WalletThing{id: cfg.ID, gw: d.Gateway, gate: d.Gate, cb: d.Callback}
	for _, ch := range cfg.Channels {
		if ch.Address == "" {
			return nil, fmt.Errorf("%w: channel %s: no address", ErrConfiguration, ch.ID)
		}
		t.channels = append(t.channels, &walletChannel{id: ch.ID, watcher: payment.NewWatcher(d.Gateway, ch.Address)})
	}
	return t, nil
}

func (t *WalletThing) ID() string { return t.id }

func (t *WalletThing) OnTick(ctx context.Context) error {
	var errs []error
	for _, ch := range t.channels {
		if err := t.tick(ctx, ch); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *WalletThing) tick(ctx context.Context, ch *walletChannel) error {
	address := ch.watcher.Address()
	if t.gate != nil {
		if err := t.gate.EnsureHandshake(ctx, address); err != nil {
			logging.Warn("Handshake not sent", "thing", t.id, "wallet", address, "error", err)
		}
	}

	balance, delta, changed, err := ch.watcher.Poll(ctx)
	if err != nil {
		return err
	}
	st := channel.State{
		Kind:  channel.KindNumber,
		Value: strconv.FormatFloat(balance, 'f', -1, 64),
		Unit:  "Mi",
		Num:   balance,
	}
	t.mu.Lock()
	ch.last = &st
	t.mu.Unlock()
	if t.cb != nil {
		t.cb.StateUpdated(t.id, ch.id, st)
	}
	if !changed || t.gate == nil {
		return nil
	}

	logging.Info("Wallet balance changed", "thing", t.id, "wallet", address, "balance", balance, "delta", delta)
	sess, ok := t.gate.Session(address)
	if !ok || sess.Paid() {
		return nil
	}
	p, err := payment.DetectPayment(ctx, t.gw, address, delta, sess)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	t.gate.ReleaseAfterPayment(ctx, address, p.Key)
	return nil
}

func (t *WalletThing) OnCommand(_ context.Context, channelID string, cmd Command) error {
	if cmd != CommandRefresh {
		return fmt.Errorf("unsupported command %q", cmd)
	}
	if t.cb == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.channels {
		if ch.last != nil && (channelID == "" || channelID == ch.id) {
			t.cb.StateUpdated(t.id, ch.id, *ch.last)
		}
	}
	return nil
}

func (t *WalletThing) OnDispose() {}
