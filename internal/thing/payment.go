package thing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fisaks/mamlink/internal/channel"
	"github.com/fisaks/mamlink/internal/config"
	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/metrics"
	"github.com/fisaks/mamlink/internal/payment"
)

const (
	PaymentProcessing = "processing..."
	PaymentSuccess    = "success"
	PaymentRejected   = "rejected"
)

// Migrator replaces the stored definition of a thing and starts a new one.
type Migrator func(ctx context.Context, updated, created config.ThingConfig) error

type purchase struct {
	ch        config.ChannelConfig
	cursor    *mam.Cursor
	handshake *payment.HandshakePacket
	tailHash  string
	nextRoot  string
	reported  string
}

// PaymentThing buys access to restricted streams. Every channel pays once
// for the handshake found at its root and, once the transfer is confirmed,
// is turned into a topic thing reading the stream with the buyer's key.
type PaymentThing struct {
	id        string
	transport mam.Transport
	payer     *payment.Payer
	cb        Callback
	migrate   Migrator

	mu        sync.Mutex
	cfg       config.ThingConfig
	purchases []*purchase
}

func NewPaymentThing(cfg config.ThingConfig, d Deps) (*PaymentThing, error) {
	t := &PaymentThing{
		id:        cfg.ID,
		transport: d.Transport,
		payer:     d.Payer,
		cb:        d.Callback,
		migrate:   d.Migrate,
		cfg:       cfg.Clone(),
	}
	for _, ch := range cfg.Channels {
		if ch.Root == "" {
			return nil, fmt.Errorf("%w: channel %s: no root", ErrConfiguration, ch.ID)
		}
		t.purchases = append(t.purchases, &purchase{
			ch:     ch,
			cursor: mam.NewCursor(ch.Root, mam.ModeRestricted, ch.Key),
		})
	}
	return t, nil
}

func (t *PaymentThing) ID() string { return t.id }

func (t *PaymentThing) OnTick(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, p := range append([]*purchase(nil), t.purchases...) {
		if err := t.advance(ctx, p); err != nil {
			if errors.Is(err, ErrConfiguration) {
				return err
			}
			errs = append(errs, fmt.Errorf("channel %s: %w", p.ch.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *PaymentThing) advance(ctx context.Context, p *purchase) error {
	if p.tailHash == "" {
		return t.pay(ctx, p)
	}

	ok, err := t.payer.Confirmed(ctx, p.tailHash)
	if err != nil {
		return err
	}
	if !ok {
		t.report(p, PaymentProcessing)
		return nil
	}
	t.report(p, PaymentSuccess)
	metrics.Measures.Payments.WithLabelValues("confirmed").Inc()
	return t.finish(ctx, p)
}

func (t *PaymentThing) pay(ctx context.Context, p *purchase) error {
	if p.ch.Key == "" {
		return fmt.Errorf("%w: channel %s: %w", ErrConfiguration, p.ch.ID, mam.ErrMissingKey)
	}
	// The cursor moves past the handshake on read, keep it until paid.
	if p.handshake == nil {
		res, err := p.cursor.Fetch(ctx, t.transport, true)
		if err != nil {
			return err
		}
		if res == nil {
			logging.Debug("No handshake yet", "thing", t.id, "channel", p.ch.ID, "root", p.cursor.Root())
			return nil
		}
		hs, err := payment.ParseHandshake(res.Payload)
		if err != nil {
			logging.Warn("Message is not a handshake, reading on", "thing", t.id, "channel", p.ch.ID, "error", err)
			return nil
		}
		p.handshake = hs
		p.nextRoot = res.NextRoot
	}
	hs := p.handshake

	hash, err := t.payer.Pay(ctx, hs, p.ch.Threshold, p.ch.OwnKey)
	switch {
	case errors.Is(err, payment.ErrAboveThreshold):
		logging.Warn("Price above threshold, not paying", "thing", t.id, "channel", p.ch.ID, "price", hs.Price, "threshold", p.ch.Threshold)
		t.report(p, PaymentRejected)
		t.drop(p)
		return nil
	case err != nil:
		return err
	}

	p.tailHash = hash
	metrics.Measures.Payments.WithLabelValues("sent").Inc()
	logging.Info("Payment sent", "thing", t.id, "channel", p.ch.ID, "wallet", hs.Wallet, "price", hs.Price, "tx", hash)
	t.report(p, PaymentProcessing)
	return nil
}

// finish creates the topic thing for the paid stream and forgets the channel.
func (t *PaymentThing) finish(ctx context.Context, p *purchase) error {
	created := config.ThingConfig{
		ID:      uuid.NewString(),
		Kind:    config.KindTopic,
		Root:    p.nextRoot,
		Refresh: config.DefaultThingRefresh,
		Mode:    string(mam.ModeRestricted),
		Key:     p.ch.OwnKey,
		Channels: []config.ChannelConfig{{
			ID:         p.ch.ID,
			Type:       string(channel.KindText),
			StateTopic: channel.AnyTopic,
		}},
	}
	updated := t.cfg.WithoutChannel(p.ch.ID)
	if t.migrate != nil {
		if err := t.migrate(ctx, updated, created); err != nil {
			return fmt.Errorf("migrate paid stream: %w", err)
		}
	}
	logging.Info("Paid stream moved to topic thing", "thing", t.id, "channel", p.ch.ID, "created", created.ID, "root", created.Root)
	t.cfg = updated
	t.drop(p)
	return nil
}

func (t *PaymentThing) drop(p *purchase) {
	for i, q := range t.purchases {
		if q == p {
			t.purchases = append(t.purchases[:i], t.purchases[i+1:]...)
			return
		}
	}
}

func (t *PaymentThing) report(p *purchase, state string) {
	p.reported = state
	if t.cb != nil {
		t.cb.StateUpdated(t.id, p.ch.ID, channel.State{Kind: channel.KindText, Value: state})
	}
}

func (t *PaymentThing) OnCommand(_ context.Context, channelID string, cmd Command) error {
	if cmd != CommandRefresh {
		return fmt.Errorf("unsupported command %q", cmd)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.purchases {
		if p.reported != "" && (channelID == "" || channelID == p.ch.ID) {
			t.report(p, p.reported)
		}
	}
	return nil
}

// Pending lists the channels still waiting to be paid or confirmed.
func (t *PaymentThing) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.purchases))
	for _, p := range t.purchases {
		out = append(out, p.ch.ID)
	}
	return out
}

func (t *PaymentThing) OnDispose() {}
