package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"

	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/metrics"
	"github.com/fisaks/mamlink/internal/payment"
	"github.com/fisaks/mamlink/internal/store"
)

const (
	DefaultDelay          = 1000 * time.Millisecond
	DefaultReleaseDelay   = 5000 * time.Millisecond
	DefaultPublishTimeout = 5 * time.Minute
)

var ErrUnknownItem = errors.New("item is not bound to a stream")

// streamNamespace derives stream ids from seeds so ids can be logged.
var streamNamespace = uuid.MustParse("5b0c3f0e-2d57-4b8e-9a61-6d8f1e0a7c42")

type StreamConfig struct {
	Item   string
	Seed   string
	Mode   string
	Key    string
	Price  float64
	Wallet string
}

type StreamStore interface {
	StreamForItem(ctx context.Context, item string) (*store.StreamRow, error)
	SaveStream(ctx context.Context, r store.StreamRow, items []string) error
	RemoveStreamItem(ctx context.Context, item string) error
}

type Options struct {
	Transport      mam.Transport
	Store          StreamStore
	Clock          clock.Clock
	Delay          time.Duration
	ReleaseDelay   time.Duration
	PublishTimeout time.Duration
}

// Registry owns every publishing stream. Item state changes are merged into
// their stream batch and published once the stream has been quiet for Delay.
type Registry struct {
	opts      Options
	debouncer *Debouncer

	mu       sync.RWMutex
	byID     map[string]*Stream
	bySeed   map[string]*Stream
	byItem   map[string]*Stream
	byWallet map[string]*Stream
}

func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = DefaultReleaseDelay
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	return &Registry{
		opts:      opts,
		debouncer: NewDebouncer(opts.Clock),
		byID:      map[string]*Stream{},
		bySeed:    map[string]*Stream{},
		byItem:    map[string]*Stream{},
		byWallet:  map[string]*Stream{},
	}
}

// Register binds an item to a stream. Items configured with the same seed
// share one stream. A missing seed is generated, an invalid one replaced
// once and the replacement reused for every item naming it, across restarts.
func (r *Registry) Register(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	if cfg.Item == "" {
		return nil, fmt.Errorf("%w: stream entry without item", mam.ErrConfiguration)
	}
	mode, err := mam.ParseMode(cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: item %s: %w", mam.ErrConfiguration, cfg.Item, err)
	}
	if cfg.Price < 0 {
		return nil, fmt.Errorf("%w: item %s: negative price", mam.ErrConfiguration, cfg.Item)
	}
	if cfg.Price > 0 && mode != mam.ModeRestricted {
		return nil, fmt.Errorf("%w: item %s: a price needs restricted mode", mam.ErrConfiguration, cfg.Item)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byItem[cfg.Item]; ok {
		return s, nil
	}
	if s, ok := r.bySeed[cfg.Seed]; ok && cfg.Seed != "" {
		return r.attach(ctx, s, cfg.Item), nil
	}

	var saved *store.StreamRow
	if r.opts.Store != nil {
		saved, err = r.opts.Store.StreamForItem(ctx, cfg.Item)
		if err != nil {
			logging.Warn("Could not load saved stream", "item", cfg.Item, "error", err)
		}
	}

	// A configured seed that is not valid was replaced when first seen, the
	// saved row carries the replacement.
	var writer *mam.Writer
	var paid bool
	if saved != nil && (cfg.Seed == "" || cfg.Seed == saved.Seed || !ledger.ValidSeed(cfg.Seed)) {
		if s, ok := r.bySeed[saved.Seed]; ok {
			r.aliasSeed(cfg.Seed, s)
			return r.attach(ctx, s, cfg.Item), nil
		}
		key := saved.Key
		if !saved.Paid && cfg.Key != "" {
			key = cfg.Key
		}
		writer = mam.RestoreWriter(mam.WriterState{
			Seed: saved.Seed, Start: saved.Start, Mode: mode, Key: key,
			Root: saved.Root, NextRoot: saved.NextRoot,
		})
		paid = saved.Paid
		logging.Info("Resuming stream", "item", cfg.Item, "root", saved.NextRoot)
	} else {
		writer, err = newWriter(cfg, mode)
		if err != nil {
			return nil, err
		}
	}

	var session *payment.Session
	if cfg.Price > 0 {
		if cfg.Wallet == "" {
			logging.Warn("Wallet address cannot be empty, handshake will not be sent", "item", cfg.Item)
		}
		priv, err := payment.GenerateKey()
		if err != nil {
			return nil, err
		}
		session = payment.NewSession(cfg.Wallet, cfg.Price, priv)
		if paid {
			session.Restore(true, true)
		}
	}

	seed := writer.State().Seed
	s := newStream(uuid.NewSHA1(streamNamespace, []byte(seed)).String(), writer, session)
	r.byID[s.ID] = s
	r.bySeed[seed] = s
	r.aliasSeed(cfg.Seed, s)
	if cfg.Wallet != "" && session != nil {
		r.byWallet[ledger.NormalizeAddress(cfg.Wallet)] = s
	}
	return r.attach(ctx, s, cfg.Item), nil
}

func newWriter(cfg StreamConfig, mode mam.Mode) (*mam.Writer, error) {
	seed, start := cfg.Seed, mam.NoStart
	switch {
	case seed == "":
		start = 0
	case !ledger.ValidSeed(seed):
		logging.Warn("Invalid seed, generating a new one", "item", cfg.Item)
		seed, start = "", 0
	}
	if seed == "" {
		var err error
		if seed, err = ledger.NewSeed(); err != nil {
			return nil, fmt.Errorf("generate seed: %w", err)
		}
		logging.Info("Generated seed for new stream", "item", cfg.Item)
	}

	key := cfg.Key
	if mode == mam.ModeRestricted && key == "" {
		var err error
		if key, err = ledger.RandomTrytes(ledger.SeedLength); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		logging.Info("Generated key for restricted stream", "item", cfg.Item)
	}
	return mam.NewWriter(seed, start, mode, key), nil
}

// aliasSeed lets later items configured with the same invalid seed join
// the stream created for it.
func (r *Registry) aliasSeed(configured string, s *Stream) {
	if configured != "" {
		r.bySeed[configured] = s
	}
}

func (r *Registry) attach(ctx context.Context, s *Stream, item string) *Stream {
	s.addItem(item)
	r.byItem[item] = s
	r.persist(ctx, s)
	return s
}

func (r *Registry) Stream(id string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry) StreamForItem(item string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byItem[item]
	return s, ok
}

// Session returns the payment session announced for a wallet.
func (r *Registry) Session(wallet string) (*payment.Session, bool) {
	s, ok := r.streamForWallet(wallet)
	if !ok {
		return nil, false
	}
	return s.Session, true
}

func (r *Registry) streamForWallet(wallet string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byWallet[ledger.NormalizeAddress(wallet)]
	return s, ok
}

// OnStateChange merges the new item state into its stream batch and
// restarts the stream's publish timer.
func (r *Registry) OnStateChange(rec mam.DataRecord) error {
	s, ok := r.StreamForItem(rec.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, rec.Name)
	}
	if rec.Time.IsZero() {
		rec.Time = r.opts.Clock.Now()
	}
	metrics.Measures.ItemChanges.Inc()
	s.merge(rec)
	if r.debouncer.Debounce(s.ID, r.opts.Delay, func() { r.flushLogged(s, "batch") }) {
		metrics.Measures.Coalesced.Inc()
	}
	return nil
}

// RemoveItem drops an item from its stream. Remaining items are published
// again without it.
func (r *Registry) RemoveItem(ctx context.Context, item string) bool {
	r.mu.Lock()
	s, ok := r.byItem[item]
	delete(r.byItem, item)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if s.remove(item) && len(s.Snapshot()) > 0 {
		r.debouncer.Debounce(s.ID, r.opts.Delay, func() { r.flushLogged(s, "batch") })
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.RemoveStreamItem(ctx, item); err != nil {
			logging.Warn("Could not remove saved item", "item", item, "error", err)
		}
	}
	return true
}

func (r *Registry) flushLogged(s *Stream, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PublishTimeout)
	defer cancel()
	if err := r.Flush(ctx, s, kind); err != nil {
		if errors.Is(err, mam.ErrMissingKey) {
			logging.Warn("You must provide a key to use the restricted mode", "stream", s.ID)
			return
		}
		logging.Error("Publishing stream failed", "stream", s.ID, "error", err)
	}
}

// Flush publishes the current batch of a stream. A payment gated stream
// sends its handshake first and holds data until it has been paid.
func (r *Registry) Flush(ctx context.Context, s *Stream, kind string) error {
	if s.gated() {
		if err := r.ensureHandshake(ctx, s); err != nil {
			return err
		}
		if !s.Session.Paid() {
			logging.Debug("Holding batch until payment", "stream", s.ID)
			return nil
		}
	}
	records := s.Snapshot()
	if len(records) == 0 {
		return nil
	}
	payload, err := mam.EncodeBatch(records)
	if err != nil {
		return err
	}
	res, err := s.Writer.Publish(ctx, r.opts.Transport, payload)
	metrics.Measures.Publishes.WithLabelValues(kind, metrics.Outcome(err)).Inc()
	if err != nil {
		return err
	}
	logging.Info("Published stream", "stream", s.ID, "items", len(records), "root", res.Root, "kind", kind)
	r.persist(ctx, s)
	return nil
}

// EnsureHandshake sends the handshake of the stream selling access through wallet.
func (r *Registry) EnsureHandshake(ctx context.Context, wallet string) error {
	s, ok := r.streamForWallet(wallet)
	if !ok {
		return nil
	}
	return r.ensureHandshake(ctx, s)
}

func (r *Registry) ensureHandshake(ctx context.Context, s *Stream) error {
	if !s.gated() {
		return nil
	}
	s.handshakeMu.Lock()
	defer s.handshakeMu.Unlock()
	if s.Session.HandshakeSent() {
		return nil
	}
	if s.Session.Wallet() == "" {
		logging.Warn("Wallet address cannot be empty, handshake not sent", "stream", s.ID)
		return nil
	}
	raw, err := json.Marshal(s.Session.Handshake())
	if err != nil {
		return err
	}
	res, err := s.Writer.PublishAs(ctx, r.opts.Transport, raw, mam.ModeRestricted, s.Writer.Key())
	metrics.Measures.Publishes.WithLabelValues("handshake", metrics.Outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	s.Session.MarkHandshakeSent()
	logging.Info("Handshake sent", "stream", s.ID, "wallet", s.Session.Wallet(), "price", s.Session.Price(), "root", res.Root)
	r.persist(ctx, s)
	return nil
}

// ReleaseAfterPayment switches the stream to the buyer's key, when one was
// recovered, and publishes the held batch after ReleaseDelay.
func (r *Registry) ReleaseAfterPayment(ctx context.Context, wallet, key string) bool {
	s, ok := r.streamForWallet(wallet)
	if !ok || !s.gated() || s.Session.Paid() {
		return false
	}
	if key != "" {
		s.Writer.SetKey(key)
	}
	if !s.Session.MarkPaid() {
		return false
	}
	metrics.Measures.Payments.WithLabelValues("received").Inc()
	logging.Info("Payment received, releasing stream", "stream", s.ID, "buyerKey", key != "")
	r.persist(ctx, s)
	r.debouncer.Debounce(s.ID, r.opts.ReleaseDelay, func() { r.flushLogged(s, "release") })
	return true
}

func (r *Registry) persist(ctx context.Context, s *Stream) {
	if r.opts.Store == nil {
		return
	}
	st := s.Writer.State()
	row := store.StreamRow{
		ID:       s.ID,
		Seed:     st.Seed,
		Start:    st.Start,
		Mode:     string(st.Mode),
		Key:      st.Key,
		Root:     st.Root,
		NextRoot: st.NextRoot,
		Paid:     s.Session != nil && s.Session.Paid(),
	}
	if err := r.opts.Store.SaveStream(ctx, row, s.Items()); err != nil {
		logging.Warn("Could not save stream", "stream", s.ID, "error", err)
	}
}

// Close drops pending publishes.
func (r *Registry) Close() {
	r.debouncer.Stop()
}
