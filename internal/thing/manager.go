package thing

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/raulk/clock"

	"github.com/fisaks/mamlink/internal/channel"
	"github.com/fisaks/mamlink/internal/config"
	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/payment"
	"github.com/fisaks/mamlink/internal/store"
)

// Deps are handed to every handler constructor.
type Deps struct {
	Transport mam.Transport
	Gateway   ledger.Gateway
	Payer     *payment.Payer
	Router    *channel.Router
	Gate      StreamGate
	Store     CursorStore
	Callback  Callback
	Migrate   Migrator
}

// ThingStore persists things created or changed at runtime.
type ThingStore interface {
	CursorStore
	SaveThing(ctx context.Context, r store.ThingRow) error
	Things(ctx context.Context) ([]store.ThingRow, error)
}

type ManagerOptions struct {
	Transport mam.Transport
	Gateway   ledger.Gateway
	Seed      string
	Router    *channel.Router
	Gate      StreamGate // nil when no stream sells access
	Store     ThingStore
	Callback  Callback
	Clock     clock.Clock
}

type entry struct {
	cfg     config.ThingConfig
	handler Handler
	sched   *Scheduler
}

// Manager owns the handler and scheduler of every configured thing.
type Manager struct {
	opts ManagerOptions
	deps Deps

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Router == nil {
		opts.Router = channel.NewRouter(nil)
	}
	m := &Manager{opts: opts, ctx: context.Background(), entries: map[string]*entry{}}
	m.deps = Deps{
		Transport: opts.Transport,
		Gateway:   opts.Gateway,
		Router:    opts.Router,
		Gate:      opts.Gate,
		Callback:  opts.Callback,
		Migrate:   m.migrate,
	}
	if opts.Gateway != nil {
		m.deps.Payer = payment.NewPayer(opts.Gateway, opts.Seed)
	}
	if opts.Store != nil {
		m.deps.Store = opts.Store
	}
	return m
}

// Start brings up the bridge check and every thing. Things saved at runtime
// replace file definitions with the same id.
func (m *Manager) Start(ctx context.Context, things []config.ThingConfig) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	merged, err := m.mergeStored(ctx, things)
	if err != nil {
		return err
	}

	if m.opts.Gateway != nil {
		m.startHandler(config.ThingConfig{ID: BridgeID, Refresh: 300}, NewBridge(m.opts.Gateway, m.opts.Seed))
	}
	for _, cfg := range merged {
		if err := m.Add(ctx, cfg); err != nil {
			logging.Error("Thing not started", "thing", cfg.ID, "error", err)
		}
	}
	logging.Info("Things started", "count", len(merged))
	return nil
}

func (m *Manager) mergeStored(ctx context.Context, things []config.ThingConfig) ([]config.ThingConfig, error) {
	out := make([]config.ThingConfig, 0, len(things))
	for _, t := range things {
		out = append(out, t.Clone())
	}
	if m.opts.Store == nil {
		return out, nil
	}
	rows, err := m.opts.Store.Things(ctx)
	if err != nil {
		return nil, fmt.Errorf("load things: %w", err)
	}
	for _, row := range rows {
		var cfg config.ThingConfig
		if err := json.Unmarshal(row.Config, &cfg); err != nil {
			logging.Warn("Skipping unreadable saved thing", "thing", row.ID, "error", err)
			continue
		}
		i := slices.IndexFunc(out, func(t config.ThingConfig) bool { return t.ID == cfg.ID })
		if i >= 0 {
			out[i] = cfg
		} else {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// Add builds and starts the handler for cfg, replacing a thing with the same id.
func (m *Manager) Add(ctx context.Context, cfg config.ThingConfig) error {
	h, err := m.build(ctx, cfg)
	if err != nil {
		if m.opts.Callback != nil {
			m.opts.Callback.StatusUpdated(cfg.ID, statusFor(err))
		}
		return err
	}
	m.startHandler(cfg, h)
	return nil
}

func (m *Manager) build(ctx context.Context, cfg config.ThingConfig) (Handler, error) {
	switch cfg.Kind {
	case config.KindTopic:
		return NewTopicThing(ctx, cfg, m.deps)
	case config.KindPayment:
		if m.deps.Payer == nil {
			return nil, fmt.Errorf("%w: payment thing needs a ledger gateway", ErrConfiguration)
		}
		return NewPaymentThing(cfg, m.deps)
	case config.KindWallet:
		return NewWalletThing(cfg, m.deps)
	default:
		return nil, fmt.Errorf("%w: unknown thing kind %q", ErrConfiguration, cfg.Kind)
	}
}

func (m *Manager) startHandler(cfg config.ThingConfig, h Handler) {
	s := NewScheduler(h, cfg.RefreshPeriod(), m.opts.Clock, m.opts.Callback)

	m.mu.Lock()
	old := m.entries[cfg.ID]
	m.entries[cfg.ID] = &entry{cfg: cfg, handler: h, sched: s}
	ctx := m.ctx
	m.mu.Unlock()

	if old != nil {
		dispose(old)
	}
	s.Start(ctx)
	logging.Debug("Thing started", "thing", cfg.ID, "kind", cfg.Kind, "period", cfg.RefreshPeriod())
}

func dispose(e *entry) {
	e.sched.Stop()
	e.handler.OnDispose()
}

// migrate saves both definitions before starting the new thing.
func (m *Manager) migrate(ctx context.Context, updated, created config.ThingConfig) error {
	if m.opts.Store != nil {
		for _, cfg := range []config.ThingConfig{updated, created} {
			raw, err := json.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := m.opts.Store.SaveThing(ctx, store.ThingRow{ID: cfg.ID, Kind: cfg.Kind, Config: raw}); err != nil {
				return err
			}
		}
	}

	m.mu.Lock()
	if e, ok := m.entries[updated.ID]; ok {
		e.cfg = updated
	}
	m.mu.Unlock()

	return m.Add(ctx, created)
}

func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if ok {
		dispose(e)
	}
	return ok
}

// Command hands a channel command to the thing. REFRESH also asks for an
// immediate tick.
func (m *Manager) Command(ctx context.Context, thingID, channelID string, cmd Command) error {
	m.mu.Lock()
	e, ok := m.entries[thingID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown thing %q", thingID)
	}
	if err := e.handler.OnCommand(ctx, channelID, cmd); err != nil {
		return err
	}
	if cmd == CommandRefresh {
		e.sched.Trigger()
	}
	return nil
}

func (m *Manager) Config(id string) (config.ThingConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return config.ThingConfig{}, false
	}
	return e.cfg, true
}

func (m *Manager) Status(id string) (Status, bool) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return e.sched.Status(), true
}

func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Dispose stops every scheduler without waiting for ticks in flight.
func (m *Manager) Dispose() {
	m.mu.Lock()
	entries := m.entries
	m.entries = map[string]*entry{}
	m.mu.Unlock()
	for _, e := range entries {
		dispose(e)
	}
}
