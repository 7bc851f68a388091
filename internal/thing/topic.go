package thing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fisaks/mamlink/internal/channel"
	"github.com/fisaks/mamlink/internal/config"
	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/metrics"
)

// CursorStore keeps the read position of topic things across restarts.
type CursorStore interface {
	Cursor(ctx context.Context, thingID string) (string, error)
	SaveCursor(ctx context.Context, thingID, root string) error
}

// TopicThing follows a MAM stream and routes every fetched message to its
// channels.
type TopicThing struct {
	id        string
	cursor    *mam.Cursor
	transport mam.Transport
	router    *channel.Router
	bindings  []*channel.Binding
	sync      bool
	store     CursorStore
}

func NewTopicThing(ctx context.Context, cfg config.ThingConfig, d Deps) (*TopicThing, error) {
	mode, err := mam.ParseMode(cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := mam.CheckKey(mode, cfg.Key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	bindings, err := buildBindings(cfg, d.Callback)
	if err != nil {
		return nil, err
	}

	root := cfg.Root
	if d.Store != nil {
		saved, err := d.Store.Cursor(ctx, cfg.ID)
		if err != nil {
			logging.Warn("Could not load saved root", "thing", cfg.ID, "error", err)
		} else if saved != "" {
			root = saved
		}
	}

	router := d.Router
	if router == nil {
		router = channel.NewRouter(nil)
	}
	return &TopicThing{
		id:        cfg.ID,
		cursor:    mam.NewCursor(root, mode, cfg.Key),
		transport: d.Transport,
		router:    router,
		bindings:  bindings,
		sync:      cfg.Refresh == 0,
		store:     d.Store,
	}, nil
}

func buildBindings(cfg config.ThingConfig, cb Callback) ([]*channel.Binding, error) {
	out := make([]*channel.Binding, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		tr, err := channel.ParseTransformation(ch.TransformationPattern)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		v, err := channel.NewValue(ch.Type, channel.ValueConfig{
			Min:     ch.Min,
			Max:     ch.Max,
			Step:    ch.Step,
			IsFloat: ch.IsFloat,
			Inverse: ch.Inverse,
			On:      ch.On,
			Off:     ch.Off,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: channel %s: %w", ErrConfiguration, ch.ID, err)
		}
		var l channel.Listener
		if cb != nil {
			thingID := cfg.ID
			l = func(channelID string, s channel.State) { cb.StateUpdated(thingID, channelID, s) }
		}
		out = append(out, channel.NewBinding(ch.ID, ch.StateTopic, tr, v, l))
	}
	return out, nil
}

func (t *TopicThing) ID() string { return t.id }

func (t *TopicThing) Root() string { return t.cursor.Root() }

func (t *TopicThing) OnTick(ctx context.Context) error {
	start := time.Now()
	res, err := t.cursor.Fetch(ctx, t.transport, t.sync)
	metrics.Measures.FetchDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.Measures.Fetches.WithLabelValues("error").Inc()
		if errors.Is(err, ErrConfiguration) {
			return &StatusError{Status: Offline(DetailCommunicationError, "Could not fetch data"), Err: err}
		}
		return err
	case res == nil:
		metrics.Measures.Fetches.WithLabelValues("empty").Inc()
		logging.Debug("Nothing published yet", "thing", t.id, "root", t.cursor.Root())
		return nil
	}
	metrics.Measures.Fetches.WithLabelValues("data").Inc()

	root := t.cursor.Root()
	if t.store != nil {
		if err := t.store.SaveCursor(ctx, t.id, root); err != nil {
			logging.Warn("Could not save root", "thing", t.id, "root", root, "error", err)
		}
	}
	if len(res.Payload) == 0 {
		return nil
	}

	n, err := t.router.Dispatch(res.Payload, t.bindings)
	if err != nil {
		logging.Warn("Dispatch aborted", "thing", t.id, "updated", n, "error", err)
		return nil
	}
	logging.Debug("Fetched stream message", "thing", t.id, "next", root, "updated", n)
	return nil
}

// OnCommand handles REFRESH by re-reporting the current channel values. The
// scheduler fetches right after.
func (t *TopicThing) OnCommand(_ context.Context, channelID string, cmd Command) error {
	if cmd != CommandRefresh {
		return fmt.Errorf("unsupported command %q", cmd)
	}
	for _, b := range t.bindings {
		if channelID != "" && b.ChannelID != channelID {
			continue
		}
		b.Refresh()
	}
	return nil
}

func (t *TopicThing) OnDispose() {
	logging.Debug("Topic thing disposed", "thing", t.id, "root", t.cursor.Root())
}
