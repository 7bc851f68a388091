package thing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/metrics"
)

type signal struct{}

// Scheduler runs a handler with a fixed delay between the end of one tick and
// the start of the next. The first tick runs immediately.
type Scheduler struct {
	handler Handler
	cb      Callback
	clock   clock.Clock
	period  time.Duration

	triggerCh chan signal
	stopCh    chan signal
	stopOnce  sync.Once
	done      chan signal

	mu     sync.Mutex
	status Status
}

func NewScheduler(h Handler, period time.Duration, clk clock.Clock, cb Callback) *Scheduler {
	if period <= 0 {
		period = time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		handler:   h,
		cb:        cb,
		clock:     clk,
		period:    period,
		triggerCh: make(chan signal, 1),
		stopCh:    make(chan signal),
		done:      make(chan signal),
		status:    Status{Kind: StatusUnknown},
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Trigger asks for a tick now instead of at the end of the delay.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- signal{}: // drop if one is queued
	default:
	}
}

// Stop cancels future ticks. A tick in flight keeps running.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.status.Kind == StatusOnline {
			metrics.Measures.ThingsOnline.Dec()
		}
		s.status = Status{Kind: StatusUnknown}
		s.mu.Unlock()
	})
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan signal { return s.done }

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	id := s.handler.ID()
	logging.Debug("Scheduler started", "thing", id, "period", s.period)

	for {
		if s.stopped() {
			return
		}
		if !s.runTick(ctx) {
			if !s.stopped() {
				logging.Info("Scheduler stopped after configuration error", "thing", id)
			}
			return
		}

		t := s.clock.Timer(s.period)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.stopCh:
			t.Stop()
			return
		case <-s.triggerCh:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// runTick reports whether the scheduler should keep going.
func (s *Scheduler) runTick(ctx context.Context) (keep bool) {
	id := s.handler.ID()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Thing tick panicked", "thing", id, "panic", r)
			keep = true
		}
	}()

	err := s.handler.OnTick(context.WithoutCancel(ctx))
	if s.stopped() {
		return false
	}
	if err == nil {
		s.setStatus(Online())
		return true
	}

	st := statusFor(err)
	s.setStatus(st)
	if errors.Is(err, ErrConfiguration) {
		logging.Error("Thing misconfigured", "thing", id, "error", err)
		return false
	}
	logging.Warn("Thing tick failed", "thing", id, "error", err)
	return true
}

// setStatus is a no-op once stopped so the online gauge stays balanced with Stop.
func (s *Scheduler) setStatus(st Status) {
	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = st
	if prev != st {
		switch {
		case st.Kind == StatusOnline:
			metrics.Measures.ThingsOnline.Inc()
		case prev.Kind == StatusOnline:
			metrics.Measures.ThingsOnline.Dec()
		}
	}
	s.mu.Unlock()
	if prev == st {
		return
	}
	if s.cb != nil {
		s.cb.StatusUpdated(s.handler.ID(), st)
	}
}
