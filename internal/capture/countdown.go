package capture

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/cloud-monitor/internal/logger"
)

// ErrCountdownRunning is returned when a countdown is requested while one is in progress.
var ErrCountdownRunning = errors.New("countdown already running")

const countdownFrom = 3

// RunCountdown reports 3, 2, 1 through OnCountdown, one step apart, and
// finishes with 0. Only one countdown runs at a time.
func (s *Session) RunCountdown(ctx context.Context) error {
	return s.countdownFor(ctx, s.current())
}

// countdownFor runs a countdown owned by r, or by the session when r is nil.
// Once r is no longer the current run it stops touching the shared countdown.
func (s *Session) countdownFor(ctx context.Context, r *run) error {
	counting := &s.counting
	if r != nil {
		counting = &r.counting
	}
	if !counting.CompareAndSwap(false, true) {
		return ErrCountdownRunning
	}
	defer counting.Store(false)
	defer s.setCountdown(r, 0)

	s.opts.Metrics.Countdowns.Add(1)
	for n := countdownFrom; n >= 1; n-- {
		s.setCountdown(r, n)
		if !s.sleep(ctx, s.opts.CountdownStep) {
			logger.Debug("Capture", "Countdown aborted at %d", n)
			return ctx.Err()
		}
	}
	return nil
}

// CountingDown reports whether a countdown is in progress.
func (s *Session) CountingDown() bool {
	if r := s.current(); r != nil && r.counting.Load() {
		return true
	}
	return s.counting.Load()
}

func (s *Session) setCountdown(r *run, n int) {
	s.mu.Lock()
	if r != nil && s.run != r {
		s.mu.Unlock()
		return
	}
	s.countdown = n
	s.mu.Unlock()
	if s.opts.OnCountdown != nil {
		s.opts.OnCountdown(n)
	}
}

// sleep waits d on the session clock. It returns false when ctx ends first.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
