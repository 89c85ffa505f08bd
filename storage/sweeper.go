package storage

import (
	"context"
	"errors"
	"time"
)

// StartExpiringSessions starts the background sweep, replacing a running one.
func (s *SQLStore) StartExpiringSessions() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	s.stopSweeperLocked()

	interval := s.opts.CheckExpirationInterval
	if interval <= 0 {
		s.logger.Debug("session sweeper disabled", "table", s.model.Table())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sweepCancel = cancel
	s.sweepDone = done

	go s.sweepLoop(ctx, interval, done)
}

// StopExpiringSessions stops the background sweep and waits for it to exit.
// It is a no-op when the sweeper is not running.
func (s *SQLStore) StopExpiringSessions() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	s.stopSweeperLocked()
}

func (s *SQLStore) stopSweeperLocked() {
	if s.sweepCancel == nil {
		return
	}
	s.sweepCancel()
	<-s.sweepDone
	s.sweepCancel = nil
	s.sweepDone = nil
}

func (s *SQLStore) sweepLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.ClearExpiredSessions(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return
				}
				s.logger.Error("failed to clear expired sessions", "table", s.model.Table(), "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("cleared expired sessions", "table", s.model.Table(), "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweeping reports whether the background sweep is running.
func (s *SQLStore) Sweeping() bool {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	return s.sweepCancel != nil
}
