package sched

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/orbit/internal/model"
)

// RunTimers drives every CPU from the injected clock: one ticker per CPU calls Tick and,
// when a reschedule is pending, PickNext. It returns when ctx is cancelled.
func (s *Scheduler) RunTimers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.cpus {
		id := c.id
		g.Go(func() error {
			ticker := s.clock.Ticker(s.tickLen)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if !s.Tick(id) {
						continue
					}
					if _, err := s.PickNext(id); err != nil && !errors.Is(err, model.ErrCPUOffline) {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

// RunBalancer calls Balance every interval until ctx is cancelled.
func (s *Scheduler) RunBalancer(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Balance()
		}
	}
}
