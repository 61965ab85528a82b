// Package scheduler drives the control loop at a fixed cadence, waking at
// the next multiple of Interval (plus Offset) rather than simply sleeping
// Interval from the last tick, so drift from slow ticks never accumulates.
package scheduler

import (
	"context"
	"time"

	"marginctl/internal/logger"
)

// AlignedScheduler wakes a task at the next wall-clock boundary that is a
// multiple of Interval, offset by Offset.
type AlignedScheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("AlignedScheduler: task is nil, exit")
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("AlignedScheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("AlignedScheduler: negative offset=%s, clamp to 0", s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("AlignedScheduler: started interval=%s offset=%s run_immediately=%v at=%s",
		s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	{
		nextBoundary, wakeAt, untilBoundary, wait := s.nextTimes(startAt)
		logger.Infof("AlignedScheduler: init until_boundary=%s (boundary=%s) next_wake=%s (in %s)",
			untilBoundary.Truncate(time.Second),
			nextBoundary.Format(time.RFC3339),
			wakeAt.Format(time.RFC3339),
			wait.Truncate(time.Second),
		)
	}

	if s.RunImmediately {
		logger.Infof("AlignedScheduler: RunImmediately=true, execute once before alignment loop")
		task()
	}

	for {
		now := s.nowFn().UTC()
		nextBoundary, wakeAt, untilBoundary, wait := s.nextTimes(now)
		uptime := now.Sub(startAt)

		// This fires once per control-loop tick (often sub-second), so it
		// stays at Debugf: the one-time Infof above already told the
		// operator the cadence, and a line per tick at Info would drown it.
		logger.Debugf("AlignedScheduler: until_boundary=%s (boundary=%s) wait=%s wake_at=%s uptime=%s",
			untilBoundary.Truncate(time.Second),
			nextBoundary.Format(time.RFC3339),
			wait.Truncate(time.Second),
			wakeAt.Format(time.RFC3339),
			uptime.Truncate(time.Second),
		)

		if wait <= 0 {
			task()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("AlignedScheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		task()
	}
}

func (s *AlignedScheduler) nextTimes(now time.Time) (nextBoundary time.Time, wakeAt time.Time, untilBoundary time.Duration, wait time.Duration) {
	now = now.UTC()
	nextBoundary = now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = nextBoundary.Add(s.Offset)
	untilBoundary = nextBoundary.Sub(now)
	wait = wakeAt.Sub(now)
	return nextBoundary, wakeAt, untilBoundary, wait
}
