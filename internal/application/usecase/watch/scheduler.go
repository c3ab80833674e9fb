package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// job is one scheduled task. The inflight flag collapses overlapping
// runs: a tick that arrives while the previous run is still going is
// skipped, never queued.
type job struct {
	name     string
	fn       func(ctx context.Context) error
	inflight atomic.Bool

	every     time.Duration // interval jobs
	immediate bool

	hour, min int            // daily jobs
	loc       *time.Location
}

// Scheduler drives the periodic jobs: watch-set reconciliation, alert
// cycles and the daily session-close updates.
type Scheduler struct {
	log  zerolog.Logger
	jobs []*job
	now  func() time.Time
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log: log.With().Str("component", "scheduler").Logger(),
		now: time.Now,
	}
}

// Every registers an interval job. immediate runs it once at startup
// before the first tick.
func (s *Scheduler) Every(name string, every time.Duration, immediate bool, fn func(ctx context.Context) error) {
	s.jobs = append(s.jobs, &job{name: name, every: every, immediate: immediate, fn: fn})
}

// Daily registers a job at a fixed wall-clock time in loc.
func (s *Scheduler) Daily(name string, hour, min int, loc *time.Location, fn func(ctx context.Context) error) {
	s.jobs = append(s.jobs, &job{name: name, hour: hour, min: min, loc: loc, fn: fn})
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			if j.every > 0 {
				s.runInterval(ctx, j)
			} else {
				s.runDaily(ctx, j)
			}
		}(j)
	}
	wg.Wait()
}

func (s *Scheduler) runInterval(ctx context.Context, j *job) {
	if j.immediate {
		s.fire(ctx, j)
	}
	t := time.NewTicker(j.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.fire(ctx, j)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, j *job) {
	for {
		d := s.untilNext(j)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			s.fire(ctx, j)
		}
	}
}

// untilNext computes the wait to the next hh:mm occurrence in the job's
// time zone.
func (s *Scheduler) untilNext(j *job) time.Duration {
	now := s.now().In(j.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), j.hour, j.min, 0, 0, j.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	if !j.inflight.CompareAndSwap(false, true) {
		s.log.Warn().Str("job", j.name).Msg("previous run still in flight, tick skipped")
		return
	}
	defer j.inflight.Store(false)

	start := s.now()
	if err := j.fn(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Str("job", j.name).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", j.name).Dur("took", s.now().Sub(start)).Msg("job done")
}
