// Package scheduler runs periodic callbacks and short jobs on a shared, bounded set of workers.
package scheduler

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/logger"
	"golang.org/x/sync/semaphore"
)

// Handle controls a scheduled periodic callback.
type Handle interface {
	// Cancel stops future executions. It does not wait for a running execution to return.
	Cancel()
	Cancelled() bool
}

// Scheduler executes callbacks with at most a fixed number of them running at the same time.
type Scheduler struct {
	clock   clock.Clock
	sem     *semaphore.Weighted
	workers int
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Scheduler with the given number of workers.
// Values less than 2 select max(2, NumCPU).
func New(clk clock.Clock, workers int) *Scheduler {
	if workers < 2 {
		workers = runtime.NumCPU()
		if workers < 2 {
			workers = 2
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   clk,
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		log:     logger.New("scheduler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Workers returns the size of the pool.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Close cancels all periodic callbacks and waits for running ones to return.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Go runs f once on the pool.
func (s *Scheduler) Go(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		s.safeRun("job", f)
	}()
}

type periodic struct {
	name      string
	cancelled atomic.Bool
	running   atomic.Bool
	stopC     chan struct{}
	stopOnce  sync.Once
}

func (p *periodic) Cancel() {
	p.stopOnce.Do(func() {
		p.cancelled.Store(true)
		close(p.stopC)
	})
}

func (p *periodic) Cancelled() bool {
	return p.cancelled.Load()
}

// AtFixedRate calls f after initialDelay and then every period until the returned Handle is cancelled.
// Executions of the same callback never overlap; a tick that finds the previous execution still
// running is skipped. A panic in f is logged and does not stop later executions.
func (s *Scheduler) AtFixedRate(name string, initialDelay, period time.Duration, f func()) Handle {
	p := &periodic{
		name:  name,
		stopC: make(chan struct{}),
	}
	// The delay counts from now, not from when the goroutine gets to run.
	timer := s.clock.Timer(initialDelay)
	s.wg.Add(1)
	go s.loop(p, timer, period, f)
	return p
}

func (s *Scheduler) loop(p *periodic, timer *clock.Timer, period time.Duration, f func()) {
	defer s.wg.Done()
	select {
	case <-timer.C:
	case <-p.stopC:
		timer.Stop()
		return
	case <-s.ctx.Done():
		timer.Stop()
		return
	}
	ticker := s.clock.Ticker(period)
	defer ticker.Stop()
	s.fire(p, f)
	for {
		select {
		case <-ticker.C:
			s.fire(p, f)
		case <-p.stopC:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) fire(p *periodic, f func()) {
	if !p.running.CompareAndSwap(false, true) {
		s.log.Debugf("%s: previous execution still running, skipping tick", p.name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer p.running.Store(false)
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		if p.Cancelled() {
			return
		}
		s.safeRun(p.name, f)
	}()
}

func (s *Scheduler) safeRun(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s: %v\n%s", name, r, debug.Stack())
		}
	}()
	f()
}
