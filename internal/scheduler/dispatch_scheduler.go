package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/STRATINT/postlink/internal/dispatch"
)

// ErrRunInProgress is returned by TriggerNow while another run is active.
var ErrRunInProgress = errors.New("dispatch run already in progress")

// Runner performs one dispatch pass.
type Runner interface {
	RunOnce(ctx context.Context) (dispatch.Summary, error)
}

// DispatchScheduler runs the dispatcher on a fixed interval
type DispatchScheduler struct {
	runner   Runner
	logger   *slog.Logger
	interval time.Duration
	stopChan chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	wg        sync.WaitGroup
}

// NewDispatchScheduler creates a new dispatch scheduler
func NewDispatchScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *DispatchScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &DispatchScheduler{
		runner:   runner,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// ScheduleDispatchLoop starts the loop in the background. Only the first
// call has any effect; it reports whether this call started the loop.
func (s *DispatchScheduler) ScheduleDispatchLoop(ctx context.Context, intervalSeconds int) bool {
	started := false
	s.startOnce.Do(func() {
		if intervalSeconds > 0 {
			s.interval = time.Duration(intervalSeconds) * time.Second
		}
		started = true
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Start(ctx)
		}()
	})
	return started
}

// Start begins the scheduler loop and blocks until Stop or ctx is done
func (s *DispatchScheduler) Start(ctx context.Context) {
	s.logger.Info("Starting dispatch scheduler", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once immediately on start
	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			s.logger.Info("Dispatch scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Dispatch scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the loop and waits for a background loop started by
// ScheduleDispatchLoop to return. Safe to call more than once.
func (s *DispatchScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// TriggerNow runs a dispatch pass immediately unless one is already running.
func (s *DispatchScheduler) TriggerNow(ctx context.Context) (dispatch.Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return dispatch.Summary{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	s.logger.Info("Manual dispatch run requested")
	return s.runner.RunOnce(ctx)
}

func (s *DispatchScheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Previous dispatch run still in progress, skipping tick")
		return
	}
	defer s.running.Store(false)

	if _, err := s.runner.RunOnce(ctx); err != nil {
		s.logger.Error("Dispatch run failed", "error", err)
	}
}
