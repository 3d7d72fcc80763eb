// Package scheduler wires the scan and dispatch cycles onto cron timers. The
// two loops run on independent intervals; overlapping runs of the same loop
// are serialized by a per-job mutex so a slow cycle never stacks.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/config"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/logger"
)

// CycleRunner is one periodic pipeline stage.
type CycleRunner interface {
	RunCycle(ctx context.Context) error
}

// Scheduler owns the cron instance driving the pipeline.
type Scheduler struct {
	cron       *cron.Cron
	scanner    CycleRunner
	dispatcher CycleRunner
	cfg        config.ScanConfig
	logger     logger.Logger

	scanMu     sync.Mutex
	dispatchMu sync.Mutex
	startupWG  sync.WaitGroup
}

func New(scanner, dispatcher CycleRunner, cfg config.ScanConfig, log logger.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		scanner:    scanner,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     log.WithFields(map[string]interface{}{"component": "scheduler"}),
	}
}

// Start registers both jobs and starts the cron loop. A scan runs immediately
// so a fresh deployment does not sit idle until the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	scanSpec := fmt.Sprintf("@every %ds", s.cfg.IntervalSeconds)
	dispatchSpec := fmt.Sprintf("@every %ds", s.cfg.DispatchIntervalSeconds)

	if _, err := s.cron.AddFunc(scanSpec, func() { s.runScan(ctx) }); err != nil {
		return fmt.Errorf("register scan job: %w", err)
	}
	if _, err := s.cron.AddFunc(dispatchSpec, func() { s.runDispatch(ctx) }); err != nil {
		return fmt.Errorf("register dispatch job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", map[string]interface{}{
		"scanSpec":     scanSpec,
		"dispatchSpec": dispatchSpec,
	})

	s.startupWG.Add(1)
	go func() {
		defer s.startupWG.Done()
		s.runScan(ctx)
	}()

	return nil
}

// Stop halts the cron loop and waits for running jobs, including the startup
// scan, to return.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.startupWG.Wait()
	s.logger.Info("scheduler stopped", nil)
}

func (s *Scheduler) runScan(ctx context.Context) {
	if !s.scanMu.TryLock() {
		s.logger.Warn("scan cycle still running, skipping tick", nil)
		return
	}
	defer s.scanMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := s.scanner.RunCycle(ctx); err != nil {
		s.logger.Error("scan cycle failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Scheduler) runDispatch(ctx context.Context) {
	if !s.dispatchMu.TryLock() {
		s.logger.Warn("dispatch cycle still running, skipping tick", nil)
		return
	}
	defer s.dispatchMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := s.dispatcher.RunCycle(ctx); err != nil {
		s.logger.Error("dispatch cycle failed", map[string]interface{}{"error": err.Error()})
	}
}
