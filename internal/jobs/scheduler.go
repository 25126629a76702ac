// Package jobs runs the periodic maintenance of live rooms: feed heartbeats
// and the countdown recovery sweep.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const recoveryTimeout = 30 * time.Second

var (
	errMissingHeartbeater = errors.New("jobs: heartbeater required")
	errMissingRecoverer   = errors.New("jobs: countdown recoverer required")
)

// Heartbeater pings every live room feed.
type Heartbeater interface {
	Heartbeat() int
}

// CountdownRecoverer re-arms countdowns of pending rooms.
type CountdownRecoverer interface {
	RecoverCountdowns(ctx context.Context) (int, error)
}

type Config struct {
	Heartbeater   Heartbeater
	Recoverer     CountdownRecoverer
	HeartbeatSpec string
	RecoverySpec  string
	Logger        *zap.Logger
}

// Scheduler owns a cron runner with the heartbeat and recovery entries.
type Scheduler struct {
	runner      *cron.Cron
	heartbeater Heartbeater
	recoverer   CountdownRecoverer
	logger      *zap.Logger
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Heartbeater == nil {
		return nil, errMissingHeartbeater
	}
	if cfg.Recoverer == nil {
		return nil, errMissingRecoverer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := &Scheduler{
		heartbeater: cfg.Heartbeater,
		recoverer:   cfg.Recoverer,
		logger:      logger,
	}
	scheduler.runner = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := scheduler.runner.AddFunc(cfg.HeartbeatSpec, scheduler.heartbeat); err != nil {
		return nil, fmt.Errorf("jobs: heartbeat schedule %q: %w", cfg.HeartbeatSpec, err)
	}
	if _, err := scheduler.runner.AddFunc(cfg.RecoverySpec, scheduler.recoverCountdowns); err != nil {
		return nil, fmt.Errorf("jobs: recovery schedule %q: %w", cfg.RecoverySpec, err)
	}
	return scheduler, nil
}

// Start runs the recovery sweep once and then starts the cron runner.
func (s *Scheduler) Start() {
	s.recoverCountdowns()
	s.runner.Start()
}

// Stop halts the runner and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.runner.Stop().Done()
}

// Entries reports the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.runner.Entries())
}

func (s *Scheduler) heartbeat() {
	if reached := s.heartbeater.Heartbeat(); reached > 0 {
		s.logger.Debug("room heartbeat sent", zap.Int("rooms", reached))
	}
}

func (s *Scheduler) recoverCountdowns() {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
	defer cancel()
	armed, err := s.recoverer.RecoverCountdowns(ctx)
	if err != nil {
		s.logger.Error("countdown recovery failed", zap.Error(err))
		return
	}
	if armed > 0 {
		s.logger.Info("countdowns re-armed", zap.Int("rooms", armed))
	}
}
