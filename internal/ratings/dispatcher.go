package ratings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

var errMissingCalculator = errors.New("ratings: calculator is required")

// DispatcherConfig describes the in-process trigger.
type DispatcherConfig struct {
	Calculator Calculator
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Dispatcher runs each recalculation on its own goroutine with its own timeout.
// Failures are logged and swallowed.
type Dispatcher struct {
	calculator Calculator
	timeout    time.Duration
	logger     *zap.Logger
	inflight   sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Calculator == nil {
		return nil, errMissingCalculator
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		calculator: cfg.Calculator,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Trigger schedules the recalculation and returns immediately.
func (d *Dispatcher) Trigger(_ context.Context, request Request) error {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.calculator.Recalculate(ctx, request); err != nil {
			d.logger.Error("rating recalculation failed",
				zap.String("reason", "dependency_failure"),
				zap.String("room", request.Category+"/"+request.Room),
				zap.String("trigger", request.Reason),
				zap.Int64("version", request.Version),
				zap.Error(fmt.Errorf("%w: %w", ErrCalculationFailed, err)))
			return
		}
		d.logger.Debug("rating recalculation completed",
			zap.String("room", request.Category+"/"+request.Room),
			zap.String("trigger", request.Reason))
	}()
	return nil
}

// Wait blocks until every triggered recalculation has returned.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// NopCalculator logs requests without computing anything.
type NopCalculator struct {
	Logger *zap.Logger
}

func (c NopCalculator) Recalculate(_ context.Context, request Request) error {
	if c.Logger != nil {
		c.Logger.Info("rating recalculation skipped",
			zap.String("room", request.Category+"/"+request.Room),
			zap.String("trigger", request.Reason),
			zap.Int("results", len(request.Results)))
	}
	return nil
}
