package ratings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeRecalculate is the asynq task type carrying a Request.
const TypeRecalculate = "ratings:recalculate"

var errMissingQueueClient = errors.New("ratings: queue client is required")

// Enqueuer is the subset of asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskQueueConfig describes the queued trigger.
type TaskQueueConfig struct {
	Client  Enqueuer
	Queue   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// TaskQueue hands recalculations to a worker process through Redis.
type TaskQueue struct {
	client  Enqueuer
	queue   string
	timeout time.Duration
	logger  *zap.Logger
}

func NewTaskQueue(cfg TaskQueueConfig) (*TaskQueue, error) {
	if cfg.Client == nil {
		return nil, errMissingQueueClient
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "ratings"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskQueue{client: cfg.Client, queue: queue, timeout: timeout, logger: logger}, nil
}

// NewRecalculateTask encodes a request as a task.
func NewRecalculateTask(request Request) (*asynq.Task, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRecalculate, payload), nil
}

// Trigger enqueues the request. Only the enqueue is bounded by the caller; the
// recalculation runs with the queue's own timeout.
func (q *TaskQueue) Trigger(ctx context.Context, request Request) error {
	task, err := NewRecalculateTask(request)
	if err != nil {
		return err
	}
	enqueueCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	info, err := q.client.EnqueueContext(enqueueCtx, task,
		asynq.Queue(q.queue),
		asynq.Timeout(q.timeout),
		asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("enqueue rating task: %w", err)
	}
	q.logger.Debug("rating task enqueued",
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.String("room", request.Category+"/"+request.Room))
	return nil
}

// TaskHandler processes queued recalculations in the worker process.
type TaskHandler struct {
	calculator Calculator
	logger     *zap.Logger
}

func NewTaskHandler(calculator Calculator, logger *zap.Logger) (*TaskHandler, error) {
	if calculator == nil {
		return nil, errMissingCalculator
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{calculator: calculator, logger: logger}, nil
}

// ProcessTask implements asynq.Handler. Undecodable payloads are not retried.
func (h *TaskHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	retry, _ := asynq.GetRetryCount(ctx)
	var request Request
	if err := json.Unmarshal(task.Payload(), &request); err != nil {
		h.logger.Error("rating task payload invalid", zap.String("task_type", task.Type()), zap.Error(err))
		return fmt.Errorf("decode rating task: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.calculator.Recalculate(ctx, request); err != nil {
		h.logger.Warn("rating task failed",
			zap.String("room", request.Category+"/"+request.Room),
			zap.Int("retry", retry),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrCalculationFailed, err)
	}
	return nil
}

// NewServeMux routes rating tasks to the handler.
func NewServeMux(handler *TaskHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeRecalculate, handler)
	return mux
}

// NewWorkerServer builds the asynq server that drains the rating queue.
func NewWorkerServer(redis asynq.RedisClientOpt, queue string, logger *zap.Logger) *asynq.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retry, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error("rating task error",
				zap.String("task_type", task.Type()),
				zap.Int("retry", retry),
				zap.Int("max_retry", maxRetry),
				zap.Error(err))
		}),
	})
}
