package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("command queue closed")

// Task represents an operation to be executed in a lane
type Task func(ctx context.Context) (interface{}, error)

// UserLane returns the lane serializing a user's turns.
func UserLane(userID string) string {
	return "user:" + userID
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	name    string
	queue   []*taskRecord
	running bool
	mu      sync.Mutex
}

// CommandQueue provides lane-based task serialization
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	logger    zerolog.Logger
}

// New creates a new CommandQueue
func New(logger zerolog.Logger) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Enqueue adds a task to lane and blocks until it has run.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if cq.closed.Load() {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "tripmate.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cq.logger)

	// The lane is looked up and appended to under cq.mu so an idle lane
	// cannot be removed between the two steps.
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{name: lane}
		cq.lanes[lane] = ls
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	go cq.processLane(ls)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

// processLane starts the next task if the lane is idle.
func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.running || len(ls.queue) == 0 {
		return
	}
	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	cq.wg.Add(1)
	go cq.executeTask(ls, record)
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "tripmate.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	waited := time.Since(record.enqueuedAt)
	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	cq.mu.Lock()
	ls.mu.Lock()
	ls.running = false
	queueSize := len(ls.queue)
	if queueSize == 0 {
		delete(cq.lanes, ls.name)
	}
	ls.mu.Unlock()
	cq.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", ls.name).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", ls.name).
			Str("taskId", record.id).
			Dur("waited", waited).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(ls.name, duration, err == nil, queueSize)

	if queueSize > 0 {
		go cq.processLane(ls)
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	cq.mu.Unlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetStats returns queued and running counts per active lane
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		running := 0
		if ls.running {
			running = 1
		}
		stats[lane] = map[string]int{
			"queued":  len(ls.queue),
			"running": running,
		}
		ls.mu.Unlock()
	}
	return stats
}

// WaitForActive waits for all lanes to drain, up to timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		cq.mu.Lock()
		active := len(cq.lanes)
		cq.mu.Unlock()

		if active == 0 {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Int("lanes", active).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	if !cq.closed.CompareAndSwap(false, true) {
		return nil
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
