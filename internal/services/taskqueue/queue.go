package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/retry"
)

var (
	// ErrQueueFull is returned when Submit cannot hand the task to a worker
	// within the submit timeout.
	ErrQueueFull = errors.New("task queue is full")

	// ErrStopped is returned for submissions after Stop.
	ErrStopped = errors.New("task queue is stopped")

	// ErrTaskNotFound is returned by Poll and Cancel for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")
)

// Handler executes one task and returns its result.
type Handler func(ctx context.Context, task *models.Task) (any, error)

// Queue is a bounded in-memory task queue with a fixed worker pool. Failed
// tasks are retried with exponential backoff until they exhaust their retry
// budget or get cancelled.
type Queue struct {
	tasks         chan *models.Task
	handlers      map[string]Handler
	workers       int
	maxRetries    int
	submitTimeout time.Duration

	mu    sync.Mutex
	index map[string]*models.Task

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a queue with the given worker count, queue depth and retry
// budget. Call Start before submitting.
func New(workers, depth, maxRetries int, submitTimeout time.Duration) *Queue {
	if workers <= 0 {
		workers = 3
	}
	if depth <= 0 {
		depth = 100
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	if submitTimeout <= 0 {
		submitTimeout = 5 * time.Second
	}
	return &Queue{
		tasks:         make(chan *models.Task, depth),
		handlers:      make(map[string]Handler),
		workers:       workers,
		maxRetries:    maxRetries,
		submitTimeout: submitTimeout,
		index:         make(map[string]*models.Task),
		stopped:       make(chan struct{}),
	}
}

// Register binds a handler to a task type. Register all handlers before
// Start; the handler map is not guarded after workers run.
func (q *Queue) Register(taskType string, h Handler) {
	q.handlers[taskType] = h
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	fiberlog.Infof("task queue started with %d workers, depth %d", q.workers, cap(q.tasks))
}

// Stop shuts the queue down and waits for in-flight tasks to finish. Tasks
// still waiting in the channel are abandoned.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopped)
		q.wg.Wait()
		fiberlog.Info("task queue stopped")
	})
}

// Submit enqueues a task and returns its ID. It blocks up to the submit
// timeout when the queue is at capacity, then fails with ErrQueueFull.
func (q *Queue) Submit(taskType string, payload map[string]any) (string, error) {
	select {
	case <-q.stopped:
		return "", ErrStopped
	default:
	}

	task := &models.Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    payload,
		Status:     models.TaskPending,
		MaxRetries: q.maxRetries,
		CreatedAt:  time.Now(),
	}

	q.mu.Lock()
	q.index[task.ID] = task
	q.mu.Unlock()

	timer := time.NewTimer(q.submitTimeout)
	defer timer.Stop()

	select {
	case q.tasks <- task:
		return task.ID, nil
	case <-q.stopped:
		q.forget(task.ID)
		return "", ErrStopped
	case <-timer.C:
		q.forget(task.ID)
		fiberlog.Warnf("task queue full, rejected %s task after %v", taskType, q.submitTimeout)
		return "", ErrQueueFull
	}
}

// Poll returns a snapshot of the task's current state.
func (q *Queue) Poll(taskID string) (models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.index[taskID]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	return *task, nil
}

// Cancel marks a task so it is not re-enqueued between retries. A task that
// is already running finishes its current attempt.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.index[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	task.Cancelled = true
	return nil
}

// Depth reports how many tasks are waiting for a worker.
func (q *Queue) Depth() int {
	return len(q.tasks)
}

func (q *Queue) forget(taskID string) {
	q.mu.Lock()
	delete(q.index, taskID)
	q.mu.Unlock()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopped:
			return
		case task := <-q.tasks:
			q.run(ctx, id, task)
		}
	}
}

func (q *Queue) run(ctx context.Context, workerID int, task *models.Task) {
	handler, ok := q.handlers[task.Type]
	if !ok {
		q.finish(task, nil, fmt.Errorf("no handler registered for task type %q", task.Type))
		return
	}

	q.mu.Lock()
	task.Status = models.TaskRunning
	now := time.Now()
	task.StartedAt = &now
	q.mu.Unlock()

	result, err := handler(ctx, task)
	if err == nil {
		q.finish(task, result, nil)
		return
	}

	q.mu.Lock()
	task.RetryCount++
	retries := task.RetryCount
	cancelled := task.Cancelled
	q.mu.Unlock()

	if cancelled || retries >= task.MaxRetries {
		q.finish(task, nil, err)
		return
	}

	fiberlog.Warnf("[worker %d] task %s (%s) failed, retry %d/%d: %v",
		workerID, task.ID, task.Type, retries, task.MaxRetries, err)
	q.requeue(task, retries)
}

// requeue puts a failed task back after a backoff delay. The delay runs in
// its own goroutine so the worker can pick up other tasks meanwhile.
func (q *Queue) requeue(task *models.Task, attempt int) {
	delay := backoff(attempt)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-q.stopped:
			q.finish(task, nil, ErrStopped)
			return
		case <-timer.C:
		}

		q.mu.Lock()
		if task.Cancelled {
			q.mu.Unlock()
			q.finish(task, nil, errors.New("task cancelled"))
			return
		}
		task.Status = models.TaskPending
		q.mu.Unlock()

		select {
		case q.tasks <- task:
		case <-q.stopped:
			q.finish(task, nil, ErrStopped)
		}
	}()
}

func (q *Queue) finish(task *models.Task, result any, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	task.CompletedAt = &now
	if err != nil {
		task.Status = models.TaskFailed
		task.Error = err.Error()
		fiberlog.Errorf("task %s (%s) failed permanently: %v", task.ID, task.Type, err)
		return
	}
	task.Status = models.TaskCompleted
	task.Result = result
}

var requeueBackoff = retry.Config{
	BaseDelay: time.Second,
	MaxDelay:  30 * time.Second,
	Jitter:    true,
}

func backoff(attempt int) time.Duration {
	return retry.Delay(requeueBackoff, attempt-1)
}
