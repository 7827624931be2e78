package runtime

import (
	"container/heap"
	"context"
	"ephemeral-lab/contract"
	"ephemeral-lab/domain"
	"ephemeral-lab/errors"
	"ephemeral-lab/observability"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExpiryScheduler arms one deletion per record id and fires it once the
// record deadline has passed.
// Deadlines live in a min-heap read by a single ExpiryTimerWorker, which hands
// due tasks to a pool of ExpiryWorker. The mutex is never held while sleeping
// or while the Expirer runs.
type ExpiryScheduler struct {
	mu         sync.Mutex
	log        *slog.Logger
	expirer    contract.Expirer
	metrics    *observability.Metrics
	numWorkers int
	tasks      map[uuid.UUID]*expiryTask
	queue      expiryQueue
	wake       chan struct{}
	due        chan *expiryTask
	recovered  bool
	closed     bool
	now        func() time.Time
}

func NewExpiryScheduler(log *slog.Logger, expirer contract.Expirer, metrics *observability.Metrics,
	numWorkers, bufferSize int) *ExpiryScheduler {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &ExpiryScheduler{
		log:        log,
		expirer:    expirer,
		metrics:    metrics,
		numWorkers: numWorkers,
		tasks:      make(map[uuid.UUID]*expiryTask),
		wake:       make(chan struct{}, 1),
		due:        make(chan *expiryTask, bufferSize),
		now:        time.Now,
	}
}

// Schedule arms the deletion of id at expiresAt. A deadline in the past fires
// as soon as a worker is free. Scheduling an id twice replaces the first task.
func (s *ExpiryScheduler) Schedule(id uuid.UUID, expiresAt time.Time) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot schedule %s", errors.ErrSchedulerStopped, id)
	}
	if previous, ok := s.tasks[id]; ok {
		s.cancelLocked(previous)
	}
	task := &expiryTask{id: id, expiresAt: expiresAt}
	heap.Push(&s.queue, task)
	s.tasks[id] = task
	s.metrics.SetPending(len(s.tasks))
	s.mu.Unlock()

	s.signal()
	return nil
}

// Cancel disarms id and reports whether a task was pending.
// A task already handed to a worker is only flagged: it will not call the Expirer
// unless it has already started to.
func (s *ExpiryScheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	s.cancelLocked(task)
	s.metrics.SetPending(len(s.tasks))
	return true
}

// Recover re-arms expiries read back from storage, keeping their original
// absolute deadlines. It may only run once per scheduler.
func (s *ExpiryScheduler) Recover(pending []domain.Expiry) error {
	s.mu.Lock()
	if s.recovered {
		s.mu.Unlock()
		return errors.ErrAlreadyRecovered
	}
	s.recovered = true
	s.mu.Unlock()

	now := s.now()
	overdue := 0
	for _, expiry := range pending {
		if !expiry.ExpiresAt.After(now) {
			overdue++
		}
		if err := s.Schedule(expiry.ID, expiry.ExpiresAt); err != nil {
			return err
		}
	}
	s.metrics.AddRecovered(len(pending))
	s.log.Info("Expiries recovered", "total", len(pending), "overdue", overdue)
	return nil
}

// Workers returns the timer worker followed by the expiry worker pool,
// to be run under a supervisor.
func (s *ExpiryScheduler) Workers() []contract.Worker {
	res := []contract.Worker{&ExpiryTimerWorker{scheduler: s}}
	for i := 0; i < s.numWorkers; i++ {
		res = append(res, &ExpiryWorker{scheduler: s})
	}
	return res
}

func (s *ExpiryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every pending task and refuses new ones.
// Workers must be stopped first so no Expirer call is in flight.
func (s *ExpiryScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, task := range s.tasks {
		task.cancelled = true
	}
	dropped := len(s.tasks)
	s.tasks = make(map[uuid.UUID]*expiryTask)
	s.queue = nil
	s.metrics.SetPending(0)
	s.log.Info("Expiry scheduler closed", "dropped", dropped)
}

func (s *ExpiryScheduler) cancelLocked(task *expiryTask) {
	task.cancelled = true
	if task.index >= 0 {
		heap.Remove(&s.queue, task.index)
	}
	if s.tasks[task.id] == task {
		delete(s.tasks, task.id)
	}
}

// popDue removes every task whose deadline has passed. When tasks remain,
// wait is the delay until the earliest one.
func (s *ExpiryScheduler) popDue() (due []*expiryTask, wait time.Duration, armed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.expiresAt.After(now) {
			return due, next.expiresAt.Sub(now), true
		}
		due = append(due, heap.Pop(&s.queue).(*expiryTask))
	}
	return due, 0, false
}

func (s *ExpiryScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *ExpiryScheduler) fire(ctx context.Context, task *expiryTask) {
	defer s.release(task)
	if s.isCancelled(task) {
		s.log.Debug("Expiry cancelled before firing", "id", task.id)
		return
	}
	s.metrics.ObserveLag(s.now().Sub(task.expiresAt))

	deleted, err := s.expire(ctx, task.id)
	if err != nil {
		s.metrics.IncFaults()
		s.log.Error("Scheduled deletion failed, not retrying", "id", task.id,
			"error", fmt.Errorf("%w: %w", errors.ErrSchedulerFault, err))
		return
	}
	if deleted {
		s.log.Info("Record self-destructed", "id", task.id, "expires_at", task.expiresAt)
		return
	}
	s.log.Debug("Record already gone at expiry", "id", task.id)
}

// expire isolates a panicking Expirer to the task that triggered it.
func (s *ExpiryScheduler) expire(ctx context.Context, id uuid.UUID) (deleted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
		}
	}()
	return s.expirer.Expire(ctx, id)
}

func (s *ExpiryScheduler) isCancelled(task *expiryTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return task.cancelled
}

func (s *ExpiryScheduler) release(task *expiryTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[task.id] == task {
		delete(s.tasks, task.id)
		s.metrics.SetPending(len(s.tasks))
	}
}

// ExpiryTimerWorker sleeps until the earliest deadline, or until a new task is
// scheduled, and hands due tasks to the expiry workers.
type ExpiryTimerWorker struct {
	scheduler *ExpiryScheduler
}

func (w *ExpiryTimerWorker) Run(ctx context.Context) error {
	s := w.scheduler
	for {
		due, wait, armed := s.popDue()
		for _, task := range due {
			select {
			case s.due <- task:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(due) > 0 {
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if armed {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// ExpiryWorker runs the deletion of due tasks, one at a time.
type ExpiryWorker struct {
	scheduler *ExpiryScheduler
}

func (w *ExpiryWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-w.scheduler.due:
			w.scheduler.fire(ctx, task)
		}
	}
}
