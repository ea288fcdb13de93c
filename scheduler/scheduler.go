// Package scheduler dispatches tasks to a set of handlers in round robin
// order.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/panjf2000/ants/v2"
)

var (
	log = golog.LoggerFor("regiondb.scheduler")

	// ErrNotRepeating is returned by ScheduleRepeating when the scheduler can
	// only run tasks inline. The task will have run exactly once.
	ErrNotRepeating = errors.New("scheduler runs tasks synchronously, repeating task ran once")
)

// Task is a unit of work.
type Task func()

// Handler runs tasks.
type Handler interface {
	// Handle runs or queues task.
	Handle(task Task) error

	// ScheduleRepeating runs task after initialDelay and then every period
	// until the returned stop function is called.
	ScheduleRepeating(task Task, initialDelay time.Duration, period time.Duration) (stop func(), err error)

	Close() error
}

// Scheduler distributes tasks across its handlers.
type Scheduler struct {
	handlers []Handler
	next     uint64
}

// New creates a scheduler over handlers. Without handlers, tasks run inline
// on the caller's goroutine.
func New(handlers ...Handler) *Scheduler {
	if len(handlers) == 0 {
		handlers = []Handler{Synchronous()}
	}
	return &Scheduler{handlers: handlers}
}

func (s *Scheduler) nextHandler() Handler {
	idx := atomic.AddUint64(&s.next, 1) - 1
	return s.handlers[idx%uint64(len(s.handlers))]
}

// Dispatch hands task to the next handler.
func (s *Scheduler) Dispatch(task Task) error {
	return s.nextHandler().Handle(task)
}

// ScheduleRepeating schedules task on the next handler. If that handler is
// synchronous, the task runs once immediately and ErrNotRepeating is returned.
func (s *Scheduler) ScheduleRepeating(task Task, initialDelay time.Duration, period time.Duration) (stop func(), err error) {
	return s.nextHandler().ScheduleRepeating(task, initialDelay, period)
}

// Close closes all handlers.
func (s *Scheduler) Close() error {
	var firstErr error
	for _, h := range s.handlers {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type synchronous struct{}

// Synchronous runs tasks inline.
func Synchronous() Handler {
	return synchronous{}
}

func (h synchronous) Handle(task Task) error {
	task()
	return nil
}

func (h synchronous) ScheduleRepeating(task Task, initialDelay time.Duration, period time.Duration) (func(), error) {
	task()
	return func() {}, ErrNotRepeating
}

func (h synchronous) Close() error {
	return nil
}

type goroutine struct{}

// Goroutine runs every task on its own goroutine.
func Goroutine() Handler {
	return goroutine{}
}

func (h goroutine) Handle(task Task) error {
	go task()
	return nil
}

func (h goroutine) ScheduleRepeating(task Task, initialDelay time.Duration, period time.Duration) (func(), error) {
	return repeat(h.Handle, task, initialDelay, period), nil
}

func (h goroutine) Close() error {
	return nil
}

type pool struct {
	pool *ants.Pool
}

// Pool runs tasks on a bounded pool of size workers. Handle blocks while all
// workers are busy.
func Pool(size int) (Handler, error) {
	p, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		log.Errorf("Task panicked: %v", v)
	}))
	if err != nil {
		return nil, errors.New("Unable to create pool of %d: %v", size, err)
	}
	return &pool{pool: p}, nil
}

func (h *pool) Handle(task Task) error {
	return h.pool.Submit(task)
}

func (h *pool) ScheduleRepeating(task Task, initialDelay time.Duration, period time.Duration) (func(), error) {
	return repeat(h.Handle, task, initialDelay, period), nil
}

func (h *pool) Close() error {
	return h.pool.ReleaseTimeout(3 * time.Second)
}

func repeat(handle func(Task) error, task Task, initialDelay time.Duration, period time.Duration) func() {
	stopCh := make(chan interface{})
	var once sync.Once
	go func() {
		timer := time.NewTimer(initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-timer.C:
				if err := handle(task); err != nil {
					log.Errorf("Unable to run repeating task: %v", err)
				}
				timer.Reset(period)
			}
		}
	}()
	return func() {
		once.Do(func() {
			close(stopCh)
		})
	}
}
