// Package schedule runs jobs at a future time and retries failed jobs
// with backoff.
//
// A Scheduler never sleeps inside a job. Failed attempts are put back in
// the queue with their next due time, so thousands of pending retries cost
// only memory. Time comes from a clock.Clock, which lets tests step
// through backoff schedules with RunDue instead of waiting.
package schedule

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	hberrors "github.com/randalmurphal/eventhub/pkg/eventhub/errors"
)

// Task is one unit of scheduled work. Attempts are numbered from 1.
type Task func(ctx context.Context, attempt int) error

// Exhausted describes a job that will not be attempted again.
type Exhausted struct {
	JobID    string
	Attempts int
	Err      error
}

// Job is a task with its retry policy.
type Job struct {
	// ID identifies the job in logs and in Exhausted.
	ID string

	// Run is called once per attempt.
	Run Task

	// Retry controls attempts and backoff. Jitter is ignored; delays come
	// from Retry.Delay. Zero value means the scheduler default.
	Retry hberrors.RetryConfig

	// OnExhausted is called once when the last attempt fails or the error
	// is not retryable.
	OnExhausted func(ctx context.Context, ex Exhausted)
}

// Config configures a Scheduler.
type Config struct {
	// Clock supplies the current time. Default: clock.Real().
	Clock clock.Clock

	// Retry is the policy for jobs that do not set their own.
	// Default: errors.DefaultRetry.
	Retry hberrors.RetryConfig

	// Workers bounds concurrent attempts within one RunDue call.
	// Default: 8
	Workers int

	// PollInterval is how often Run checks for due jobs.
	// Default: 100ms
	PollInterval time.Duration
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Retry:        hberrors.DefaultRetry,
	Workers:      8,
	PollInterval: 100 * time.Millisecond,
}

type entry struct {
	job     Job
	attempt int
	due     time.Time
	seq     uint64
}

type queue []*entry

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)   { *q = append(*q, x.(*entry)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Scheduler holds pending jobs ordered by due time.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	pending queue
	seq     uint64
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	wake    chan struct{}
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	return &Scheduler{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// Schedule queues the first attempt of job to run now.
func (s *Scheduler) Schedule(job Job) {
	s.ScheduleAt(job, s.cfg.Clock.Now())
}

// ScheduleAt queues the first attempt of job at the given time.
func (s *Scheduler) ScheduleAt(job Job, at time.Time) {
	if job.Retry.MaxAttempts <= 0 {
		job.Retry = s.cfg.Retry
	}
	s.push(&entry{job: job, attempt: 1, due: at})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) push(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.seq = s.seq
	heap.Push(&s.pending, e)
}

// Pending returns the number of queued attempts.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextDue returns the due time of the earliest queued attempt.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return time.Time{}, false
	}
	return s.pending[0].due, true
}

func (s *Scheduler) takeDue(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entry
	for len(s.pending) > 0 && !s.pending[0].due.After(now) {
		due = append(due, heap.Pop(&s.pending).(*entry))
	}
	return due
}

// RunDue runs every attempt due at the current clock time and returns how
// many ran. Retries scheduled by those attempts are queued for later and
// do not run in the same call.
func (s *Scheduler) RunDue(ctx context.Context) int {
	due := s.takeDue(s.cfg.Clock.Now())
	if len(due) == 0 {
		return 0
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for _, e := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(e *entry) {
			defer wg.Done()
			defer func() { <-sem }()
			s.attempt(ctx, e)
		}(e)
	}
	wg.Wait()
	return len(due)
}

func (s *Scheduler) attempt(ctx context.Context, e *entry) {
	err := s.run(ctx, e)
	if err == nil {
		return
	}

	retryable := e.job.Retry.RetryableFunc
	if retryable == nil {
		retryable = func(err error) bool { return !hberrors.IsPermanent(err) }
	}

	if e.attempt < e.job.Retry.MaxAttempts && retryable(err) && ctx.Err() == nil {
		next := &entry{
			job:     e.job,
			attempt: e.attempt + 1,
			due:     s.cfg.Clock.Now().Add(e.job.Retry.Delay(e.attempt)),
		}
		s.push(next)
		return
	}

	if e.job.OnExhausted != nil {
		e.job.OnExhausted(ctx, Exhausted{JobID: e.job.ID, Attempts: e.attempt, Err: err})
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	if timeout := e.job.Retry.AttemptTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = hberrors.Permanent(panicError{value: r}, "job "+e.job.ID)
		}
	}()
	return e.job.Run(ctx, e.attempt)
}

// Start runs due jobs in the background until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the background loop and waits for in-flight attempts.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.RunDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}
