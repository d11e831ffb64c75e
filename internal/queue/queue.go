package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/ttypes"
)

// DefaultMaxConcurrent is the number of tasks run at once when unset.
const DefaultMaxConcurrent = 2

// ErrClosed is returned by Wait once the scheduler is closed with work
// outstanding.
var ErrClosed = errors.New("scheduler is closed")

// Task is a unit of prefetch work. Lower Priority runs sooner; tasks with
// equal priority run in enqueue order. ID is the cache key the task fills.
type Task struct {
	ID       ttypes.CacheKey
	Priority int
	Execute  func(ctx context.Context) error
}

// Checker reports whether a key is already cached.
type Checker interface {
	Has(key ttypes.CacheKey) bool
}

// Options configures a Scheduler.
type Options struct {
	// MaxConcurrent bounds the number of tasks running at once.
	MaxConcurrent int

	// Checker, when set, makes Enqueue skip keys that are already cached.
	Checker Checker

	Logger *log.Logger
}

// Stats tracks scheduler activity.
type Stats struct {
	Enqueued      int64
	Skipped       int64 // Discarded as in progress, pending or cached
	Completed     int64
	Failed        int64
	Canceled      int64
	Pending       int
	Active        int
	PeakActive    int
	LastCompleted time.Time
}

// Scheduler runs prefetch tasks in priority order with bounded concurrency.
// A key is never run twice at the same time and never queued twice.
type Scheduler struct {
	maxConcurrent int
	checker       Checker
	log           *log.Logger

	// ctx is handed to every task and canceled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	idle       *sync.Cond
	pending    *priorityQueue
	byID       map[ttypes.CacheKey]*queueItem
	inProgress map[ttypes.CacheKey]struct{}
	active     int
	seq        uint64
	closed     bool
	stats      Stats
}

// NewScheduler creates a scheduler.
func NewScheduler(opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		maxConcurrent: opts.MaxConcurrent,
		checker:       opts.Checker,
		log:           opts.Logger.WithPrefix("queue"),
		ctx:           ctx,
		cancel:        cancel,
		pending:       &priorityQueue{},
		byID:          make(map[ttypes.CacheKey]*queueItem),
		inProgress:    make(map[ttypes.CacheKey]struct{}),
	}
	heap.Init(s.pending)
	s.idle = sync.NewCond(&s.mu)

	return s
}

// Enqueue adds task unless its key is already in progress, already pending
// or already cached. A pending duplicate with a more urgent priority moves
// the pending task forward instead. It reports whether task was queued.
func (s *Scheduler) Enqueue(task Task) bool {
	if task.Execute == nil {
		return false
	}

	// Checked before taking the lock so that backend I/O never blocks
	// other enqueues or completions.
	cached := s.checker != nil && s.checker.Has(task.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if _, ok := s.inProgress[task.ID]; ok {
		s.stats.Skipped++
		return false
	}

	if item, ok := s.byID[task.ID]; ok {
		if task.Priority < item.task.Priority {
			item.task.Priority = task.Priority
			heap.Fix(s.pending, item.index)
		}
		s.stats.Skipped++
		return false
	}

	if cached {
		s.log.Debug("Already cached", "key", task.ID)
		s.stats.Skipped++
		return false
	}

	s.seq++
	item := &queueItem{task: task, seq: s.seq}
	heap.Push(s.pending, item)
	s.byID[task.ID] = item
	s.stats.Enqueued++

	s.drainLocked()
	return true
}

// PreloadAhead enqueues tasks[start:start+count] with priority equal to the
// distance from start, so the task at start is the most urgent. It returns
// the number of tasks queued.
func (s *Scheduler) PreloadAhead(start int, tasks []Task, count int) int {
	if start < 0 || count <= 0 || start >= len(tasks) {
		return 0
	}

	end := min(start+count, len(tasks))
	queued := 0
	for i := start; i < end; i++ {
		task := tasks[i]
		task.Priority = i - start
		if s.Enqueue(task) {
			queued++
		}
	}
	return queued
}

// Cancel removes a pending task. Running tasks are not interrupted. It
// reports whether a task was removed.
func (s *Scheduler) Cancel(id ttypes.CacheKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(s.pending, item.index)
	delete(s.byID, id)
	s.stats.Canceled++
	s.idle.Broadcast()

	return true
}

// ClearPending drops every pending task and returns how many were dropped.
func (s *Scheduler) ClearPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clearPendingLocked()
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Len()
}

// Active returns the number of running tasks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// InProgress reports whether a task for id is running.
func (s *Scheduler) InProgress(id ttypes.CacheKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.inProgress[id]
	return ok
}

// Stats returns a snapshot of scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Pending = s.pending.Len()
	stats.Active = s.active
	return stats
}

// Wait blocks until no task is pending or running, ctx is done, or the
// scheduler is closed.
func (s *Scheduler) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.idle.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.active > 0 || s.pending.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.closed {
			return ErrClosed
		}
		s.idle.Wait()
	}
	return nil
}

// Close drops pending tasks, cancels the context of running tasks and waits
// for them to return.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.clearPendingLocked()
	s.mu.Unlock()

	s.cancel()

	s.mu.Lock()
	for s.active > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Debug("Dropped pending tasks on close", "count", dropped)
	}
	return nil
}

// drainLocked starts pending tasks while there is capacity (must be called
// with lock held).
func (s *Scheduler) drainLocked() {
	for !s.closed && s.active < s.maxConcurrent && s.pending.Len() > 0 {
		item := heap.Pop(s.pending).(*queueItem)
		delete(s.byID, item.task.ID)

		s.inProgress[item.task.ID] = struct{}{}
		s.active++
		if s.active > s.stats.PeakActive {
			s.stats.PeakActive = s.active
		}

		go s.run(item.task)
	}
}

// run executes one task and starts the next.
func (s *Scheduler) run(task Task) {
	err := s.execute(task)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.active--
	delete(s.inProgress, task.ID)
	s.stats.LastCompleted = time.Now()

	if err != nil {
		s.stats.Failed++
		if errors.Is(err, context.Canceled) {
			s.log.Debug("Task canceled", "key", task.ID)
		} else {
			s.log.Warn("Prefetch failed", "key", task.ID, "err", err)
		}
	} else {
		s.stats.Completed++
	}

	s.drainLocked()
	s.idle.Broadcast()
}

func (s *Scheduler) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Execute(s.ctx)
}

// clearPendingLocked empties the queue (must be called with lock held).
func (s *Scheduler) clearPendingLocked() int {
	n := s.pending.Len()
	*s.pending = (*s.pending)[:0]
	s.byID = make(map[ttypes.CacheKey]*queueItem)
	s.stats.Canceled += int64(n)
	s.idle.Broadcast()
	return n
}

// Priority queue implementation using a heap
type queueItem struct {
	task  Task
	seq   uint64
	index int // Index in the heap
}

type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	// Lower priority values come first, then insertion order
	if pq[i].task.Priority != pq[j].task.Priority {
		return pq[i].task.Priority < pq[j].task.Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*queueItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.index = -1 // For safety
	*pq = old[0 : n-1]
	return item
}
