package scheduler

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
)

// taskHeap implements heap.Interface ordered by priority, then enqueue time,
// then admission sequence. It is not safe for concurrent use on its own.
type taskHeap []*model.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return taskLess(h[i], h[j]) }

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*model.Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// taskLess is a strict total order over pending tasks
func taskLess(a, b *model.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// QueueStats summarizes the queue for health reporting
type QueueStats struct {
	Depth     int
	OldestAge time.Duration
}

// TaskQueue is the priority queue of pending tasks. All mutations are
// serialized by a single mutex.
type TaskQueue struct {
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
	tasks  taskHeap
	seq    uint64
	ready  chan struct{}
}

// NewTaskQueue creates an empty task queue
func NewTaskQueue(logger *zap.Logger) *TaskQueue {
	return &TaskQueue{
		logger: logger.Named("task-queue"),
		now:    time.Now,
		ready:  make(chan struct{}, 1),
	}
}

// SetClock overrides the time source used for enqueue timestamps
func (q *TaskQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue admits a new task. It always succeeds.
func (q *TaskQueue) Enqueue(priority model.TaskPriority, payload model.TaskPayload) *model.Task {
	q.mu.Lock()
	q.seq++
	task := &model.Task{
		ID:         uuid.New().String(),
		Type:       payload.TaskType(),
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: q.now(),
		Seq:        q.seq,
	}
	heap.Push(&q.tasks, task)
	depth := len(q.tasks)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	q.logger.Info("Task enqueued",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Stringer("priority", task.Priority),
		zap.Int("queue_length", depth))

	return task
}

// DequeueNext removes and returns the next task in priority order
func (q *TaskQueue) DequeueNext() (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	return heap.Pop(&q.tasks).(*model.Task), true
}

// PeekAll returns a snapshot of pending tasks in dequeue order
func (q *TaskQueue) PeekAll() []model.TaskView {
	q.mu.Lock()
	tasks := make([]*model.Task, len(q.tasks))
	copy(tasks, q.tasks)
	now := q.now()
	q.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return taskLess(tasks[i], tasks[j]) })

	views := make([]model.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, model.TaskView{Task: t, Age: t.Age(now).Seconds()})
	}
	return views
}

// Clear discards every pending task and returns how many were removed
func (q *TaskQueue) Clear() int {
	q.mu.Lock()
	n := len(q.tasks)
	q.tasks = nil
	q.mu.Unlock()

	q.logger.Info("Queue cleared", zap.Int("cleared", n))
	return n
}

// Len returns the number of pending tasks
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Stats returns the queue depth and the age of the oldest pending task
func (q *TaskQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{Depth: len(q.tasks)}
	now := q.now()
	for _, t := range q.tasks {
		if age := t.Age(now); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats
}

// Ready signals after tasks are enqueued. Signals are coalesced.
func (q *TaskQueue) Ready() <-chan struct{} {
	return q.ready
}
