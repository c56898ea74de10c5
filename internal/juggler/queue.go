package juggler

import (
	"sync"

	"horus-server/internal/models"
)

// DefaultCapacity bounds how many job payloads are held in memory at once.
const DefaultCapacity = 4

// Queue is a bounded FIFO of claimed jobs.
type Queue struct {
	mu       sync.Mutex
	items    []models.Job
	capacity int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity, items: make([]models.Job, 0, capacity)}
}

// Push appends a job. It reports false when the queue is full.
func (q *Queue) Push(job models.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, job)
	return true
}

// PushFront returns a job to the head, used when it could not be started.
func (q *Queue) PushFront(job models.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append([]models.Job{job}, q.items...)
	return true
}

func (q *Queue) Pop() (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.Job{}, false
	}
	job := q.items[0]
	q.items[0] = models.Job{}
	q.items = q.items[1:]
	return job, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Free is the number of slots left before the queue is full.
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity - len(q.items)
}

func (q *Queue) Capacity() int { return q.capacity }
