// Package queue hands transcode jobs from producers to worker processes.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodforge/internal/observability/metrics"
)

// ErrWatchIDRequired is returned when a job is published without a video.
var ErrWatchIDRequired = errors.New("watch id is required")

// Job asks a worker to transcode one video.
type Job struct {
	ID         string    `json:"id"`
	WatchID    string    `json:"watchId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue distributes jobs to subscribers. Each published job is delivered to
// exactly one subscriber.
type Queue interface {
	Publish(ctx context.Context, watchID string) (Job, error)
	Subscribe() Subscription
}

// Subscription is an active job stream. Jobs is closed once the subscription
// has been closed and any job held by it has been handed back to the queue.
type Subscription interface {
	Jobs() <-chan Job
	Close()
}

func newJob(watchID string) (Job, error) {
	watchID = strings.TrimSpace(watchID)
	if watchID == "" {
		return Job{}, ErrWatchIDRequired
	}
	return Job{ID: uuid.NewString(), WatchID: watchID, EnqueuedAt: time.Now().UTC()}, nil
}

// NewMemoryQueue initialises an in-process work queue suitable for tests and
// single-binary deployments. Publish blocks while buffer jobs are waiting.
func NewMemoryQueue(buffer int, recorder *metrics.Recorder) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &memoryQueue{jobs: make(chan Job, buffer), metrics: recorder}
}

type memoryQueue struct {
	jobs    chan Job
	metrics *metrics.Recorder
}

func (q *memoryQueue) Publish(ctx context.Context, watchID string) (Job, error) {
	job, err := newJob(watchID)
	if err != nil {
		return Job{}, err
	}
	select {
	case q.jobs <- job:
		q.metrics.ObserveQueue("enqueue")
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Job),
		done:  make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (q *memoryQueue) requeue(job Job) {
	q.metrics.ObserveQueue("requeue")
	select {
	case q.jobs <- job:
	default:
		go func() { q.jobs <- job }()
	}
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Job
	done  chan struct{}
}

func (s *memorySubscription) Jobs() <-chan Job {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *memorySubscription) run() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case job := <-s.queue.jobs:
			select {
			case s.ch <- job:
				s.queue.metrics.ObserveQueue("dequeue")
			case <-s.done:
				s.queue.requeue(job)
				return
			}
		}
	}
}
