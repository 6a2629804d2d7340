package session

import (
	"errors"
	"sync"
)

var (
	errQueueClosed = errors.New("queue closed")
	errQueueFull   = errors.New("queue full")
)

// keyedQueue runs jobs in FIFO order per key. Different keys run
// concurrently; a key's worker exits when its lane is empty.
type keyedQueue struct {
	mu       sync.Mutex
	lanes    map[string]*lane
	maxLane  int
	closed   bool
	inFlight sync.WaitGroup
}

type lane struct {
	jobs []func()
}

func newKeyedQueue(maxLane int) *keyedQueue {
	return &keyedQueue{lanes: make(map[string]*lane), maxLane: maxLane}
}

// Submit appends job to key's lane, starting a worker if none is running.
func (q *keyedQueue) Submit(key string, job func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errQueueClosed
	}
	l, running := q.lanes[key]
	if !running {
		l = &lane{}
		q.lanes[key] = l
	}
	if q.maxLane > 0 && len(l.jobs) >= q.maxLane {
		return errQueueFull
	}
	l.jobs = append(l.jobs, job)
	if !running {
		q.inFlight.Add(1)
		go q.drain(key, l)
	}
	return nil
}

func (q *keyedQueue) drain(key string, l *lane) {
	defer q.inFlight.Done()
	for {
		q.mu.Lock()
		if len(l.jobs) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// Lanes returns the number of keys with queued or running work.
func (q *keyedQueue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close rejects new jobs and waits for queued ones to finish.
func (q *keyedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.inFlight.Wait()
}
