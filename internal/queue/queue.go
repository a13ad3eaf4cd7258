package queue

import (
	"container/list"
	"sync"
)

// WorkQueue is an unordered multi-producer, multi-consumer queue of job paths.
// Every pushed job is handed to exactly one successful Pop.
type WorkQueue struct {
	mtx  sync.Mutex
	jobs *list.List
}

// New returns a WorkQueue pre-filled with jobs.
func New(jobs ...string) *WorkQueue {
	q := &WorkQueue{jobs: list.New()}
	for _, job := range jobs {
		q.jobs.PushBack(job)
	}
	return q
}

// Push appends a job to the queue.
func (q *WorkQueue) Push(job string) {
	q.mtx.Lock()
	q.jobs.PushBack(job)
	q.mtx.Unlock()
}

// Pop removes and returns one job. It never blocks: ok is false when the
// queue is drained.
func (q *WorkQueue) Pop() (job string, ok bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	elem := q.jobs.Front()
	if elem == nil {
		return "", false
	}
	q.jobs.Remove(elem)
	return elem.Value.(string), true
}

// Len returns the number of jobs still waiting.
func (q *WorkQueue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.jobs.Len()
}
