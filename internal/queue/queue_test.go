package queue

import (
	"fmt"
	"sync"
	"testing"
)

// TestNew verifies that New initializes the queue with the given jobs.
func TestNew(t *testing.T) {
	q := New()
	if q.Len() != 0 {
		t.Errorf("empty queue length was %d, expected 0", q.Len())
	}

	q = New("a", "b", "c")
	if q.Len() != 3 {
		t.Errorf("queue length was %d, expected 3", q.Len())
	}
}

// TestPushPop verifies push and pop on a single goroutine.
func TestPushPop(t *testing.T) {
	q := New()

	if job, ok := q.Pop(); ok {
		t.Errorf("Pop from empty queue returned %q, expected nothing", job)
	}

	q.Push("one")
	q.Push("two")
	if q.Len() != 2 {
		t.Errorf("after two pushes, length was %d, expected 2", q.Len())
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d reported empty queue", i)
		}
		seen[job] = true
	}
	if !seen["one"] || !seen["two"] {
		t.Errorf("popped %v, expected one and two", seen)
	}

	if _, ok := q.Pop(); ok {
		t.Error("queue should be drained")
	}
}

// TestConcurrentPopExactlyOnce checks that concurrent consumers never receive
// the same job twice and that no job is lost.
func TestConcurrentPopExactlyOnce(t *testing.T) {
	const jobs = 5000
	const consumers = 16

	q := New()
	for i := 0; i < jobs; i++ {
		q.Push(fmt.Sprintf("job-%d", i))
	}

	var mu sync.Mutex
	counts := make(map[string]int, jobs)

	var wg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := q.Pop()
				if !ok {
					return
				}
				mu.Lock()
				counts[job]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(counts) != jobs {
		t.Fatalf("received %d distinct jobs, expected %d", len(counts), jobs)
	}
	for job, n := range counts {
		if n != 1 {
			t.Errorf("job %s delivered %d times", job, n)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue length after drain was %d, expected 0", q.Len())
	}
}
