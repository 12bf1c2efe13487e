package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		if !q.Enqueue(i) {
			t.Fatalf("Expected enqueue %d to succeed", i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Expected length 5, got %d", q.Len())
	}

	for i := 0; i < 5; i++ {
		v, ok := q.Dequeue(context.Background())
		if !ok || v != i {
			t.Errorf("Expected %d, got %d (ok=%v)", i, v, ok)
		}
	}

	if !q.IsEmpty() {
		t.Error("Expected queue to be empty")
	}
}

func TestQueue_CloseDrainsRemaining(t *testing.T) {
	q := New[string]()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Close()

	if q.Enqueue("c") {
		t.Error("Expected enqueue after close to fail")
	}

	for _, want := range []string{"a", "b"} {
		got, ok := q.Dequeue(context.Background())
		if !ok || got != want {
			t.Errorf("Expected %q, got %q (ok=%v)", want, got, ok)
		}
	}

	if _, ok := q.Dequeue(context.Background()); ok {
		t.Error("Expected closed and drained queue to report end of sequence")
	}
}

func TestQueue_DequeueWaitsForProducer(t *testing.T) {
	q := New[int]()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Enqueue(i)
		}
		q.Close()
	}()

	expected := 0
	for {
		v, ok := q.Dequeue(context.Background())
		if !ok {
			break
		}
		if v != expected {
			t.Fatalf("Expected %d, got %d", expected, v)
		}
		expected++
	}
	wg.Wait()

	if expected != n {
		t.Errorf("Expected %d items, got %d", n, expected)
	}
}

func TestQueue_DequeueContextCancel(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := q.Dequeue(ctx); ok {
		t.Error("Expected dequeue on empty queue to stop when context is done")
	}
}

func TestQueue_TryDequeue(t *testing.T) {
	q := New[int]()
	if _, ok := q.TryDequeue(); ok {
		t.Error("Expected TryDequeue on empty queue to fail")
	}
	q.Enqueue(7)
	if v, ok := q.TryDequeue(); !ok || v != 7 {
		t.Errorf("Expected 7, got %d (ok=%v)", v, ok)
	}
}
