package mutation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhouzirui/circlechat/internal/service/mutation"
)

func TestQueueRunsInSubmissionOrder(t *testing.T) {
	q := mutation.New("test")
	defer q.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Submit(func() { got = append(got, i) })
	}
	if err := q.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("do: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("op %d ran out of order (got %d)", i, v)
		}
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 ops, got %d", len(got))
	}
}

func TestQueueNeverInterleaves(t *testing.T) {
	q := mutation.New("test")
	defer q.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Submit(func() {
					n := atomic.AddInt32(&running, 1)
					if n > atomic.LoadInt32(&maxRunning) {
						atomic.StoreInt32(&maxRunning, n)
					}
					time.Sleep(10 * time.Microsecond)
					atomic.AddInt32(&running, -1)
				})
			}
		}()
	}
	wg.Wait()
	if err := q.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if maxRunning != 1 {
		t.Fatalf("expected at most one op at a time, saw %d", maxRunning)
	}
}

func TestQueueOpCanSubmitFollowUp(t *testing.T) {
	q := mutation.New("test")
	defer q.Close()

	done := make(chan struct{})
	q.Submit(func() {
		q.Submit(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("follow-up op never ran")
	}
}

func TestQueueSurvivesPanickingOp(t *testing.T) {
	q := mutation.New("test")
	defer q.Close()

	q.Submit(func() { panic("boom") })
	ran := false
	if err := q.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatalf("expected op after panic to run")
	}
}

func TestQueueCloseDrainsAndRejects(t *testing.T) {
	q := mutation.New("test")

	var count int32
	for i := 0; i < 10; i++ {
		q.Submit(func() { atomic.AddInt32(&count, 1) })
	}
	q.Close()
	q.Close()

	if atomic.LoadInt32(&count) != 10 {
		t.Fatalf("expected queued ops to drain, ran %d", count)
	}
	if q.Submit(func() { t.Errorf("op ran after close") }) {
		t.Fatalf("expected submit after close to be rejected")
	}
	if err := q.Do(context.Background(), func() {}); !errors.Is(err, mutation.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if !q.Closed() {
		t.Fatalf("expected Closed to report true")
	}
}

func TestQueueDoHonoursContext(t *testing.T) {
	q := mutation.New("test")
	defer q.Close()

	release := make(chan struct{})
	q.Submit(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Do(ctx, func() {})
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type gauge struct{ last atomic.Value }

func (g *gauge) Set(v float64) { g.last.Store(v) }

func TestQueueReportsDepth(t *testing.T) {
	g := &gauge{}
	q := mutation.New("test", mutation.WithDepthObserver(g))
	defer q.Close()

	if err := q.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if v, _ := g.last.Load().(float64); v != 0 {
		t.Fatalf("expected empty queue depth 0, got %v", v)
	}
}
