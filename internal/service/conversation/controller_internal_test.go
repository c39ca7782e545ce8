package conversation

import (
	"context"
	"sync"
	"testing"
)

type recordedReads struct {
	Backend

	mu      sync.Mutex
	indexes []int64
}

func (r *recordedReads) MarkRead(_ context.Context, _ string, index int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes = append(r.indexes, index)
	return nil
}

func TestMarkReadNeverMovesBackwards(t *testing.T) {
	reads := &recordedReads{}
	c := &Controller{id: "c1", deps: Deps{Backend: reads}, sentRead: -1}

	if err := c.markRead(context.Background(), 5); err != nil {
		t.Fatalf("mark read 5: %v", err)
	}
	if err := c.markRead(context.Background(), 4); err != nil {
		t.Fatalf("mark read 4: %v", err)
	}
	if len(reads.indexes) != 1 || reads.indexes[0] != 5 {
		t.Fatalf("expected only index 5 sent, got %v", reads.indexes)
	}
}

func TestConcurrentMarkReadsStayOrdered(t *testing.T) {
	reads := &recordedReads{}
	c := &Controller{id: "c1", deps: Deps{Backend: reads}, sentRead: -1}

	var wg sync.WaitGroup
	for i := int64(0); i < 20; i++ {
		wg.Add(1)
		go func(index int64) {
			defer wg.Done()
			_ = c.markRead(context.Background(), index)
		}(i)
	}
	wg.Wait()

	if len(reads.indexes) == 0 {
		t.Fatalf("expected at least one read mark")
	}
	for i := 1; i < len(reads.indexes); i++ {
		if reads.indexes[i] <= reads.indexes[i-1] {
			t.Fatalf("read marks went backwards: %v", reads.indexes)
		}
	}
	if last := reads.indexes[len(reads.indexes)-1]; last != 19 {
		t.Fatalf("expected the highest index to reach the server, got %d", last)
	}
}
