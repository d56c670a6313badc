package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFIFO(t *testing.T) {
	t.Parallel()

	q := New()
	for i := int64(1); i <= 5; i++ {
		if err := q.Enqueue(Item{ID: i}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("len=%d", q.Len())
	}
	for i := int64(1); i <= 5; i++ {
		it, err := q.Dequeue(context.Background())
		if err != nil || it.ID != i {
			t.Fatalf("dequeue=%d err=%v want %d", it.ID, err, i)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := New()
	got := make(chan int64, 1)
	go func() {
		it, err := q.Dequeue(context.Background())
		if err == nil {
			got <- it.ID
		}
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Enqueue(Item{ID: 42})
	select {
	case id := <-got:
		if id != 42 {
			t.Fatalf("id=%d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue did not wake up")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestCloseDrains(t *testing.T) {
	t.Parallel()

	q := New()
	_ = q.Enqueue(Item{ID: 1})
	q.Close()
	if err := q.Enqueue(Item{ID: 2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after close err=%v", err)
	}
	if it, err := q.Dequeue(context.Background()); err != nil || it.ID != 1 {
		t.Fatalf("drain: %+v %v", it, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v", err)
	}
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	t.Parallel()

	q := New()
	const producers, per = 4, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_ = q.Enqueue(Item{ID: int64(p*per + i)})
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int64{}
	for i := 0; i < producers*per; i++ {
		it, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		p := int(it.ID) / per
		if prev, ok := last[p]; ok && it.ID <= prev {
			t.Fatalf("producer %d out of order: %d after %d", p, it.ID, prev)
		}
		last[p] = it.ID
	}
}
