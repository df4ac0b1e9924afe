package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	c "github.com/pvik/fleetd/internal/config"
)

func testQueue(workers int) *Queue {
	return New(c.WorkerConfig{Workers: workers, QueueBuffer: 8})
}

func TestQueueRunsTasks(t *testing.T) {
	q := testQueue(2)
	var mu sync.Mutex
	got := map[string]bool{}
	q.Register(TaskDeployInstance, func(ctx context.Context, task Task) error {
		mu.Lock()
		got[task.Args["instance-id"]] = true
		mu.Unlock()
		return nil
	})
	q.Start(context.Background())

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, TaskDeployInstance, map[string]string{"instance-id": id}); err != nil {
			t.Fatal(err)
		}
	}
	q.Stop()

	if len(got) != 3 {
		t.Errorf("ran %v", got)
	}
}

func TestQueueUnknownAndClosed(t *testing.T) {
	q := testQueue(1)
	q.Register(TaskRunBatch, func(context.Context, Task) error { return nil })
	q.Start(context.Background())

	if err := q.Enqueue(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("unknown task err = %v", err)
	}
	q.Stop()
	q.Stop()
	if err := q.Enqueue(context.Background(), TaskRunBatch, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue after stop = %v", err)
	}
}

func TestWorkerRestartsAfterPanic(t *testing.T) {
	q := testQueue(1)
	done := make(chan string, 2)
	q.Register(TaskDeployInstance, func(ctx context.Context, task Task) error {
		if task.Args["panic"] == "yes" {
			panic(errors.New("handler exploded"))
		}
		done <- task.Args["instance-id"]
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	ctx := context.Background()
	q.Enqueue(ctx, TaskDeployInstance, map[string]string{"panic": "yes"})
	q.Enqueue(ctx, TaskDeployInstance, map[string]string{"instance-id": "after"})

	select {
	case id := <-done:
		if id != "after" {
			t.Errorf("got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not restart after panic")
	}
}

func TestEnqueueHonoursContext(t *testing.T) {
	q := New(c.WorkerConfig{Workers: 1, QueueBuffer: 0})
	block := make(chan struct{})
	q.Register(TaskRunBatch, func(context.Context, Task) error {
		<-block
		return nil
	})
	q.Start(context.Background())
	defer func() {
		close(block)
		q.Stop()
	}()

	// first task occupies the only worker
	if err := q.Enqueue(context.Background(), TaskRunBatch, nil); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, TaskRunBatch, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
