package async

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedOrderingPerKey(t *testing.T) {
	e, err := NewKeyedExecutor(4, 16)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer e.Close()

	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup

	keys := []string{"BTC-USD", "ETH-USD", "SOL-USD"}
	for i := 0; i < 30; i++ {
		i := i
		key := keys[i%len(keys)]
		wg.Add(1)
		if err := e.Submit(context.Background(), key, func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			seen[key] = append(seen[key], i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()

	for key, order := range seen {
		for i := 1; i < len(order); i++ {
			if order[i] < order[i-1] {
				t.Fatalf("key %s executed out of order: %v", key, order)
			}
		}
	}
}

func TestSubmitAfterClose(t *testing.T) {
	e, err := NewKeyedExecutor(1, 1)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	e.Close()

	if err := e.Submit(context.Background(), "k", func(context.Context) error { return nil }); err == nil {
		t.Fatal("submit after close should fail")
	}
}

func TestSubmitNilTask(t *testing.T) {
	e, err := NewKeyedExecutor(1, 1)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer e.Close()
	if err := e.Submit(context.Background(), "k", nil); err == nil {
		t.Fatal("nil task should be rejected")
	}
}

func TestOnError(t *testing.T) {
	e, err := NewKeyedExecutor(1, 4)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer e.Close()

	errored := make(chan string, 1)
	e.SetOnError(func(key string, err error) { errored <- key })

	if err := e.Submit(context.Background(), "BTC-USD", func(context.Context) error {
		return context.DeadlineExceeded
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case key := <-errored:
		if key != "BTC-USD" {
			t.Fatalf("error key = %s", key)
		}
	case <-time.After(time.Second):
		t.Fatal("onError not invoked")
	}
}

func TestShutdownWaits(t *testing.T) {
	e, err := NewKeyedExecutor(2, 4)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
