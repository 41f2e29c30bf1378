package entitylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLocker(t *testing.T) *Locker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, 5*time.Second)
}

func TestWithLockRunsFn(t *testing.T) {
	l := testLocker(t)

	ran := false
	err := l.WithLock(context.Background(), "refund-1", func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("with lock: %v", err)
	}
	if !ran {
		t.Fatalf("fn did not run")
	}
}

func TestWithLockPropagatesError(t *testing.T) {
	l := testLocker(t)

	want := errors.New("transition rejected")
	err := l.WithLock(context.Background(), "refund-1", func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestWithLockSerializes(t *testing.T) {
	l := testLocker(t)
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "refund-1", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("with lock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("critical section overlapped: max concurrency %d", maxInside)
	}
}

func TestWithLockDifferentEntitiesIndependent(t *testing.T) {
	l := testLocker(t)
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = l.WithLock(ctx, "refund-1", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- l.WithLock(ctx, "refund-2", func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("independent entity blocked: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("lock on a different entity should not block")
	}
}
