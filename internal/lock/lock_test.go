package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Obtain(ctx, "condo-1", time.Second)
			if err != nil {
				t.Errorf("Obtain() error = %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			_ = lease.Release(ctx)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen)
	}
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	a, err := l.Obtain(ctx, "condo-a", time.Second)
	if err != nil {
		t.Fatalf("Obtain(a) error = %v", err)
	}
	defer a.Release(ctx)

	b, err := l.Obtain(ctx, "condo-b", time.Second)
	if err != nil {
		t.Fatalf("Obtain(b) error = %v", err)
	}
	_ = b.Release(ctx)
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	held, err := l.Obtain(context.Background(), "condo-1", time.Second)
	if err != nil {
		t.Fatalf("Obtain() error = %v", err)
	}
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Obtain(ctx, "condo-1", time.Second); !errors.Is(err, ErrNotObtained) {
		t.Fatalf("Obtain() error = %v, want ErrNotObtained", err)
	}
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	lease, _ := l.Obtain(ctx, "k", time.Second)
	_ = lease.Release(ctx)
	_ = lease.Release(ctx)

	again, err := l.Obtain(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Obtain() after release error = %v", err)
	}
	_ = again.Release(ctx)
}
