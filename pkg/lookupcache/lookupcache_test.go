package lookupcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetCachesWithinTTL(t *testing.T) {
	var loads int32
	table := NewTable("keywords", time.Minute, func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(&loads, 1)
		return []string{"viagra"}, nil
	})

	for i := 0; i < 5; i++ {
		v, err := table.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(v) != 1 || v[0] != "viagra" {
			t.Fatalf("unexpected value %v", v)
		}
	}

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Errorf("expected 1 load, got %d", n)
	}
}

func TestGetReloadsAfterTTL(t *testing.T) {
	var loads int32
	table := NewTable("keywords", 10*time.Millisecond, func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&loads, 1)), nil
	})

	v1, _ := table.Get(context.Background())
	time.Sleep(20 * time.Millisecond)
	v2, _ := table.Get(context.Background())

	if v1 != 1 || v2 != 2 {
		t.Errorf("expected reload after TTL, got %d then %d", v1, v2)
	}
}

func TestGetServesStaleOnReloadFailure(t *testing.T) {
	var loads int32
	table := NewTable("countries", 10*time.Millisecond, func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&loads, 1) > 1 {
			return "", errors.New("db down")
		}
		return "GB", nil
	})

	v, err := table.Get(context.Background())
	if err != nil || v != "GB" {
		t.Fatalf("initial load failed: %v %v", v, err)
	}

	time.Sleep(20 * time.Millisecond)

	v, err = table.Get(context.Background())
	if err != nil {
		t.Fatalf("expected stale value, got error %v", err)
	}
	if v != "GB" {
		t.Errorf("expected stale GB, got %q", v)
	}
}

func TestGetFailsWhenNeverLoaded(t *testing.T) {
	table := NewTable("keywords", time.Minute, func(ctx context.Context) ([]string, error) {
		return nil, errors.New("db down")
	})
	if _, err := table.Get(context.Background()); err == nil {
		t.Error("expected error when initial load fails")
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	var loads int32
	table := NewTable("whitelist", time.Hour, func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&loads, 1)), nil
	})

	table.Get(context.Background())
	table.Invalidate()
	v, _ := table.Get(context.Background())
	if v != 2 {
		t.Errorf("expected reload after invalidate, got %d", v)
	}
}

func TestConcurrentGetSingleLoad(t *testing.T) {
	var loads int32
	release := make(chan struct{})
	table := NewTable("slow", time.Minute, func(ctx context.Context) (bool, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return true, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			table.Get(context.Background())
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Errorf("expected singleflight to collapse loads, got %d", n)
	}
}
