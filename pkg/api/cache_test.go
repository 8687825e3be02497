package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestResponseCacheReusesWithinTTL proves one loader call serves repeated
// lookups and that callers get private copies of the stored bytes.
func TestResponseCacheReusesWithinTTL(t *testing.T) {
	cache := NewResponseCache(time.Minute)
	defer cache.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"n":1}`), nil
	}

	first, err := cache.Get(ctx, "stats", loader)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	first[0] = 'X' // must not poison the stored copy

	second, err := cache.Get(ctx, "stats", loader)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader calls = %d, want 1", calls)
	}
	if string(second) != `{"n":1}` {
		t.Fatalf("cached copy corrupted: %q", second)
	}
}

func TestResponseCacheExpires(t *testing.T) {
	cache := NewResponseCache(50 * time.Millisecond)
	defer cache.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) ([]byte, error) {
		calls++
		return []byte("payload"), nil
	}

	if _, err := cache.Get(ctx, "k", loader); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := cache.Get(ctx, "k", loader); err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("loader calls = %d, want 2 after expiry", calls)
	}
}

func TestResponseCacheDoesNotStoreErrors(t *testing.T) {
	cache := NewResponseCache(time.Minute)
	defer cache.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}

	if _, err := cache.Get(ctx, "k", loader); err == nil {
		t.Fatal("first Get should surface the loader error")
	}
	data, err := cache.Get(ctx, "k", loader)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if string(data) != "ok" || calls != 2 {
		t.Fatalf("retry after error: data=%q calls=%d", data, calls)
	}
}

// TestResponseCacheEvictsOldest fills the store past its cap and checks that
// the earliest entry was dropped while the newest survives.
func TestResponseCacheEvictsOldest(t *testing.T) {
	cache := NewResponseCache(time.Minute)
	defer cache.Close()
	ctx := context.Background()

	counts := make(map[string]int)
	loaderFor := func(key string) func(context.Context) ([]byte, error) {
		return func(context.Context) ([]byte, error) {
			counts[key]++
			return []byte(key), nil
		}
	}

	for i := 0; i <= maxCacheEntries; i++ {
		key := fmt.Sprintf("window-%d", i)
		if _, err := cache.Get(ctx, key, loaderFor(key)); err != nil {
			t.Fatalf("Get %s: %v", key, err)
		}
	}

	// window-0 expired first in insertion order, so the overflow insert
	// evicted it; asking again must call its loader a second time.
	if _, err := cache.Get(ctx, "window-0", loaderFor("window-0")); err != nil {
		t.Fatalf("Get window-0: %v", err)
	}
	if counts["window-0"] != 2 {
		t.Fatalf("window-0 loads = %d, want 2", counts["window-0"])
	}

	last := fmt.Sprintf("window-%d", maxCacheEntries)
	if _, err := cache.Get(ctx, last, loaderFor(last)); err != nil {
		t.Fatalf("Get %s: %v", last, err)
	}
	if counts[last] != 1 {
		t.Fatalf("%s loads = %d, want 1 (still cached)", last, counts[last])
	}
}

func TestResponseCacheNilIsDisabled(t *testing.T) {
	var cache *ResponseCache
	if _, err := cache.Get(context.Background(), "k", nil); !errors.Is(err, errCacheDisabled) {
		t.Fatalf("nil cache error = %v, want %v", err, errCacheDisabled)
	}
	if NewResponseCache(0) != nil {
		t.Fatal("zero TTL should disable the cache")
	}
	cache.Close() // must not panic
}
