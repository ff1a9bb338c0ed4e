package directory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLookupContainsRemove(t *testing.T) {
	d := New[string, int](nil)
	d.Add("a", 1)

	v, ok := d.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, d.Contains("a"))

	d.Remove("a")
	assert.False(t, d.Contains("a"))
}

func TestTakeRemovesAndCancelsTimer(t *testing.T) {
	var evicted int
	var mu sync.Mutex
	d := New[string, int](func(v int) {
		mu.Lock()
		evicted = v
		mu.Unlock()
	})

	d.AddTTL("a", 7, 30*time.Millisecond)
	v, ok := d.Take("a")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, evicted, "eviction hook must not fire after Take")
}

func TestTTLFiresEvictionHookExactlyOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	done := make(chan struct{})

	d := New[string, string](func(v string) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})

	d.AddTTL("k", "v", 20*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eviction hook never fired")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.False(t, d.Contains("k"))
}

func TestReAddCancelsPreviousTimer(t *testing.T) {
	var calls int
	var mu sync.Mutex
	d := New[string, int](func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	d.AddTTL("k", 1, 20*time.Millisecond)
	d.AddTTL("k", 2, 200*time.Millisecond) // must cancel the first timer

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, calls, "first timer must have been canceled, not fired")
	mu.Unlock()

	v, ok := d.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestShutdownCancelsPendingTimersAndBlocksNewTTLAdds(t *testing.T) {
	var calls int
	var mu sync.Mutex
	d := New[string, int](func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	d.AddTTL("a", 1, 20*time.Millisecond)
	d.Shutdown()

	d.AddTTL("b", 2, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
	assert.False(t, d.Contains("b"))
}

func TestConcurrentAccess(t *testing.T) {
	d := New[int, int](nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Add(i, i*i)
			d.Lookup(i)
			d.Contains(i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, d.Len())
}
