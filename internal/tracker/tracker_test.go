package tracker

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEndpoint struct {
	desc      string
	closes    atomic.Int32
	panicOnce atomic.Bool
}

func (f *fakeEndpoint) Close() error {
	f.closes.Add(1)
	if f.panicOnce.CompareAndSwap(true, false) {
		panic("close blew up")
	}
	return nil
}

func (f *fakeEndpoint) Description() string { return f.desc }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	tr, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tr.Shutdown() })
	return tr
}

func TestAddAssignsDistinctIDs(t *testing.T) {
	tr := newTestTracker(t, Options{})

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := tr.Add(&fakeEndpoint{desc: fmt.Sprintf("ep-%d", i)})
		if id == "" {
			t.Fatal("empty id")
		}
		if seen[id] {
			t.Fatalf("id %q assigned twice", id)
		}
		seen[id] = true
	}
}

func TestCUIDMode(t *testing.T) {
	tr := newTestTracker(t, Options{IDMode: "cuid"})
	id := tr.Add(&fakeEndpoint{desc: "ep"})
	if id == "" {
		t.Fatal("empty id")
	}
	if _, ok := tr.Get(id); !ok {
		t.Fatal("endpoint not tracked")
	}
}

func TestUnknownIDModeRejected(t *testing.T) {
	if _, err := New(Options{IDMode: "sequential", Logger: quietLogger()}); err == nil {
		t.Fatal("expected error for unsupported id mode")
	}
}

func TestRemoveClosesExactlyOnce(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ep := &fakeEndpoint{desc: "ep"}
	id := tr.Add(ep)

	tr.Remove(id)
	tr.Remove(id)

	if got := ep.closes.Load(); got != 1 {
		t.Fatalf("close called %d times, want 1", got)
	}
	if _, ok := tr.Get(id); ok {
		t.Fatal("endpoint still tracked after remove")
	}

	_, events := tr.Snapshot()
	disconnects := 0
	for _, ev := range events {
		if ev.ID == id && ev.Type == EventDisconnect {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("got %d DISCONNECT events, want 1", disconnects)
	}
}

func TestRefreshUnknownIDIsFalse(t *testing.T) {
	tr := newTestTracker(t, Options{})
	if tr.Refresh("no-such-session") {
		t.Fatal("refresh of unknown id returned true")
	}
	if tr.Len() != 0 {
		t.Fatal("refresh inserted an entry")
	}
}

func TestReaperEvictsIdleEndpoint(t *testing.T) {
	tr := newTestTracker(t, Options{
		MaxIdle:           40 * time.Millisecond,
		EvictionFrequency: 10 * time.Millisecond,
	})
	ep := &fakeEndpoint{desc: "idle"}
	id := tr.Add(ep)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.Get(id); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := tr.Get(id); ok {
		t.Fatal("endpoint not evicted")
	}
	if got := ep.closes.Load(); got != 1 {
		t.Fatalf("close called %d times, want 1", got)
	}
	if tr.Expired() != 1 {
		t.Fatalf("expired counter = %d, want 1", tr.Expired())
	}

	_, events := tr.Snapshot()
	found := false
	for _, ev := range events {
		if ev.ID == id && ev.Type == EventExpire {
			found = true
		}
	}
	if !found {
		t.Fatal("no EXPIRE event recorded")
	}
}

func TestRefreshKeepsEndpointAlive(t *testing.T) {
	tr := newTestTracker(t, Options{
		MaxIdle:           50 * time.Millisecond,
		EvictionFrequency: 10 * time.Millisecond,
	})
	ep := &fakeEndpoint{desc: "busy"}
	id := tr.Add(ep)

	// Refresh well past several idle windows; the endpoint must survive.
	stop := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(stop) {
		if !tr.Refresh(id) {
			t.Fatal("refresh failed while endpoint should be live")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := tr.Get(id); !ok {
		t.Fatal("endpoint evicted despite refreshes")
	}

	// Stop refreshing; the countdown resumes from the last refresh.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.Get(id); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := tr.Get(id); ok {
		t.Fatal("endpoint not evicted after refreshes stopped")
	}
}

func TestShutdownClosesAllAndStopsReaper(t *testing.T) {
	tr := newTestTracker(t, Options{
		MaxIdle:           20 * time.Millisecond,
		EvictionFrequency: 10 * time.Millisecond,
	})

	eps := make([]*fakeEndpoint, 5)
	for i := range eps {
		eps[i] = &fakeEndpoint{desc: fmt.Sprintf("ep-%d", i)}
		tr.Add(eps[i])
	}

	closed := tr.Shutdown()
	if closed != 5 {
		t.Fatalf("shutdown closed %d endpoints, want 5", closed)
	}
	for i, ep := range eps {
		if got := ep.closes.Load(); got != 1 {
			t.Fatalf("endpoint %d closed %d times, want 1", i, got)
		}
	}

	// The reaper must be gone: waiting several eviction intervals past the
	// idle deadline must not append further events.
	_, before := tr.Snapshot()
	time.Sleep(80 * time.Millisecond)
	_, after := tr.Snapshot()
	if len(after) != len(before) {
		t.Fatalf("events appended after shutdown: %d -> %d", len(before), len(after))
	}
}

func TestSweepSurvivesPanickingClose(t *testing.T) {
	tr := newTestTracker(t, Options{
		MaxIdle:           20 * time.Millisecond,
		EvictionFrequency: 10 * time.Millisecond,
	})

	bad := &fakeEndpoint{desc: "bad"}
	bad.panicOnce.Store(true)
	badID := tr.Add(bad)

	time.Sleep(60 * time.Millisecond)
	if _, ok := tr.Get(badID); ok {
		t.Fatal("panicking endpoint not evicted")
	}

	// The reaper must still evict after the fault.
	good := &fakeEndpoint{desc: "good"}
	goodID := tr.Add(good)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.Get(goodID); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reaper stopped evicting after a close fault")
}

func TestConcurrentRegistryInvariant(t *testing.T) {
	tr := newTestTracker(t, Options{
		MaxIdle:           30 * time.Millisecond,
		EvictionFrequency: 5 * time.Millisecond,
	})

	const adders = 8
	const mutators = 8
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)

	pick := func(r *rand.Rand) string {
		mu.Lock()
		defer mu.Unlock()
		if len(ids) == 0 {
			return ""
		}
		return ids[r.Intn(len(ids))]
	}

	for i := 0; i < adders; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := tr.Add(&fakeEndpoint{desc: "stress"})
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}
		}(int64(i))
	}
	for i := 0; i < mutators; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < 400; j++ {
				id := pick(r)
				if id == "" {
					continue
				}
				if r.Intn(2) == 0 {
					tr.Remove(id)
				} else {
					tr.Refresh(id)
				}
			}
		}(int64(i) + 100)
	}
	wg.Wait()

	// Every identifier still present in the endpoint map must have a
	// matching expiration entry, except mid remove/expire: those pop the
	// expiration first, so confirm the endpoint goes with it.
	tr.endpoints.Range(func(key, _ any) bool {
		id := key.(string)
		if _, ok := tr.expirations.Load(id); ok {
			return true
		}
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if _, live := tr.endpoints.Load(id); !live {
				return true
			}
			time.Sleep(time.Millisecond)
		}
		t.Errorf("endpoint %s has no expiration entry", id)
		return true
	})
}
