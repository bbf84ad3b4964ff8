package tracker

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
)

const (
	DefaultMaxIdle           = 60 * time.Second
	DefaultEvictionFrequency = 10 * time.Second
	DefaultEventCapacity     = 100

	reaperJoinTimeout = 30 * time.Second
)

// Options configures a Tracker. Zero values fall back to the defaults.
type Options struct {
	MaxIdle           time.Duration
	EvictionFrequency time.Duration
	EventCapacity     int
	IDMode            string // session id generator: "uuid" (default) or "cuid"
	Logger            *slog.Logger
}

// Tracker registers live endpoints, watches their idle deadlines, and reaps
// the ones whose deadline has passed. All methods are safe for concurrent
// use; operations on distinct identifiers never contend with each other.
type Tracker struct {
	endpoints   sync.Map // id -> Endpoint
	expirations sync.Map // id -> *expiration
	events      *eventLog

	maxIdle           time.Duration
	evictionFrequency time.Duration
	idGen             func() string
	logger            *slog.Logger
	now               func() time.Time

	active  atomic.Int64
	expired atomic.Int64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// expiration holds one session's absolute idle deadline. Refreshing mutates
// the deadline in place, so a refresh never inserts a removed identifier.
type expiration struct {
	deadline atomic.Int64 // unix nanoseconds
}

// New constructs a tracker and starts its background reaper.
func New(opts Options) (*Tracker, error) {
	idGen, err := idGenerator(opts.IDMode)
	if err != nil {
		return nil, err
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	if opts.EvictionFrequency <= 0 {
		opts.EvictionFrequency = DefaultEvictionFrequency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		events:            newEventLog(opts.EventCapacity),
		maxIdle:           opts.MaxIdle,
		evictionFrequency: opts.EvictionFrequency,
		idGen:             idGen,
		logger:            logger,
		now:               time.Now,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	go t.reap()
	t.logger.Info("endpoint tracker started",
		"max_idle", t.maxIdle, "eviction_frequency", t.evictionFrequency)
	return t, nil
}

func idGenerator(mode string) (func() string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "uuid":
		return uuid.NewString, nil
	case "cuid":
		return cuid.New, nil
	default:
		return nil, fmt.Errorf("unsupported session id mode %q (use uuid or cuid)", mode)
	}
}

// Add registers a newly created endpoint and returns its identifier. The
// identifier is unique across the tracker's lifetime and never reused.
func (t *Tracker) Add(ep Endpoint) string {
	id := t.idGen()
	t.events.append(Event{
		ID:          id,
		Description: ep.Description(),
		Type:        EventConnect,
		Timestamp:   t.now(),
	})
	exp := &expiration{}
	exp.deadline.Store(t.now().Add(t.maxIdle).UnixNano())
	t.endpoints.Store(id, ep)
	t.expirations.Store(id, exp)
	t.active.Add(1)
	return id
}

// Remove unregisters the endpoint and closes its connection resource.
// Removing an unknown identifier is a no-op. Even when Remove races the
// reaper or another Remove, the endpoint is closed exactly once: only the
// caller whose LoadAndDelete pops the entry performs the close.
func (t *Tracker) Remove(id string) {
	t.expirations.LoadAndDelete(id)
	value, loaded := t.endpoints.LoadAndDelete(id)
	if !loaded {
		return
	}
	ep := value.(Endpoint)
	t.active.Add(-1)
	t.events.append(Event{
		ID:          id,
		Description: ep.Description(),
		Type:        EventDisconnect,
		Timestamp:   t.now(),
	})
	t.closeEndpoint(id, ep)
}

// Refresh extends the endpoint's idle deadline and reports whether the
// identifier was still tracked. A refresh racing an in-flight eviction may
// update a deadline the reaper has already popped; the session is gone
// either way and no state is corrupted.
func (t *Tracker) Refresh(id string) bool {
	value, ok := t.expirations.Load(id)
	if !ok {
		return false
	}
	value.(*expiration).deadline.Store(t.now().Add(t.maxIdle).UnixNano())
	return true
}

// Get returns the endpoint registered under id. No side effects.
func (t *Tracker) Get(id string) (Endpoint, bool) {
	value, ok := t.endpoints.Load(id)
	if !ok {
		return nil, false
	}
	return value.(Endpoint), true
}

// ReceiveComplete records the orderly completion of a receive stream.
func (t *Tracker) ReceiveComplete(id string) {
	t.recordReceive(id, EventReceiveComplete)
}

// ReceiveError records a transport fault observed while receiving.
func (t *Tracker) ReceiveError(id string) {
	t.recordReceive(id, EventReceiveError)
}

func (t *Tracker) recordReceive(id string, typ EventType) {
	desc := "unknown"
	if ep, ok := t.Get(id); ok {
		desc = ep.Description()
	}
	t.events.append(Event{ID: id, Description: desc, Type: typ, Timestamp: t.now()})
}

// EndpointInfo describes one live endpoint at snapshot time.
type EndpointInfo struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline"`
}

// Snapshot returns point-in-time copies of the live endpoints (sorted by
// id) and the recent events, most recent first. The returned slices share
// nothing with the tracker's internal state.
func (t *Tracker) Snapshot() ([]EndpointInfo, []Event) {
	var infos []EndpointInfo
	t.endpoints.Range(func(key, value any) bool {
		id := key.(string)
		info := EndpointInfo{ID: id, Description: value.(Endpoint).Description()}
		if v, ok := t.expirations.Load(id); ok {
			info.Deadline = time.Unix(0, v.(*expiration).deadline.Load())
		}
		infos = append(infos, info)
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, t.events.snapshot()
}

// Len reports the number of live endpoints.
func (t *Tracker) Len() int {
	return int(t.active.Load())
}

// Expired reports the total number of endpoints reaped for inactivity.
func (t *Tracker) Expired() int64 {
	return t.expired.Load()
}

// Shutdown stops the reaper, force-closes every endpoint still registered,
// and returns the number closed. Each closure is independently
// fault-tolerant. The wait for the reaper is bounded.
func (t *Tracker) Shutdown() int {
	t.logger.Info("endpoint tracker shutting down")
	t.stopOnce.Do(func() { close(t.stop) })
	select {
	case <-t.done:
	case <-time.After(reaperJoinTimeout):
		t.logger.Warn("reaper did not stop within join timeout")
	}

	count := 0
	t.endpoints.Range(func(key, _ any) bool {
		id := key.(string)
		t.expirations.Delete(id)
		if value, loaded := t.endpoints.LoadAndDelete(id); loaded {
			t.active.Add(-1)
			t.closeEndpoint(id, value.(Endpoint))
			count++
		}
		return true
	})
	t.logger.Info("endpoint tracker stopped", "closed", count)
	return count
}

func (t *Tracker) closeEndpoint(id string, ep Endpoint) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("endpoint close panicked", "id", id, "panic", r)
		}
	}()
	if err := ep.Close(); err != nil {
		t.logger.Debug("endpoint close failed", "id", id, "error", err)
	}
}

func (t *Tracker) reap() {
	defer close(t.done)
	ticker := time.NewTicker(t.evictionFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep evicts every endpoint whose deadline has passed. A fault inside one
// sweep is contained so the next tick still runs.
func (t *Tracker) sweep() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("eviction sweep panicked", "panic", r)
		}
	}()

	now := t.now().UnixNano()
	t.expirations.Range(func(key, value any) bool {
		if value.(*expiration).deadline.Load() > now {
			return true
		}
		id := key.(string)
		if _, loaded := t.expirations.LoadAndDelete(id); !loaded {
			return true
		}
		epValue, loaded := t.endpoints.LoadAndDelete(id)
		if !loaded {
			return true
		}
		ep := epValue.(Endpoint)
		t.active.Add(-1)
		t.expired.Add(1)
		t.events.append(Event{
			ID:          id,
			Description: ep.Description(),
			Type:        EventExpire,
			Timestamp:   t.now(),
		})
		t.logger.Info("closing stale endpoint", "id", id, "description", ep.Description())
		t.closeEndpoint(id, ep)
		return true
	})
}
