package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRecomputeInterval is the periodic reachability recompute cadence.
	DefaultRecomputeInterval = 30 * time.Second
	// DefaultSnapshotTimeout bounds one path-table fetch so a slow transport
	// cannot starve the periodic schedule.
	DefaultSnapshotTimeout = 3 * time.Second
	// DefaultRecomputeMinInterval is the coalescing window for eager
	// recompute requests arriving in quick succession.
	DefaultRecomputeMinInterval = 2 * time.Second
)

// TrackerConfig wires a Tracker to its collaborators.
type TrackerConfig struct {
	PathTable PathTableSource
	Peers     PeerIndex
	Status    NetworkStatusSource

	// NodeTypeFilter restricts which known peers count toward reachability.
	// Empty means all node types.
	NodeTypeFilter []NodeType

	// RecomputeInterval is the periodic trigger. A value <= 0 disables
	// periodic recomputes entirely; only eager requests run.
	RecomputeInterval time.Duration
	// SnapshotTimeout bounds each path-table fetch. Zero uses the default.
	SnapshotTimeout time.Duration
	// RecomputeMinInterval coalesces bursts of eager requests. Zero disables
	// coalescing. Negative uses the default.
	RecomputeMinInterval time.Duration

	Logger *zap.Logger
}

// Tracker maintains a live count of reachable (not merely known) peers by
// intersecting the known-peer set with path-table snapshots. Transient
// failures and non-ready transport states retain the previously published
// count; the count is never reset on error.
type Tracker struct {
	cfg TrackerConfig
	log *zap.Logger

	mu    sync.RWMutex
	count int

	signal *Signal[int]

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	requests      chan struct{}
	lastRecompute time.Time
}

// NewTracker creates a stopped tracker with config defaults applied.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if cfg.RecomputeMinInterval < 0 {
		cfg.RecomputeMinInterval = DefaultRecomputeMinInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Tracker{
		cfg:      cfg,
		log:      log.Named("reachability"),
		signal:   NewSignal[int](),
		requests: make(chan struct{}, 1),
	}
}

// Start launches the recompute loop. Calling Start more than once is a no-op.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		t.ctx, t.cancel = context.WithCancel(context.Background())
		t.wg.Add(1)
		go t.loop()
	})
}

// Stop cancels the loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
}

// RequestRecompute schedules an eager recompute. It never blocks; requests
// arriving while one is already pending are coalesced.
func (t *Tracker) RequestRecompute() {
	select {
	case t.requests <- struct{}{}:
	default:
	}
}

// Count returns the last published reachable-peer count.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Subscribe returns a latest-value channel of published counts.
func (t *Tracker) Subscribe() (<-chan int, func()) {
	return t.signal.Subscribe()
}

func (t *Tracker) loop() {
	defer t.wg.Done()

	// Prime the count immediately.
	t.recompute()

	var tick <-chan time.Time
	if t.cfg.RecomputeInterval > 0 {
		ticker := time.NewTicker(t.cfg.RecomputeInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			t.recompute()
		case <-t.requests:
			if !t.waitCoalesce() {
				return
			}
			// Drop requests that accumulated during the wait; this
			// recompute covers them.
			select {
			case <-t.requests:
			default:
			}
			t.recompute()
		case <-t.ctx.Done():
			return
		}
	}
}

// waitCoalesce delays an eager recompute until the coalescing window since
// the previous recompute has elapsed. It reports false when the tracker is
// stopping.
func (t *Tracker) waitCoalesce() bool {
	if t.cfg.RecomputeMinInterval <= 0 {
		return true
	}
	remaining := t.cfg.RecomputeMinInterval - time.Since(t.lastRecompute)
	if remaining <= 0 {
		return true
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Tracker) recompute() {
	t.lastRecompute = time.Now()

	if status := t.cfg.Status.NetworkStatus(); status != StatusReady {
		t.log.Debug("recompute skipped, transport not ready", zap.Stringer("status", status))
		ReachabilityRecomputesTotal.WithLabelValues("skipped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.SnapshotTimeout)
	defer cancel()

	reachable, err := t.cfg.PathTable.Snapshot(ctx)
	if err != nil {
		t.log.Warn("path table snapshot failed, keeping previous count", zap.Error(err))
		ReachabilityRecomputesTotal.WithLabelValues("error").Inc()
		return
	}

	known, err := t.cfg.Peers.PeerIDsByNodeTypes(t.cfg.NodeTypeFilter)
	if err != nil {
		t.log.Warn("known peer query failed, keeping previous count", zap.Error(err))
		ReachabilityRecomputesTotal.WithLabelValues("error").Inc()
		return
	}

	count := 0
	for _, id := range known {
		if _, ok := reachable[id]; ok {
			count++
		}
	}

	ReachabilityRecomputesTotal.WithLabelValues("ok").Inc()
	t.publish(count)
}

func (t *Tracker) publish(count int) {
	t.mu.Lock()
	changed := count != t.count
	t.count = count
	t.mu.Unlock()

	if _, published := t.signal.Latest(); !published {
		changed = true
	}

	ReachablePeers.Set(float64(count))
	if changed {
		t.log.Info("reachable peer count changed", zap.Int("count", count))
		t.signal.Publish(count)
	}
}
