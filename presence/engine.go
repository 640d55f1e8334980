package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AnnounceStore is the full store contract the engine consumes. A single
// backing store usually implements all of it, but each component depends only
// on the slice it needs.
type AnnounceStore interface {
	AnnounceWriter
	PeerIndex
	LocationSource
	NameResolver
}

// EngineOptions configures a presence engine.
type EngineOptions struct {
	Store     AnnounceStore
	PathTable PathTableSource
	Status    NetworkStatusSource
	Facts     SharingFactSource

	// Announces is the live raw announce stream. It may emit duplicates for
	// the same peer and never completes under normal operation.
	Announces <-chan RawAnnounce

	// NodeTypeFilter restricts which peers count toward reachability.
	NodeTypeFilter []NodeType

	// RecomputeInterval and MarkerRefreshInterval: zero selects the package
	// default; a negative value disables the periodic trigger, leaving only
	// eager recomputes. This differs from TrackerConfig and
	// MarkerPublisherConfig, where any value <= 0 disables the timer.
	RecomputeInterval     time.Duration
	MarkerRefreshInterval time.Duration

	SnapshotTimeout      time.Duration
	RecomputeMinInterval time.Duration

	// ReadyRetry governs WaitUntilReady polling. Zero value uses defaults.
	ReadyRetry RetryPolicy

	Logger *zap.Logger
}

// Engine owns the presence subsystem: announce ingestion, reachability
// tracking, location-sharing sessions, and marker publication. It is created
// explicitly at startup and torn down at shutdown; there is no global state.
type Engine struct {
	opts EngineOptions
	log  *zap.Logger

	pipeline *Pipeline
	tracker  *Tracker
	sessions *SessionManager
	markers  *MarkerPublisher

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewEngine validates options and assembles the engine components.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.PathTable == nil {
		return nil, errors.New("path table source is required")
	}
	if opts.Status == nil {
		return nil, errors.New("network status source is required")
	}
	if opts.Announces == nil {
		return nil, errors.New("announce stream is required")
	}
	if opts.RecomputeInterval == 0 {
		opts.RecomputeInterval = DefaultRecomputeInterval
	}
	if opts.MarkerRefreshInterval == 0 {
		opts.MarkerRefreshInterval = DefaultMarkerRefreshInterval
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	tracker := NewTracker(TrackerConfig{
		PathTable:            opts.PathTable,
		Peers:                opts.Store,
		Status:               opts.Status,
		NodeTypeFilter:       opts.NodeTypeFilter,
		RecomputeInterval:    opts.RecomputeInterval,
		SnapshotTimeout:      opts.SnapshotTimeout,
		RecomputeMinInterval: opts.RecomputeMinInterval,
		Logger:               log,
	})

	return &Engine{
		opts: opts,
		log:  log.Named("engine"),
		pipeline: NewPipeline(PipelineConfig{
			Store:   opts.Store,
			Tracker: tracker,
			Logger:  log,
		}),
		tracker: tracker,
		sessions: NewSessionManager(SessionManagerConfig{
			Facts:  opts.Facts,
			Logger: log,
		}),
		markers: NewMarkerPublisher(MarkerPublisherConfig{
			Locations:       opts.Store,
			Names:           opts.Store,
			RefreshInterval: opts.MarkerRefreshInterval,
			Logger:          log,
		}),
	}, nil
}

// Start launches the ingestion consumer and periodic loops. Calling Start
// more than once is a no-op; duplicate concurrent timers are never created.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(context.Background())

		e.tracker.Start()
		e.markers.Start()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pipeline.Run(e.ctx, e.opts.Announces)
		}()

		e.log.Info("presence engine started")
	})
}

// Stop cancels all loops and waits for them to exit. Safe to call once
// regardless of how many components already stopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.markers.Stop()
		e.tracker.Stop()
		e.log.Info("presence engine stopped")
	})
}

// WaitUntilReady polls the transport status with the configured retry policy
// until it reports ready, retries exhaust, or ctx is cancelled.
func (e *Engine) WaitUntilReady(ctx context.Context) error {
	policy := e.opts.ReadyRetry
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 10
	}
	return policy.Do(ctx, func(context.Context) error {
		if status := e.opts.Status.NetworkStatus(); status != StatusReady {
			return fmt.Errorf("transport status %s", status)
		}
		return nil
	})
}

// ReachableCount returns the last published reachable-peer count.
func (e *Engine) ReachableCount() int {
	return e.tracker.Count()
}

// SubscribeReachableCount returns a latest-value channel of counts.
func (e *Engine) SubscribeReachableCount() (<-chan int, func()) {
	return e.tracker.Subscribe()
}

// Markers returns the most recently published contact markers.
func (e *Engine) Markers() []ContactMarker {
	return e.markers.Markers()
}

// SubscribeMarkers returns a latest-value channel of marker lists.
func (e *Engine) SubscribeMarkers() (<-chan []ContactMarker, func()) {
	return e.markers.Subscribe()
}

// RefreshMarkers schedules an immediate marker recompute, for use after a
// location update lands in the store.
func (e *Engine) RefreshMarkers() {
	e.markers.Refresh()
}

// StartSharing begins or replaces outbound sharing sessions.
func (e *Engine) StartSharing(peerIDs []PeerID, displayNames map[PeerID]string, duration time.Duration) {
	e.sessions.StartSharing(peerIDs, displayNames, duration)
}

// StopSharing ends the outbound session for one peer.
func (e *Engine) StopSharing(id PeerID) {
	e.sessions.StopSharing(id)
}

// StopAllSharing ends every outbound session.
func (e *Engine) StopAllSharing() {
	e.sessions.StopAll()
}

// RelationshipWith classifies the bidirectional sharing state with a peer.
func (e *Engine) RelationshipWith(id PeerID) Relationship {
	return e.sessions.RelationshipWith(id)
}

// ActiveSessions lists non-expired outbound sessions.
func (e *Engine) ActiveSessions() []SharingSession {
	return e.sessions.ActiveSessions()
}
