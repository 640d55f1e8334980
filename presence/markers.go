package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMarkerRefreshInterval is how often markers are re-classified even
// when no new location data arrives. This is the mechanism by which markers
// visibly age from fresh to stale and eventually vanish.
const DefaultMarkerRefreshInterval = 30 * time.Second

// MarkerPublisherConfig wires a MarkerPublisher to its collaborators.
type MarkerPublisherConfig struct {
	Locations LocationSource
	Names     NameResolver

	// RefreshInterval is the periodic re-classification cadence. A value
	// <= 0 disables the timer; only explicit Refresh calls recompute.
	RefreshInterval time.Duration

	Logger *zap.Logger

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// MarkerPublisher periodically projects the latest retained location per
// sender into displayable contact markers, joining each with a resolved
// display name and a freshness classification. Hidden markers are suppressed
// from the published list.
type MarkerPublisher struct {
	cfg MarkerPublisherConfig
	log *zap.Logger
	now func() time.Time

	signal *Signal[[]ContactMarker]

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	refreshRequests chan struct{}
}

// NewMarkerPublisher creates a stopped publisher with defaults applied.
func NewMarkerPublisher(cfg MarkerPublisherConfig) *MarkerPublisher {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &MarkerPublisher{
		cfg:             cfg,
		log:             log.Named("markers"),
		now:             now,
		signal:          NewSignal[[]ContactMarker](),
		refreshRequests: make(chan struct{}, 1),
	}
}

// Start launches the refresh loop. Calling Start more than once is a no-op.
func (p *MarkerPublisher) Start() {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.wg.Add(1)
		go p.loop()
	})
}

// Stop cancels the loop and waits for it to exit.
func (p *MarkerPublisher) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

// Refresh schedules an immediate recompute, coalescing concurrent requests.
func (p *MarkerPublisher) Refresh() {
	select {
	case p.refreshRequests <- struct{}{}:
	default:
	}
}

// Subscribe returns a latest-value channel of published marker lists.
func (p *MarkerPublisher) Subscribe() (<-chan []ContactMarker, func()) {
	return p.signal.Subscribe()
}

// Markers returns the most recently published marker list.
func (p *MarkerPublisher) Markers() []ContactMarker {
	markers, _ := p.signal.Latest()
	return markers
}

func (p *MarkerPublisher) loop() {
	defer p.wg.Done()

	p.recompute()

	var tick <-chan time.Time
	if p.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(p.cfg.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			p.recompute()
		case <-p.refreshRequests:
			p.recompute()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *MarkerPublisher) recompute() {
	updates, err := p.cfg.Locations.LatestLocations()
	if err != nil {
		// Keep the previously published markers during outages.
		p.log.Warn("latest location query failed, keeping previous markers", zap.Error(err))
		return
	}

	now := p.now()
	markers := make([]ContactMarker, 0, len(updates))
	for _, update := range updates {
		// ReceivedAt is authoritative for aging; the sender's clock may be
		// skewed.
		freshness := Classify(update.ReceivedAt, update.ExpiresAt, now)
		if freshness == Hidden {
			continue
		}
		markers = append(markers, ContactMarker{
			PeerID:                  update.SenderID,
			DisplayName:             p.resolveName(update.SenderID),
			Latitude:                update.Latitude,
			Longitude:               update.Longitude,
			AccuracyMeters:          update.AccuracyMeters,
			ApproximateRadiusMeters: update.ApproximateRadiusMeters,
			CapturedAt:              update.CapturedAt,
			ReceivedAt:              update.ReceivedAt,
			ExpiresAt:               update.ExpiresAt,
			Freshness:               freshness,
		})
	}

	sort.Slice(markers, func(i, j int) bool {
		if markers[i].DisplayName == markers[j].DisplayName {
			return markers[i].PeerID.String() < markers[j].PeerID.String()
		}
		return markers[i].DisplayName < markers[j].DisplayName
	})

	if previous, published := p.signal.Latest(); published && markersEqual(previous, markers) {
		return
	}

	MarkerPublishesTotal.Inc()
	p.signal.Publish(markers)
}

// resolveName picks a display name with priority: user-set nickname, the
// network-announced name, the alternate-namespace announced name, and
// finally a truncated identifier.
func (p *MarkerPublisher) resolveName(id PeerID) string {
	if p.cfg.Names != nil {
		names, err := p.cfg.Names.NamesFor(id)
		if err != nil {
			p.log.Debug("name lookup failed", zap.String("peer", id.Short()), zap.Error(err))
		} else {
			switch {
			case names.Nickname != "":
				return names.Nickname
			case names.DeliveryName != "":
				return names.DeliveryName
			case names.NodeName != "":
				return names.NodeName
			}
		}
	}
	return "Peer " + id.Short()
}

func markersEqual(a, b []ContactMarker) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.PeerID != y.PeerID ||
			x.DisplayName != y.DisplayName ||
			x.Latitude != y.Latitude ||
			x.Longitude != y.Longitude ||
			x.AccuracyMeters != y.AccuracyMeters ||
			x.ApproximateRadiusMeters != y.ApproximateRadiusMeters ||
			!x.CapturedAt.Equal(y.CapturedAt) ||
			!x.ReceivedAt.Equal(y.ReceivedAt) ||
			x.Freshness != y.Freshness {
			return false
		}
		if (x.ExpiresAt == nil) != (y.ExpiresAt == nil) {
			return false
		}
		if x.ExpiresAt != nil && !x.ExpiresAt.Equal(*y.ExpiresAt) {
			return false
		}
	}
	return true
}
