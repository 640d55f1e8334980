package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meshpresence/config"
	"meshpresence/discovery"
	"meshpresence/presence"
	"meshpresence/storage"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal("startup failed while loading config", zap.Error(err))
	}

	selfID := peerIDForInstance(cfg.InstanceID)

	fmt.Printf("Instance ID:     %s\n", cfg.InstanceID)
	fmt.Printf("Peer ID:         %s\n", selfID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Config File:     %s\n", cfgPath)

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		logger.Fatal("startup failed while resolving data dir", zap.Error(err))
	}
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal("startup failed while opening database", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	if !cfg.DiscoveryEnabled {
		logger.Fatal("no announce source configured: discovery is disabled")
	}

	discoveryService, err := discovery.Start(discovery.Config{
		SelfPeerID:  selfID,
		PublicKey:   identityKeyForInstance(cfg.InstanceID),
		DisplayName: cfg.DisplayName,
	})
	if err != nil {
		logger.Fatal("discovery startup failed", zap.Error(err))
	}
	defer discoveryService.Stop()
	fmt.Println("Discovery:       running")

	transport := newLANTransport(discoveryService.Source.Announces())
	defer transport.shutdown()

	engine, err := presence.NewEngine(presence.EngineOptions{
		Store:                 store,
		PathTable:             transport,
		Status:                transport,
		Facts:                 store,
		Announces:             transport.announces(),
		NodeTypeFilter:        nodeTypeFilter(cfg.NodeTypeFilter),
		RecomputeInterval:     time.Duration(cfg.RecomputeIntervalSeconds) * time.Second,
		SnapshotTimeout:       time.Duration(cfg.SnapshotTimeoutSeconds) * time.Second,
		MarkerRefreshInterval: time.Duration(cfg.MarkerRefreshIntervalSeconds) * time.Second,
		Logger:                logger,
	})
	if err != nil {
		logger.Fatal("engine construction failed", zap.Error(err))
	}

	engine.Start()
	defer engine.Stop()

	metricsServer := &http.Server{
		Addr:    cfg.MetricsListenAddress,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
	fmt.Printf("Metrics:         http://%s/metrics\n", cfg.MetricsListenAddress)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logReachableCount(ctx, engine, logger)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func logReachableCount(ctx context.Context, engine *presence.Engine, logger *zap.Logger) {
	counts, cancel := engine.SubscribeReachableCount()
	defer cancel()

	for {
		select {
		case count, ok := <-counts:
			if !ok {
				return
			}
			logger.Info("reachable peers", zap.Int("count", count))
		case <-ctx.Done():
			return
		}
	}
}

// peerIDForInstance derives the local peer identifier from the persistent
// instance ID, matching the truncated-hash addressing used on the mesh.
func peerIDForInstance(instanceID string) presence.PeerID {
	sum := sha256.Sum256([]byte(instanceID))
	id, err := presence.PeerIDFromBytes(sum[:presence.PeerIDLength])
	if err != nil {
		// A SHA-256 prefix of a non-empty string is never all zero.
		panic(err)
	}
	return id
}

// identityKeyForInstance derives the advertised identity key bytes from the
// persistent instance ID. The engine treats public keys as opaque; a full
// mesh deployment advertises the routing layer's identity key here instead.
func identityKeyForInstance(instanceID string) []byte {
	sum := sha256.Sum256([]byte("meshpresence.identity|" + instanceID))
	return sum[:]
}

func nodeTypeFilter(raw []string) []presence.NodeType {
	out := make([]presence.NodeType, 0, len(raw))
	for _, t := range raw {
		out = append(out, presence.NodeType(t))
	}
	return out
}

// lanRouteWindow is how long after its last announce a LAN peer stays
// routable.
const lanRouteWindow = 25 * time.Second

// lanTransport adapts the mDNS announce stream into the transport
// collaborator contracts: peers heard recently on the LAN are routable, and
// the transport is ready as soon as the relay is running. On a full mesh
// deployment these contracts are implemented by the routing layer instead.
type lanTransport struct {
	mu       sync.Mutex
	lastSeen map[presence.PeerID]time.Time
	status   presence.NetworkStatus

	out  chan presence.RawAnnounce
	done chan struct{}
}

func newLANTransport(in <-chan presence.RawAnnounce) *lanTransport {
	t := &lanTransport{
		lastSeen: make(map[presence.PeerID]time.Time),
		status:   presence.StatusReady,
		out:      make(chan presence.RawAnnounce, 128),
		done:     make(chan struct{}),
	}
	go t.relay(in)
	return t
}

// relay records recency per peer and forwards each announce to the engine.
func (t *lanTransport) relay(in <-chan presence.RawAnnounce) {
	defer close(t.out)
	for raw := range in {
		if id, err := presence.PeerIDFromBytes(raw.PeerID); err == nil {
			t.mu.Lock()
			t.lastSeen[id] = raw.Timestamp
			t.mu.Unlock()
		}

		select {
		case t.out <- raw:
		case <-t.done:
			return
		}
	}
}

func (t *lanTransport) announces() <-chan presence.RawAnnounce {
	return t.out
}

func (t *lanTransport) Snapshot(context.Context) (map[presence.PeerID]struct{}, error) {
	cutoff := time.Now().Add(-lanRouteWindow)

	t.mu.Lock()
	defer t.mu.Unlock()

	reachable := make(map[presence.PeerID]struct{}, len(t.lastSeen))
	for id, seen := range t.lastSeen {
		if seen.After(cutoff) {
			reachable[id] = struct{}{}
		}
	}
	return reachable, nil
}

func (t *lanTransport) NetworkStatus() presence.NetworkStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *lanTransport) shutdown() {
	t.mu.Lock()
	t.status = presence.StatusShutdown
	t.mu.Unlock()
	close(t.done)
}
