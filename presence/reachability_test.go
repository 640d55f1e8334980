package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakePathTable struct {
	mu       sync.Mutex
	snapshot map[PeerID]struct{}
	err      error
	calls    int
}

func (f *fakePathTable) Snapshot(context.Context) (map[PeerID]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[PeerID]struct{}, len(f.snapshot))
	for id := range f.snapshot {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *fakePathTable) set(ids ...PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = make(map[PeerID]struct{}, len(ids))
	for _, id := range ids {
		f.snapshot[id] = struct{}{}
	}
	f.err = nil
}

func (f *fakePathTable) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePathTable) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePeerIndex struct {
	mu  sync.Mutex
	ids []PeerID
	err error
}

func (f *fakePeerIndex) PeerIDsByNodeTypes([]NodeType) ([]PeerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]PeerID(nil), f.ids...), nil
}

func (f *fakePeerIndex) set(ids ...PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = ids
	f.err = nil
}

type fakeStatus struct {
	mu     sync.Mutex
	status NetworkStatus
}

func (f *fakeStatus) NetworkStatus() NetworkStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeStatus) set(status NetworkStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestTracker(paths *fakePathTable, peers *fakePeerIndex, status *fakeStatus) *Tracker {
	return NewTracker(TrackerConfig{
		PathTable:            paths,
		Peers:                peers,
		Status:               status,
		RecomputeInterval:    -1, // periodic trigger disabled for determinism
		RecomputeMinInterval: 0,
	})
}

func TestTrackerCountsOnlyReachableKnownPeers(t *testing.T) {
	p1 := testPeerID(t, 1)
	p2 := testPeerID(t, 2)

	paths := &fakePathTable{}
	paths.set(p1)
	peers := &fakePeerIndex{}
	peers.set(p1, p2)
	status := &fakeStatus{status: StatusReady}

	tracker := newTestTracker(paths, peers, status)
	tracker.Start()
	defer tracker.Stop()

	// P1 is both known and routable; P2 is known only.
	waitForCondition(t, time.Second, func() bool { return tracker.Count() == 1 })

	// A later snapshot omitting P1 excludes it from the count while it
	// stays known.
	paths.set()
	tracker.RequestRecompute()
	waitForCondition(t, time.Second, func() bool { return tracker.Count() == 0 })

	known, err := peers.PeerIDsByNodeTypes(nil)
	assert.NoError(t, err)
	assert.Len(t, known, 2)
}

func TestTrackerSkipsRecomputeWhenNotReady(t *testing.T) {
	p1 := testPeerID(t, 1)

	paths := &fakePathTable{}
	paths.set(p1)
	peers := &fakePeerIndex{}
	peers.set(p1)
	status := &fakeStatus{status: StatusReady}

	tracker := newTestTracker(paths, peers, status)
	tracker.Start()
	defer tracker.Stop()

	waitForCondition(t, time.Second, func() bool { return tracker.Count() == 1 })

	// While the transport is not ready, snapshot changes must not be
	// observed; the previous count is retained.
	status.set(StatusConnecting)
	paths.set()
	tracker.RequestRecompute()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tracker.Count())

	status.set(StatusReady)
	tracker.RequestRecompute()
	waitForCondition(t, time.Second, func() bool { return tracker.Count() == 0 })
}

func TestTrackerRetainsCountOnSnapshotFailure(t *testing.T) {
	p1 := testPeerID(t, 1)

	paths := &fakePathTable{}
	paths.set(p1)
	peers := &fakePeerIndex{}
	peers.set(p1)
	status := &fakeStatus{status: StatusReady}

	tracker := newTestTracker(paths, peers, status)
	tracker.Start()
	defer tracker.Stop()

	waitForCondition(t, time.Second, func() bool { return tracker.Count() == 1 })

	paths.fail(errors.New("transport unavailable"))
	tracker.RequestRecompute()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tracker.Count())
}

func TestTrackerPublishesCountChanges(t *testing.T) {
	p1 := testPeerID(t, 1)

	paths := &fakePathTable{}
	paths.set()
	peers := &fakePeerIndex{}
	peers.set(p1)
	status := &fakeStatus{status: StatusReady}

	tracker := newTestTracker(paths, peers, status)
	tracker.Start()
	defer tracker.Stop()

	counts, cancel := tracker.Subscribe()
	defer cancel()

	waitForCondition(t, time.Second, func() bool {
		select {
		case count := <-counts:
			return count == 0
		default:
			return false
		}
	})

	paths.set(p1)
	tracker.RequestRecompute()

	waitForCondition(t, time.Second, func() bool {
		select {
		case count := <-counts:
			return count == 1
		default:
			return false
		}
	})
}

func TestTrackerCoalescesEagerRequests(t *testing.T) {
	p1 := testPeerID(t, 1)

	paths := &fakePathTable{}
	paths.set(p1)
	peers := &fakePeerIndex{}
	peers.set(p1)
	status := &fakeStatus{status: StatusReady}

	tracker := NewTracker(TrackerConfig{
		PathTable:            paths,
		Peers:                peers,
		Status:               status,
		RecomputeInterval:    -1,
		RecomputeMinInterval: 50 * time.Millisecond,
	})
	tracker.Start()
	defer tracker.Stop()

	waitForCondition(t, time.Second, func() bool { return tracker.Count() == 1 })
	before := paths.callCount()

	for i := 0; i < 20; i++ {
		tracker.RequestRecompute()
	}

	time.Sleep(200 * time.Millisecond)
	after := paths.callCount()
	assert.Greater(t, after, before)
	assert.Less(t, after-before, 20)
}

func TestTrackerDoubleStartAndStop(t *testing.T) {
	paths := &fakePathTable{}
	paths.set()
	peers := &fakePeerIndex{}
	status := &fakeStatus{status: StatusReady}

	tracker := newTestTracker(paths, peers, status)
	tracker.Start()
	tracker.Start()
	tracker.Stop()
	tracker.Stop()
}
