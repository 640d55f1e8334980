package storage

import (
	"testing"
	"time"

	"meshpresence/presence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testPeerID(t *testing.T, b byte) presence.PeerID {
	t.Helper()

	raw := make([]byte, presence.PeerIDLength)
	for i := range raw {
		raw[i] = b
	}
	id, err := presence.PeerIDFromBytes(raw)
	if err != nil {
		t.Fatalf("build test peer id: %v", err)
	}
	return id
}

func testAnnounce(t *testing.T, b byte, name string, seenAt time.Time) presence.PeerAnnounce {
	t.Helper()

	return presence.PeerAnnounce{
		PeerID:               testPeerID(t, b),
		PublicKey:            []byte{b, b, b},
		DisplayName:          name,
		NodeType:             presence.NodeTypePeer,
		Aspect:               presence.AspectDelivery,
		HopCount:             1,
		LastSeenAt:           seenAt,
		ReceivingInterfaceID: "mdns",
	}
}

func mustUpsertAnnounce(t *testing.T, store *Store, a presence.PeerAnnounce) {
	t.Helper()

	if err := store.UpsertAnnounce(a); err != nil {
		t.Fatalf("upsert announce %q: %v", a.PeerID.Short(), err)
	}
}
