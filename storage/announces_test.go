package storage

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"meshpresence/presence"
)

func TestAnnounceUpsertKeepsSingleRow(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Truncate(time.Millisecond)
	first := testAnnounce(t, 1, "Alice", base)
	mustUpsertAnnounce(t, store, first)

	second := first
	second.DisplayName = "Alice Prime"
	second.HopCount = 3
	second.LastSeenAt = base.Add(time.Minute)
	mustUpsertAnnounce(t, store, second)

	list, err := store.ListAnnounces()
	if err != nil {
		t.Fatalf("ListAnnounces failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 row after re-announce, got %d", len(list))
	}

	got, err := store.GetAnnounce(first.PeerID)
	if err != nil {
		t.Fatalf("GetAnnounce failed: %v", err)
	}
	if got.DisplayName != "Alice Prime" {
		t.Fatalf("unexpected display name: got %q", got.DisplayName)
	}
	if got.HopCount != 3 {
		t.Fatalf("unexpected hop count: got %d", got.HopCount)
	}
	if !got.LastSeenAt.Equal(second.LastSeenAt) {
		t.Fatalf("last seen not advanced: got %v want %v", got.LastSeenAt, second.LastSeenAt)
	}
}

func TestAnnouncePublicKeyPinnedOnFirstObservation(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Truncate(time.Millisecond)
	first := testAnnounce(t, 1, "Alice", base)
	first.PublicKey = []byte{0x01, 0x02, 0x03}
	mustUpsertAnnounce(t, store, first)

	// A later announce must not overwrite the stored key.
	second := first
	second.PublicKey = []byte{0xFF, 0xFF, 0xFF}
	second.LastSeenAt = base.Add(time.Minute)
	mustUpsertAnnounce(t, store, second)

	got, err := store.GetAnnounce(first.PeerID)
	if err != nil {
		t.Fatalf("GetAnnounce failed: %v", err)
	}
	if !bytes.Equal(got.PublicKey, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("public key was overwritten: got %x", got.PublicKey)
	}
}

func TestAnnounceEmptyPublicKeyFilledLater(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Truncate(time.Millisecond)
	first := testAnnounce(t, 1, "Alice", base)
	first.PublicKey = []byte{}
	mustUpsertAnnounce(t, store, first)

	second := first
	second.PublicKey = []byte{0x01, 0x02, 0x03}
	second.LastSeenAt = base.Add(time.Minute)
	mustUpsertAnnounce(t, store, second)

	got, err := store.GetAnnounce(first.PeerID)
	if err != nil {
		t.Fatalf("GetAnnounce failed: %v", err)
	}
	if !bytes.Equal(got.PublicKey, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("empty public key not filled in: got %x", got.PublicKey)
	}
}

func TestAnnounceUpsertAcceptsKeylessAnnounce(t *testing.T) {
	store := newTestStore(t)

	// Announces without a public key arrive routinely (e.g. from peers that
	// have nothing to advertise yet); they must store, not fail NOT NULL.
	id := testPeerID(t, 7)
	announce, err := presence.Normalize(presence.RawAnnounce{
		PeerID:      id[:],
		PublicKey:   nil,
		AppData:     []byte("Keyless"),
		Aspect:      presence.AspectDelivery,
		Timestamp:   time.Now(),
		InterfaceID: "mdns",
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if err := store.UpsertAnnounce(announce); err != nil {
		t.Fatalf("UpsertAnnounce failed for keyless announce: %v", err)
	}

	got, err := store.GetAnnounce(id)
	if err != nil {
		t.Fatalf("GetAnnounce failed: %v", err)
	}
	if len(got.PublicKey) != 0 {
		t.Fatalf("expected empty stored key, got %x", got.PublicKey)
	}

	// The key is still filled in by the first announce that carries one.
	keyed := announce
	keyed.PublicKey = []byte{0x01, 0x02, 0x03}
	keyed.LastSeenAt = announce.LastSeenAt.Add(time.Minute)
	mustUpsertAnnounce(t, store, keyed)

	got, err = store.GetAnnounce(id)
	if err != nil {
		t.Fatalf("GetAnnounce after keyed announce failed: %v", err)
	}
	if !bytes.Equal(got.PublicKey, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("key not filled in after keyless start: got %x", got.PublicKey)
	}
}

func TestAnnounceUpsertCoalescesNilPublicKey(t *testing.T) {
	store := newTestStore(t)

	a := testAnnounce(t, 1, "Alice", time.Now())
	a.PublicKey = nil
	mustUpsertAnnounce(t, store, a)

	got, err := store.GetAnnounce(a.PeerID)
	if err != nil {
		t.Fatalf("GetAnnounce failed: %v", err)
	}
	if len(got.PublicKey) != 0 {
		t.Fatalf("expected empty stored key, got %x", got.PublicKey)
	}
}

func TestAnnounceListOrderedByRecency(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Truncate(time.Millisecond)
	alice := testAnnounce(t, 1, "Alice", base)
	bob := testAnnounce(t, 2, "Bob", base.Add(time.Minute))
	mustUpsertAnnounce(t, store, alice)
	mustUpsertAnnounce(t, store, bob)

	list, err := store.ListAnnounces()
	if err != nil {
		t.Fatalf("ListAnnounces failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(list))
	}
	if list[0].DisplayName != "Bob" {
		t.Fatalf("expected newest peer first, got %q", list[0].DisplayName)
	}

	// Re-announcing Alice moves her to the front.
	alice.LastSeenAt = base.Add(2 * time.Minute)
	mustUpsertAnnounce(t, store, alice)

	list, err = store.ListAnnounces()
	if err != nil {
		t.Fatalf("ListAnnounces after re-announce failed: %v", err)
	}
	if list[0].DisplayName != "Alice" {
		t.Fatalf("expected re-announced peer first, got %q", list[0].DisplayName)
	}
}

func TestPeerIDsByNodeTypes(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	peer := testAnnounce(t, 1, "Alice", base)
	relay := testAnnounce(t, 2, "Relay", base)
	relay.NodeType = presence.NodeTypeRelay
	relay.Aspect = presence.AspectPropagation
	mustUpsertAnnounce(t, store, peer)
	mustUpsertAnnounce(t, store, relay)

	all, err := store.PeerIDsByNodeTypes(nil)
	if err != nil {
		t.Fatalf("PeerIDsByNodeTypes(nil) failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("empty filter should match all, got %d", len(all))
	}

	relays, err := store.PeerIDsByNodeTypes([]presence.NodeType{presence.NodeTypeRelay})
	if err != nil {
		t.Fatalf("PeerIDsByNodeTypes(relay) failed: %v", err)
	}
	if len(relays) != 1 || relays[0] != relay.PeerID {
		t.Fatalf("unexpected relay filter result: %v", relays)
	}
}

func TestRemoveAnnounce(t *testing.T) {
	store := newTestStore(t)

	a := testAnnounce(t, 1, "Alice", time.Now())
	mustUpsertAnnounce(t, store, a)

	if err := store.RemoveAnnounce(a.PeerID); err != nil {
		t.Fatalf("RemoveAnnounce failed: %v", err)
	}

	if _, err := store.GetAnnounce(a.PeerID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if err := store.RemoveAnnounce(a.PeerID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on repeated remove, got %v", err)
	}
}
