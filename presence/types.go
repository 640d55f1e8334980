package presence

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// PeerIDLength is the size of a mesh destination hash in bytes.
const PeerIDLength = 16

// PeerID is the truncated identity hash that addresses a peer on the mesh.
type PeerID [PeerIDLength]byte

// PeerIDFromBytes validates and copies a raw identifier.
func PeerIDFromBytes(raw []byte) (PeerID, error) {
	var id PeerID
	if len(raw) != PeerIDLength {
		return id, fmt.Errorf("peer id must be %d bytes, got %d", PeerIDLength, len(raw))
	}
	copy(id[:], raw)
	if id == (PeerID{}) {
		return id, fmt.Errorf("peer id must not be all zero")
	}
	return id, nil
}

// ParsePeerID decodes a hex-encoded peer identifier.
func ParsePeerID(s string) (PeerID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("parse peer id %q: %w", s, err)
	}
	return PeerIDFromBytes(raw)
}

// String returns the full hex representation.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the leading eight hex characters for logs and placeholders.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

// NodeType classifies what kind of participant announced itself.
type NodeType string

const (
	NodeTypePeer    NodeType = "peer"
	NodeTypeRelay   NodeType = "relay"
	NodeTypeAudio   NodeType = "audio"
	NodeTypeNode    NodeType = "node"
	NodeTypeUnknown NodeType = "unknown"
)

// Announce aspects as they appear on the wire.
const (
	AspectDelivery    = "lxmf.delivery"
	AspectPropagation = "lxmf.propagation"
	AspectCallAudio   = "call.audio"
	AspectNomadNode   = "nomadnetwork.node"
)

// NodeTypeForAspect maps a wire aspect to its node classification.
func NodeTypeForAspect(aspect string) NodeType {
	switch aspect {
	case AspectDelivery:
		return NodeTypePeer
	case AspectPropagation:
		return NodeTypeRelay
	case AspectCallAudio:
		return NodeTypeAudio
	case AspectNomadNode:
		return NodeTypeNode
	default:
		return NodeTypeUnknown
	}
}

// RawAnnounce is one announce event as delivered by a transport, before
// validation or normalization.
type RawAnnounce struct {
	PeerID      []byte
	PublicKey   []byte
	AppData     []byte
	Aspect      string
	HopCount    int
	Timestamp   time.Time
	InterfaceID string
}

// PeerAnnounce is the normalized, stored view of a peer's latest announce.
type PeerAnnounce struct {
	PeerID               PeerID
	PublicKey            []byte
	DisplayName          string
	NodeType             NodeType
	Aspect               string
	HopCount             int
	LastSeenAt           time.Time
	ReceivingInterfaceID string
}

// LocationUpdate is the most recent position report from one sender.
// ReceivedAt is the local arrival time and is authoritative for freshness;
// CapturedAt comes from the sender's clock and may be skewed.
type LocationUpdate struct {
	SenderID                PeerID
	Latitude                float64
	Longitude               float64
	AccuracyMeters          float64
	CapturedAt              time.Time
	ReceivedAt              time.Time
	ExpiresAt               *time.Time
	ApproximateRadiusMeters float64
}

// ContactMarker is the displayable projection of a peer's latest location.
// It is never persisted; it is recomputed from the stored update and the
// current wall clock.
type ContactMarker struct {
	PeerID                  PeerID
	DisplayName             string
	Latitude                float64
	Longitude               float64
	AccuracyMeters          float64
	ApproximateRadiusMeters float64
	CapturedAt              time.Time
	ReceivedAt              time.Time
	ExpiresAt               *time.Time
	Freshness               Freshness
}

// NetworkStatus reflects the mesh transport lifecycle.
type NetworkStatus int

const (
	StatusInitializing NetworkStatus = iota
	StatusConnecting
	StatusReady
	StatusError
	StatusShutdown
)

func (s NetworkStatus) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	case StatusShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// AnnounceWriter persists normalized announces with insert-or-update
// semantics keyed by peer ID.
type AnnounceWriter interface {
	UpsertAnnounce(PeerAnnounce) error
}

// PeerIndex answers which peers are known, optionally filtered by node type.
// An empty filter means all node types.
type PeerIndex interface {
	PeerIDsByNodeTypes(types []NodeType) ([]PeerID, error)
}

// LocationSource returns the latest retained location per sender.
type LocationSource interface {
	LatestLocations() ([]LocationUpdate, error)
}

// PeerNames carries the candidate display names for one peer, in descending
// resolution priority after the user-set nickname.
type PeerNames struct {
	Nickname     string
	DeliveryName string
	NodeName     string
}

// NameResolver supplies display-name candidates for marker rendering.
type NameResolver interface {
	NamesFor(id PeerID) (PeerNames, error)
}

// PathTableSource exposes a snapshot of peer IDs currently routable via the
// mesh routing layer. The snapshot is an immutable value once returned.
type PathTableSource interface {
	Snapshot(ctx context.Context) (map[PeerID]struct{}, error)
}

// NetworkStatusSource reports transport readiness.
type NetworkStatusSource interface {
	NetworkStatus() NetworkStatus
}

// SharingFactSource answers whether a peer currently shares its location with
// us, derived from contact metadata maintained elsewhere.
type SharingFactSource interface {
	IsPeerSharingWithMe(id PeerID) (bool, error)
}
