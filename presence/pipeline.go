package presence

import (
	"context"

	"go.uber.org/zap"
)

// RecomputeRequester receives the eager-recompute signal after each
// successfully persisted announce.
type RecomputeRequester interface {
	RequestRecompute()
}

// PipelineConfig wires a Pipeline to its collaborators.
type PipelineConfig struct {
	Store   AnnounceWriter
	Tracker RecomputeRequester
	Logger  *zap.Logger
}

// Pipeline consumes a raw announce stream, normalizes records, and upserts
// them into the announce store. Delivery is at-least-once and best-effort: a
// record that fails validation or persistence is dropped and logged, never
// fatal, because peers re-announce periodically.
type Pipeline struct {
	cfg PipelineConfig
	log *zap.Logger
}

// NewPipeline creates an announce ingestion pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, log: log.Named("ingest")}
}

// Run consumes announces in arrival order until the channel closes or ctx is
// cancelled. Within a single peer the last-applied announce wins; no
// reordering by timestamp value is attempted.
func (p *Pipeline) Run(ctx context.Context, announces <-chan RawAnnounce) {
	for {
		select {
		case raw, ok := <-announces:
			if !ok {
				return
			}
			p.ingest(raw)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) ingest(raw RawAnnounce) {
	announce, err := Normalize(raw)
	if err != nil {
		p.log.Warn("dropping malformed announce", zap.Error(err))
		AnnouncesDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}

	if err := p.cfg.Store.UpsertAnnounce(announce); err != nil {
		// The peer will re-announce; losing one record is acceptable.
		p.log.Warn("announce upsert failed",
			zap.String("peer", announce.PeerID.Short()),
			zap.Error(err))
		AnnouncesDroppedTotal.WithLabelValues("store").Inc()
		return
	}

	AnnouncesIngestedTotal.Inc()
	p.log.Debug("announce applied",
		zap.String("peer", announce.PeerID.Short()),
		zap.String("name", announce.DisplayName),
		zap.String("aspect", announce.Aspect),
		zap.Int("hops", announce.HopCount))

	if p.cfg.Tracker != nil {
		p.cfg.Tracker.RequestRecompute()
	}
}

// Normalize validates a raw announce and derives its stored form. The display
// name derivation is total; only an unusable peer ID rejects a record.
func Normalize(raw RawAnnounce) (PeerAnnounce, error) {
	id, err := PeerIDFromBytes(raw.PeerID)
	if err != nil {
		return PeerAnnounce{}, err
	}

	hops := raw.HopCount
	if hops < 0 {
		hops = 0
	}

	// A keyless announce stores an empty, non-nil key so the NOT NULL
	// column accepts it; the key is pinned once a later announce carries one.
	publicKey := make([]byte, len(raw.PublicKey))
	copy(publicKey, raw.PublicKey)

	return PeerAnnounce{
		PeerID:               id,
		PublicKey:            publicKey,
		DisplayName:          DeriveDisplayName(raw.AppData, id),
		NodeType:             NodeTypeForAspect(raw.Aspect),
		Aspect:               raw.Aspect,
		HopCount:             hops,
		LastSeenAt:           raw.Timestamp,
		ReceivingInterfaceID: raw.InterfaceID,
	}, nil
}
