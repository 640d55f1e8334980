package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"meshpresence/presence"
)

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// AnnounceSource turns periodic and manual mDNS browse operations into a raw
// announce stream. Duplicate announces for the same peer are expected; the
// ingestion pipeline deduplicates by upsert.
type AnnounceSource struct {
	cfg Config

	browse browseFunc

	announces chan presence.RawAnnounce

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	// started is closed by Start after ctx is set, so Refresh may read ctx
	// without racing the first Start.
	started chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewAnnounceSource creates a source with config defaults applied.
func NewAnnounceSource(config Config) (*AnnounceSource, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &AnnounceSource{
		cfg:             cfg,
		browse:          browse,
		announces:       make(chan presence.RawAnnounce, 128),
		started:         make(chan struct{}),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background announce scanning.
func (s *AnnounceSource) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
		close(s.started)
	})
	return s.startErr
}

// Stop stops background scanning and closes the announce stream.
func (s *AnnounceSource) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.announces)
	})
}

// Announces provides the raw announce stream for the ingestion pipeline.
func (s *AnnounceSource) Announces() <-chan presence.RawAnnounce {
	return s.announces
}

// Refresh triggers an immediate scan.
func (s *AnnounceSource) Refresh(ctx context.Context) error {
	select {
	case <-s.started:
	default:
		return errors.New("announce source is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("announce source is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("announce source is stopped")
	}
}

func (s *AnnounceSource) loop() {
	defer s.wg.Done()

	// Prime the announce stream immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *AnnounceSource) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				raw, ok := parseEntry(entry, s.cfg.SelfPeerID, time.Now())
				if !ok {
					continue
				}
				s.emit(raw)
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// emit never blocks; a full buffer drops the announce, which the next scan
// will replay.
func (s *AnnounceSource) emit(raw presence.RawAnnounce) {
	select {
	case s.announces <- raw:
	default:
	}
}
