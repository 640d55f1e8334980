// Package discovery provides a LAN-local announce source: it broadcasts this
// node's presence over mDNS and converts discovered peers into raw announce
// events for the ingestion pipeline. It is one concrete provider of the
// announce stream; mesh-wide announces arrive through the transport layer.
package discovery

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"meshpresence/presence"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_meshpresence._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background announce scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPort is the nominal advertised service port; the presence
	// engine itself does not accept connections on it.
	DefaultPort = 42671
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcast and announce scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	Port            int

	// SelfPeerID filters out our own broadcast from the announce stream.
	SelfPeerID presence.PeerID
	// PublicKey is advertised so LAN peers can pin our identity.
	PublicKey []byte
	// DisplayName is advertised as the mDNS instance name.
	DisplayName string
	// Aspect tags the announces we broadcast. Defaults to lxmf.delivery.
	Aspect string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.Aspect == "" {
		out.Aspect = presence.AspectDelivery
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if c.SelfPeerID == (presence.PeerID{}) {
		return errors.New("self peer ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	return nil
}

// Broadcaster advertises local presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"peer_id=" + cfg.SelfPeerID.String(),
		"public_key=" + base64.StdEncoding.EncodeToString(cfg.PublicKey),
		"aspect=" + cfg.Aspect,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DisplayName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates broadcast and announce scanning.
type Service struct {
	Broadcaster *Broadcaster
	Source      *AnnounceSource
}

// Start starts broadcaster and announce source using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	source, err := NewAnnounceSource(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := source.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Source:      source,
	}, nil
}

// Stop stops the announce source and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Source != nil {
		s.Source.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}

// parseEntry converts one mDNS service entry into a raw announce. Entries
// without a usable peer ID, and our own broadcast, are skipped.
func parseEntry(entry *zeroconf.ServiceEntry, self presence.PeerID, now time.Time) (presence.RawAnnounce, bool) {
	txt := txtToMap(entry.Text)

	rawID, err := hex.DecodeString(strings.TrimSpace(txt["peer_id"]))
	if err != nil || len(rawID) != presence.PeerIDLength {
		return presence.RawAnnounce{}, false
	}
	id, err := presence.PeerIDFromBytes(rawID)
	if err != nil || id == self {
		return presence.RawAnnounce{}, false
	}

	publicKey, err := base64.StdEncoding.DecodeString(txt["public_key"])
	if err != nil {
		publicKey = nil
	}

	aspect := strings.TrimSpace(txt["aspect"])
	if aspect == "" {
		aspect = presence.AspectDelivery
	}

	name := strings.TrimSpace(entry.Instance)

	return presence.RawAnnounce{
		PeerID:      rawID,
		PublicKey:   publicKey,
		AppData:     []byte(name),
		Aspect:      aspect,
		HopCount:    0, // LAN peers are direct
		Timestamp:   now,
		InterfaceID: "mdns",
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
