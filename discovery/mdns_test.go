package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"meshpresence/presence"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	self := testPeerID(t, 5)
	cfg := Config{
		SelfPeerID:  self,
		DisplayName: "Alice Laptop",
		PublicKey:   []byte{0x01, 0x02},
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != DefaultPort {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "peer_id="+self.String())
	assertContainsTXT(t, gotTXT, "aspect="+presence.AspectDelivery)
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXTPrefix(t, gotTXT, "public_key=")
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfPeerID:  testPeerID(t, 5),
		DisplayName: "Self",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Source == nil {
		t.Fatalf("expected broadcaster and announce source")
	}
	svc.Stop()
}

func TestConfigWithDefaults(t *testing.T) {
	withDefaults := Config{}.withDefaults()

	if withDefaults.Service != DefaultService {
		t.Fatalf("unexpected service default: %q", withDefaults.Service)
	}
	if withDefaults.RefreshInterval != DefaultRefreshInterval {
		t.Fatalf("unexpected refresh interval default: %s", withDefaults.RefreshInterval)
	}
	if withDefaults.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("unexpected scan timeout default: %s", withDefaults.ScanTimeout)
	}
	if withDefaults.Aspect != presence.AspectDelivery {
		t.Fatalf("unexpected aspect default: %q", withDefaults.Aspect)
	}
}

func TestParseEntrySkipsSelfAndDefaultsAspect(t *testing.T) {
	self := testPeerID(t, 5)
	now := time.Unix(1_706_000_000, 0).UTC()

	if _, ok := parseEntry(testServiceEntry(t, 5, "Self", "10.0.0.1"), self, now); ok {
		t.Fatal("own entry was not skipped")
	}

	entry := testServiceEntry(t, 1, "Bob", "10.0.0.2")
	entry.Text = []string{"peer_id=" + testPeerID(t, 1).String()}
	raw, ok := parseEntry(entry, self, now)
	if !ok {
		t.Fatal("entry without aspect was rejected")
	}
	if raw.Aspect != presence.AspectDelivery {
		t.Fatalf("missing aspect did not default: %q", raw.Aspect)
	}
	if !raw.Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp: %v", raw.Timestamp)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

func assertContainsTXTPrefix(t *testing.T, txt []string, prefix string) {
	t.Helper()
	for _, value := range txt {
		if len(value) >= len(prefix) && value[:len(prefix)] == prefix {
			return
		}
	}
	t.Fatalf("missing TXT prefix %q in %v", prefix, txt)
}
