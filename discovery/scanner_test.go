package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func fakeEntry(peerID, name string, ip string, port int) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: name},
		Port:          port,
		Text:          []string{"peer_id=" + peerID, "version=1", "fingerprint=abcd"},
	}
	entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	return entry
}

func collectObservations(t *testing.T, scanner *Scanner, count int, timeout time.Duration) []Observation {
	t.Helper()

	var out []Observation
	deadline := time.After(timeout)
	for len(out) < count {
		select {
		case obs := <-scanner.Observations():
			out = append(out, obs)
		case <-deadline:
			t.Fatalf("observed %d of %d events", len(out), count)
		}
	}
	return out
}

func TestScannerEmitsDiscoveredAndLost(t *testing.T) {
	scans := make(chan []*zeroconf.ServiceEntry, 4)
	scans <- []*zeroconf.ServiceEntry{fakeEntry("11111111111111111111111111111111", "desk", "192.168.1.20", 4000)}
	scans <- nil

	cfg := Config{
		SelfPeerID:      "00000000000000000000000000000000",
		RefreshInterval: 50 * time.Millisecond,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			select {
			case batch := <-scans:
				for _, entry := range batch {
					entries <- entry
				}
			default:
			}
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	observations := collectObservations(t, scanner, 2, 5*time.Second)

	if observations[0].Type != ObservationDiscovered {
		t.Fatalf("first observation %s, want discovered", observations[0].Type)
	}
	if observations[0].PeerID != "11111111111111111111111111111111" {
		t.Fatalf("wrong peer ID %s", observations[0].PeerID)
	}
	if observations[0].Endpoint != "192.168.1.20:4000" {
		t.Fatalf("wrong endpoint %s", observations[0].Endpoint)
	}

	if observations[1].Type != ObservationLost {
		t.Fatalf("second observation %s, want lost", observations[1].Type)
	}
	if observations[1].PeerID != observations[0].PeerID {
		t.Fatalf("lost event for wrong peer")
	}
}

func TestScannerFiltersSelf(t *testing.T) {
	self := "00000000000000000000000000000000"
	entry := fakeEntry(self, "me", "192.168.1.5", 4000)

	if _, ok := parseEntry(entry, self); ok {
		t.Fatalf("scanner must not observe itself")
	}
}

func TestParseEntryRequiresDialableAddress(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "ghost"},
		Port:          4000,
		Text:          []string{"peer_id=22222222222222222222222222222222"},
	}

	if _, ok := parseEntry(entry, "self"); ok {
		t.Fatalf("entry without addresses must be skipped")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{SelfPeerID: "x"}.withDefaults()

	if cfg.Service != DefaultService {
		t.Fatalf("service %q", cfg.Service)
	}
	if cfg.Domain != DefaultDomain {
		t.Fatalf("domain %q", cfg.Domain)
	}
	if cfg.RefreshInterval != DefaultRefreshInterval {
		t.Fatalf("refresh %v", cfg.RefreshInterval)
	}
	if cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("scan timeout %v", cfg.ScanTimeout)
	}
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	captured := []string(nil)
	cfg := Config{
		SelfPeerID:  "33333333333333333333333333333333",
		DeviceName:  "desk",
		ListenPort:  4000,
		Fingerprint: "abcd",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			captured = text
			return nil, nil
		},
	}

	if _, err := StartBroadcaster(cfg); err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}

	found := map[string]bool{}
	for _, item := range captured {
		found[item] = true
	}
	if !found["peer_id=33333333333333333333333333333333"] || !found["fingerprint=abcd"] {
		t.Fatalf("TXT records incomplete: %v", captured)
	}

	if _, err := StartBroadcaster(Config{DeviceName: "desk", ListenPort: 4000}); err == nil {
		t.Fatalf("expected validation error without peer ID")
	}
}
