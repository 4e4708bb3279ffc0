package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRelayScannerCollectsAndSortsRelays(t *testing.T) {
	cfg := Config{
		ScanTimeout: 35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService || domain != DefaultDomain {
				t.Errorf("unexpected browse target %s %s", service, domain)
			}
			entries <- testServiceEntry("Zulu", 8080, "10.0.0.9", "version=1", "url=https://zulu.lan/")
			entries <- testServiceEntry("Alpha", 9000, "10.0.0.2", "version=1", "tls=1", "path=api")
			entries <- testServiceEntry("Old", 7000, "10.0.0.3", "version=0", "url=http://old.lan")
			entries <- testServiceEntry("Zulu", 8080, "10.0.0.9", "version=1", "url=https://zulu.lan")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}

	relays, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("expected 2 relays, got %d: %+v", len(relays), relays)
	}
	if relays[0].Instance != "Alpha" || relays[0].URL != "https://10.0.0.2:9000/api" {
		t.Fatalf("unexpected first relay: %+v", relays[0])
	}
	if relays[1].Instance != "Zulu" || relays[1].URL != "https://zulu.lan" {
		t.Fatalf("unexpected second relay: %+v", relays[1])
	}
	if relays[0].LastSeen.IsZero() {
		t.Fatalf("expected LastSeen to be set")
	}
	if got := scanner.ListRelays(); len(got) != 2 {
		t.Fatalf("expected snapshot of 2 relays, got %d", len(got))
	}
}

func TestRelayScannerIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		ScanTimeout: 35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("Relay", 8080, "10.0.0.2", "version=1")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}

	relay, err := scanner.First(context.Background())
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if relay.URL != "http://10.0.0.2:8080" {
		t.Fatalf("unexpected relay url %q", relay.URL)
	}
}

func TestRelayScannerReportsBrowseFailureAndEmptyScan(t *testing.T) {
	browseErr := errors.New("no multicast interface")
	failing, err := NewRelayScanner(Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	if _, err := failing.Scan(context.Background()); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}

	empty, err := NewRelayScanner(Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	if _, err := empty.First(context.Background()); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("expected ErrNoRelay, got %v", err)
	}
}

func TestRelayScannerHonorsCallerCancellation(t *testing.T) {
	scanner, err := NewRelayScanner(Config{
		ScanTimeout: time.Minute,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := scanner.Scan(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
}

func testServiceEntry(instance string, port int, ip string, txt ...string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text:     txt,
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
