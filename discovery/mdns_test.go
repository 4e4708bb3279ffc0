package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		Instance: "Office Relay",
		Port:     8443,
		URL:      "https://relay.lan:8443/",
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
	defer broadcaster.Stop()

	if gotInstance != "Office Relay" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 8443 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "url=https://relay.lan:8443")
}

func TestStartBroadcasterRejectsIncompleteConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called for an invalid config")
		return nil, nil
	}

	cases := map[string]Config{
		"missing instance": {Port: 80, URL: "http://relay.lan"},
		"relative url":     {Instance: "r", Port: 80, URL: "relay.lan"},
		"bad scheme":       {Instance: "r", Port: 80, URL: "ftp://relay.lan"},
		"missing port":     {Instance: "r", URL: "http://relay.lan"},
	}
	for name, cfg := range cases {
		cfg.registerFn = register
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
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
