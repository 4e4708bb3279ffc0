package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// ErrNoRelay is returned by First when a scan finds nothing usable.
var ErrNoRelay = errors.New("discovery: no relay found")

// Relay is a relay endpoint seen on the local network.
type Relay struct {
	Instance  string
	URL       string
	Version   int
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// RelayScanner browses for advertised relays.
type RelayScanner struct {
	cfg    Config
	browse browseFunc
	now    func() time.Time

	mu     sync.RWMutex
	relays []Relay
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:    cfg,
		browse: browse,
		now:    time.Now,
	}, nil
}

// Scan browses for one scan window and returns the relays found, sorted by
// instance name. Entries with a different protocol version are ignored.
func (s *RelayScanner) Scan(ctx context.Context) ([]Relay, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
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
				relay, ok := parseEntry(entry, s.cfg.Version)
				if !ok {
					continue
				}
				relay.LastSeen = s.now()
				collected[relay.URL] = relay
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse %s: %w", s.cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	relays := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		relays = append(relays, relay)
	}
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].Instance == relays[j].Instance {
			return relays[i].URL < relays[j].URL
		}
		return relays[i].Instance < relays[j].Instance
	})

	s.mu.Lock()
	s.relays = relays
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Scan",
		"service":  s.cfg.Service,
		"found":    len(relays),
	}).Debug("Relay scan finished")

	return append([]Relay(nil), relays...), nil
}

// First scans and returns the first relay found.
func (s *RelayScanner) First(ctx context.Context) (Relay, error) {
	relays, err := s.Scan(ctx)
	if err != nil {
		return Relay{}, err
	}
	if len(relays) == 0 {
		return Relay{}, ErrNoRelay
	}
	return relays[0], nil
}

// ListRelays returns the result of the last completed scan.
func (s *RelayScanner) ListRelays() []Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Relay(nil), s.relays...)
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (Relay, bool) {
	txt := txtToMap(entry.Text)

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}
	if version != wantVersion {
		return Relay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	relayURL := strings.TrimRight(txt[txtURL], "/")
	if relayURL == "" {
		relayURL = urlFromAddress(entry, addresses, txt)
	}
	if relayURL == "" {
		return Relay{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return Relay{
		Instance:  name,
		URL:       relayURL,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

// urlFromAddress builds a base URL for relays that only advertise host and
// port. IPv4 addresses sort first and are preferred.
func urlFromAddress(entry *zeroconf.ServiceEntry, addresses []string, txt map[string]string) string {
	if entry.Port <= 0 {
		return ""
	}
	host := strings.TrimSuffix(entry.HostName, ".")
	if len(addresses) > 0 {
		host = addresses[0]
	}
	if host == "" {
		return ""
	}
	scheme := "http"
	if txt[txtTLS] == "1" || txt[txtTLS] == "true" {
		scheme = "https"
	}
	path := strings.TrimRight(txt[txtPath], "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path
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
