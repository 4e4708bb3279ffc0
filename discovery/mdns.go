// Package discovery finds relays on the local network over mDNS and lets a
// client advertise the relay it already uses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_relaychat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second

	txtVersion = "version"
	txtURL     = "url"
	txtPath    = "path"
	txtTLS     = "tls"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and scanning.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// Instance, Port and URL describe the advertised relay.
	Instance string
	Port     int
	URL      string

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
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	parsed, err := url.Parse(c.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("relay url %q must be an absolute http(s) url", c.URL)
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Broadcaster advertises a relay URL via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the relay described by config.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtURL + "=" + strings.TrimRight(cfg.URL, "/"),
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartBroadcaster",
		"instance": cfg.Instance,
		"url":      cfg.URL,
	}).Info("Advertising relay on local network")

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}
