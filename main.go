package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"relaychat/config"
	"relaychat/crypto"
	"relaychat/discovery"
	"relaychat/messaging"
	"relaychat/models"
	"relaychat/relay"
	"relaychat/relay/httprelay"
	"relaychat/storage"
)

const (
	pollInterval = 5 * time.Second
	pruneEvery   = time.Hour
)

func main() {
	relayFlag := flag.String("relay", "", "relay base URL (overrides config)")
	advertise := flag.String("advertise", "", "advertise the configured relay on the LAN under this instance name")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}
	logrus.SetLevel(cfg.Level())

	identity, err := crypto.EnsureIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath, cfg.X25519PrivateKeyPath)
	if err != nil {
		logrus.Fatalf("startup failed while preparing identity keys: %v", err)
	}

	fingerprint := crypto.KeyFingerprint(identity.PublicKey())
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			logrus.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Handle:          %s\n", cfg.Handle)
	fmt.Printf("Public Key:      %s\n", identity.PublicKeyString())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	storageKey, err := crypto.DeriveStorageKey(identity.SigningKey)
	if err != nil {
		logrus.Fatalf("startup failed while deriving storage key: %v", err)
	}
	store, dbPath, err := storage.Open(dataDir, storageKey)
	if err != nil {
		logrus.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.Errorf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayURL, err := resolveRelayURL(ctx, cfg, *relayFlag)
	if err != nil {
		logrus.Fatalf("startup failed while locating relay: %v", err)
	}
	fmt.Printf("Relay:           %s\n", relayURL)

	if *advertise != "" {
		broadcaster, err := startAdvertising(*advertise, relayURL)
		if err != nil {
			logrus.Warnf("relay advertising failed: %v", err)
		} else {
			defer broadcaster.Stop()
		}
	}

	channel, err := httprelay.New(httprelay.Options{
		BaseURL:      relayURL,
		Identity:     identity,
		PollInterval: pollInterval,
		PollLimit:    cfg.SyncBatchSize,
	})
	if err != nil {
		logrus.Fatalf("startup failed while creating relay client: %v", err)
	}
	defer func() {
		if err := channel.Disconnect(); err != nil {
			logrus.Errorf("relay disconnect error: %v", err)
		}
	}()

	manager, err := messaging.NewManager(messaging.ManagerOptions{
		Identity:         identity,
		Handle:           cfg.Handle,
		Store:            store,
		Relay:            channel,
		SyncBatchSize:    cfg.SyncBatchSize,
		SyncBatchDelay:   cfg.SyncBatchDelay(),
		KeyCacheTTL:      cfg.KeyCacheTTL(),
		SubscriberBuffer: cfg.SubscriberBuffer,
	})
	if err != nil {
		logrus.Fatalf("startup failed while creating messaging manager: %v", err)
	}
	defer manager.Close()

	events, unsubscribe := manager.Subscribe()
	defer unsubscribe()
	go printEvents(events)
	go logErrors(manager.Errors())

	if err := manager.Start(); err != nil {
		logrus.Fatalf("startup failed while starting messaging manager: %v", err)
	}
	if err := manager.Connect(ctx); err != nil {
		logrus.Warnf("relay connect failed, continuing offline: %v", err)
	}

	result, err := manager.SyncMessages(ctx, 0)
	if err != nil {
		logrus.Warnf("initial sync failed: %v", err)
	} else {
		fmt.Printf("Synced:          %d stored, %d duplicates, %d dropped, %d deferred\n",
			result.Stored, result.Duplicates, result.Dropped, result.Deferred)
	}

	go pruneLoop(ctx, store)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func resolveRelayURL(ctx context.Context, cfg *config.ClientConfig, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if cfg.RelayURL != "" {
		return cfg.RelayURL, nil
	}
	if !cfg.RelayDiscovery {
		return "", errors.New("no relay_url configured and relay discovery is disabled")
	}

	scanner, err := discovery.NewRelayScanner(discovery.Config{})
	if err != nil {
		return "", err
	}
	found, err := scanner.First(ctx)
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"function": "resolveRelayURL",
		"instance": found.Instance,
		"url":      found.URL,
	}).Info("Discovered relay on local network")
	return found.URL, nil
}

func startAdvertising(instance, relayURL string) (*discovery.Broadcaster, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	port := 80
	if parsed.Scheme == "https" {
		port = 443
	}
	if raw := parsed.Port(); raw != "" {
		if port, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("parse relay port: %w", err)
		}
	}
	return discovery.StartBroadcaster(discovery.Config{
		Instance: instance,
		Port:     port,
		URL:      relayURL,
	})
}

func printEvents(events <-chan messaging.Event) {
	for event := range events {
		switch event.Type {
		case messaging.EventMessageReceived:
			if event.Message == nil {
				continue
			}
			from := event.Message.FromHandle
			if from == "" {
				from = event.Message.FromPublicKey
			}
			if text, ok := event.Message.Payload.(models.TextPayload); ok {
				fmt.Printf("[%s] %s: %s\n", event.ThreadID, from, text.Text)
			} else {
				fmt.Printf("[%s] %s sent %s\n", event.ThreadID, from, event.Message.PayloadType)
			}
		case messaging.EventStatusChanged:
			logrus.Debugf("message %s is now %s", event.MessageID, event.Status)
		case messaging.EventConnectionState:
			if event.State == relay.StateReconnecting {
				logrus.Warn("relay connection lost, reconnecting")
			}
			fmt.Printf("Relay state:     %s\n", event.State)
		}
	}
}

func logErrors(errs <-chan error) {
	for err := range errs {
		logrus.Errorf("background error: %v", err)
	}
}

func pruneLoop(ctx context.Context, store *storage.Store) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		now := time.Now()
		cutoff := now.Add(-storage.DefaultSeenIDRetention).UnixMilli()
		if n, err := store.PruneSeenIDs(ctx, cutoff); err != nil && ctx.Err() == nil {
			logrus.Warnf("prune seen envelope ids: %v", err)
		} else if n > 0 {
			logrus.Debugf("pruned %d seen envelope ids", n)
		}
		cutoff = now.Add(-storage.DefaultSecurityEventRetention).UnixMilli()
		if n, err := store.PruneSecurityEvents(ctx, cutoff); err != nil && ctx.Err() == nil {
			logrus.Warnf("prune security events: %v", err)
		} else if n > 0 {
			logrus.Debugf("pruned %d security events", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
