// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Espelho de São Miguel - a khatru relay kept in sync with remote relays over NIP-77.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/fiatjaf/khatru/policies"
	"github.com/girino/relay-pool/eventstore/localstore"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/metrics"
	"github.com/girino/relay-pool/mirror"
	"github.com/girino/relay-pool/nip77"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/relaystore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/pflag"
)

// decodeSecretKey accepts an nsec or a 64 char hex key and returns the hex form.
func decodeSecretKey(sec string) (string, error) {
	sec = strings.TrimSpace(sec)
	if strings.HasPrefix(sec, "nsec") {
		prefix, val, err := nip19.Decode(sec)
		if err != nil {
			return "", fmt.Errorf("decoding nsec: %w", err)
		}
		s, ok := val.(string)
		if prefix != "nsec" || !ok {
			return "", errors.New("not an nsec")
		}
		return s, nil
	}
	if b, err := hex.DecodeString(sec); err != nil || len(b) != 32 {
		return "", errors.New("secret key must be nsec or 64 hex characters")
	}
	return sec, nil
}

func main() {
	startTime := time.Now()

	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logging.Fatal("config: %v", err)
	}

	if err := logging.Init(logging.Options{JSON: cfg.LogJSON}); err != nil {
		logging.Fatal("initializing logger: %v", err)
	}
	defer logging.Sync()
	// Examples:
	//   - VERBOSE=1 or VERBOSE=true: enable all verbose logging
	//   - VERBOSE=nip77: enable verbose for the sync layer only
	//   - VERBOSE=pool.Send,mirror: enable specific method + module
	logging.SetVerbose(cfg.Verbose)

	if len(cfg.QueryRemotes) == 0 {
		logging.Fatal("no query remotes provided - the mirror requires query remotes")
	}

	// create a basic khatru relay instance
	r := khatru.NewRelay()
	if r.Info == nil {
		r.Info = &nip11.RelayInformationDocument{}
	}
	ApplyToRelay(r, cfg)

	sec := cfg.RelaySecKey
	if sec == "" {
		sec = nostr.GeneratePrivateKey()
		logging.DebugMethod("main", "main", "generated new relay secret key")
	} else if sec, err = decodeSecretKey(sec); err != nil {
		logging.Fatal("relay secret key: %v", err)
	}
	if pk, err := nostr.GetPublicKey(sec); err == nil && r.Info.PubKey == "" {
		r.Info.PubKey = pk
	}

	// local store: every event the relay serves goes through it
	backend, err := localstore.OpenBackend(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		logging.Fatal("opening %s store: %v", cfg.StoreBackend, err)
	}
	store := localstore.New(backend)
	if err := store.Init(); err != nil {
		logging.Fatal("initializing local store: %v", err)
	}
	defer store.Close()

	poolOpts := []pool.Option{
		pool.WithMaxSubscriptions(cfg.MaxSubscriptions),
		pool.WithLocalStore(store),
	}
	if cfg.AuthenticateRelay {
		signer, err := pool.NewKeySigner(sec)
		if err != nil {
			logging.Fatal("relay signer: %v", err)
		}
		poolOpts = append(poolOpts, pool.WithSigner(signer))
	}
	p := pool.New(poolOpts...)
	defer p.Close()

	// relaystore adds the remotes to the pool with their capabilities
	rs := relaystore.New(p, cfg.PublishRemotes, cfg.QueryRemotes).WithQueryTimeout(cfg.QueryTimeout)
	if err := rs.Init(); err != nil {
		logging.Fatal("initializing relaystore: %v", err)
	}
	defer rs.Close()

	coord := nip77.NewCoordinator(p, store,
		nip77.WithSessionTimeout(cfg.SessionTimeout),
		nip77.WithBatchSize(cfg.FetchBatchSize),
		nip77.WithCapabilityCache(nip77.NewCapabilityCache(1024, cfg.CapabilityTTL, nip77.FetchRelayInfo)),
		nip77.WithReconnectSync([]nostr.Filter{{}}),
		nip77.WithReconnectWindow(cfg.SyncWindow),
	)
	defer coord.Close()

	mm := mirror.NewMirrorManager(coord, p, store, cfg.QueryRemotes,
		mirror.WithSyncWindow(cfg.SyncWindow),
		mirror.WithIgnoreRejected(cfg.IgnoreRejected),
		mirror.WithRetryDelay(cfg.MirrorRetryDelay),
		mirror.WithConnectTimeout(cfg.ConnectTimeout),
		mirror.WithHealthInterval(cfg.HealthInterval),
	)

	// downstream clients may reconcile against us too
	r.Negentropy = true
	ensureSupportedNips(r, []int{11, 42, 45, nip77.NIP})

	// Apply custom connection and filter policies for upstream relay protection
	filterIpRateLimiter := policies.FilterIPRateLimiter(20, time.Minute, 100)
	r.RejectFilter = append(r.RejectFilter,
		func(ctx context.Context, filter nostr.Filter) (reject bool, msg string) {
			reject, msg = filterIpRateLimiter(ctx, filter)
			if reject {
				logging.Warn("filter IP rate limiter: %v, %s, from: %s", reject, msg, khatru.GetIP(ctx))
			}
			return reject, msg
		},
	)
	connectionRateLimiter := policies.ConnectionRateLimiter(1, time.Minute*5, 100)
	r.RejectConnection = append(r.RejectConnection,
		func(req *http.Request) (reject bool) {
			reject = connectionRateLimiter(req)
			if reject {
				logging.Warn("connection rate limiter: %v, from: %s", reject, khatru.GetIPFromRequest(req))
			}
			return reject
		},
	)
	r.RejectEvent = append(r.RejectEvent, policies.PreventLargeTags(100))

	// local store answers first; remotes fill in what was never mirrored
	r.StoreEvent = append(r.StoreEvent, store.SaveEvent, rs.SaveEvent)
	r.ReplaceEvent = append(r.ReplaceEvent, store.ReplaceEvent, rs.ReplaceEvent)
	r.DeleteEvent = append(r.DeleteEvent, store.DeleteEvent)
	r.QueryEvents = append(r.QueryEvents, store.QueryEvents, rs.QueryEvents)
	r.CountEvents = append(r.CountEvents, rs.CountEvents)

	if err := mm.StartMirroring(context.Background(), r); err != nil {
		logging.Fatal("[mirror] failed to start mirroring: %v", err)
	}
	defer mm.StopMirroring()

	srv := &server{
		startTime: startTime,
		name:      r.Info.Name,
		pool:      p,
		coord:     coord,
		mirror:    mm,
		relays:    rs,
		store:     store,
	}
	mux := r.Router()
	mux.HandleFunc("/api/v1/stats", srv.handleStats)
	mux.HandleFunc("/api/v1/health", srv.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	host, port, err := splitAddr(cfg.Addr)
	if err != nil {
		logging.Fatal("invalid addr: %v", err)
	}
	logging.Info("Starting %s %s on %s", ProjectName, versionString(), cfg.Addr)
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}

// splitAddr accepts host:port or a bare :port.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

func ensureSupportedNips(r *khatru.Relay, nips []int) {
	if r == nil || r.Info == nil {
		return
	}
	present := map[int]bool{}
	for _, v := range r.Info.SupportedNIPs {
		switch vv := v.(type) {
		case int:
			present[vv] = true
		case int64:
			present[int(vv)] = true
		case float64:
			present[int(vv)] = true
		}
	}
	for _, ni := range nips {
		if !present[ni] {
			r.Info.SupportedNIPs = append(r.Info.SupportedNIPs, ni)
		}
	}
}
