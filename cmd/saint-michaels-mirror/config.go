// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for Espelho de São Miguel.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/girino/relay-pool/relay"
	"github.com/spf13/pflag"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(env string, defaultValue int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(env string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(env string, defaultValue bool) bool {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr           string
	QueryRemotes   []relay.URL
	PublishRemotes []relay.URL
	Verbose        string
	LogJSON        bool

	RelayServiceURL  string
	RelayName        string
	RelayDescription string
	RelayContact     string
	RelaySecKey      string
	RelayPubKey      string
	RelayIcon        string
	RelayBanner      string

	// Local store
	StoreBackend string
	StorePath    string

	// Pool and sync settings
	MaxSubscriptions  int
	SessionTimeout    time.Duration
	FetchBatchSize    int
	SyncWindow        time.Duration
	IgnoreRejected    bool
	CapabilityTTL     time.Duration
	MirrorRetryDelay  time.Duration
	QueryTimeout      time.Duration
	ConnectTimeout    time.Duration
	HealthInterval    time.Duration
	AuthenticateRelay bool
}

// loadConfig reads environment variables and then args. Flags override env values.
func loadConfig(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("saint-michaels-mirror", pflag.ContinueOnError)

	addr := fs.String("addr", getEnvOr("ADDR", ":3337"), "address to listen on (env: ADDR)")
	queryRemotes := fs.String("query-remotes", os.Getenv("QUERY_REMOTES"), "comma-separated list of remote relay URLs to mirror and query (env: QUERY_REMOTES)")
	publishRemotes := fs.String("publish-remotes", os.Getenv("PUBLISH_REMOTES"), "comma-separated list of remote relay URLs events are published to (env: PUBLISH_REMOTES)")
	verbose := fs.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1'/'true' for all, 'pool' for module, 'nip77.Sync,mirror' for specific methods (env: VERBOSE)")
	logJSON := fs.Bool("log-json", getEnvBool("LOG_JSON", false), "log in JSON (env: LOG_JSON)")

	// Relay identity settings
	relayServiceURL := fs.String("relay-service-url", os.Getenv("RELAY_SERVICE_URL"), "service URL for relay (env: RELAY_SERVICE_URL)")
	relayName := fs.String("relay-name", os.Getenv("RELAY_NAME"), "relay name (env: RELAY_NAME)")
	relayDescription := fs.String("relay-description", os.Getenv("RELAY_DESCRIPTION"), "relay description (env: RELAY_DESCRIPTION)")
	relayContact := fs.String("relay-contact", os.Getenv("RELAY_CONTACT"), "relay contact (env: RELAY_CONTACT)")
	relaySecKey := fs.String("relay-seckey", os.Getenv("RELAY_SECKEY"), "relay secret key, nsec or hex (env: RELAY_SECKEY)")
	relayPubKey := fs.String("relay-pubkey", os.Getenv("RELAY_PUBKEY"), "relay public key (env: RELAY_PUBKEY)")
	relayIcon := fs.String("relay-icon", os.Getenv("RELAY_ICON"), "relay icon URL (env: RELAY_ICON)")
	relayBanner := fs.String("relay-banner", os.Getenv("RELAY_BANNER"), "relay banner URL (env: RELAY_BANNER)")

	storeBackend := fs.String("store", getEnvOr("STORE", "memory"), "local store backend: memory or lmdb (env: STORE)")
	storePath := fs.String("store-path", getEnvOr("STORE_PATH", "data/events"), "lmdb directory (env: STORE_PATH)")

	maxSubscriptions := fs.Int("max-subscriptions", getEnvInt("MAX_SUBSCRIPTIONS", 14), "concurrent subscriptions per pool (env: MAX_SUBSCRIPTIONS)")
	sessionTimeout := fs.Duration("session-timeout", getEnvDuration("SESSION_TIMEOUT", 30*time.Second), "negentropy session timeout (env: SESSION_TIMEOUT)")
	fetchBatchSize := fs.Int("fetch-batch-size", getEnvInt("FETCH_BATCH_SIZE", 500), "ids per fetch request after reconciliation (env: FETCH_BATCH_SIZE)")
	syncWindow := fs.Duration("sync-window", getEnvDuration("SYNC_WINDOW", 24*time.Hour), "how far back each catch-up reconciles, 0 for everything (env: SYNC_WINDOW)")
	ignoreRejected := fs.Bool("ignore-rejected", getEnvBool("IGNORE_REJECTED", true), "keep syncing when a relay rejects negentropy (env: IGNORE_REJECTED)")
	capabilityTTL := fs.Duration("capability-ttl", getEnvDuration("CAPABILITY_TTL", time.Hour), "how long NIP-11 capability answers are cached (env: CAPABILITY_TTL)")
	mirrorRetryDelay := fs.Duration("mirror-retry-delay", getEnvDuration("MIRROR_RETRY_DELAY", 10*time.Second), "delay before restarting a failed mirror run (env: MIRROR_RETRY_DELAY)")
	queryTimeout := fs.Duration("query-timeout", getEnvDuration("QUERY_TIMEOUT", 7*time.Second), "timeout for queries forwarded to remotes (env: QUERY_TIMEOUT)")
	connectTimeout := fs.Duration("connect-timeout", getEnvDuration("CONNECT_TIMEOUT", 5*time.Second), "initial wait for query remotes (env: CONNECT_TIMEOUT)")
	healthInterval := fs.Duration("health-interval", getEnvDuration("HEALTH_INTERVAL", 30*time.Second), "relay health check interval (env: HEALTH_INTERVAL)")
	authenticate := fs.Bool("authenticate", getEnvBool("AUTHENTICATE", true), "answer NIP-42 challenges with the relay key (env: AUTHENTICATE)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	qry, err := splitRelays(*queryRemotes)
	if err != nil {
		return nil, fmt.Errorf("query-remotes: %w", err)
	}
	pub, err := splitRelays(*publishRemotes)
	if err != nil {
		return nil, fmt.Errorf("publish-remotes: %w", err)
	}
	if *storeBackend != "memory" && *storeBackend != "lmdb" {
		return nil, fmt.Errorf("unknown store backend %q", *storeBackend)
	}

	cfg := &Config{
		Addr:           *addr,
		QueryRemotes:   qry,
		PublishRemotes: pub,
		Verbose:        *verbose,
		LogJSON:        *logJSON,

		RelayServiceURL:  *relayServiceURL,
		RelayName:        *relayName,
		RelayDescription: *relayDescription,
		RelayContact:     *relayContact,
		RelaySecKey:      *relaySecKey,
		RelayPubKey:      *relayPubKey,
		RelayIcon:        *relayIcon,
		RelayBanner:      *relayBanner,

		StoreBackend: *storeBackend,
		StorePath:    *storePath,

		MaxSubscriptions:  *maxSubscriptions,
		SessionTimeout:    *sessionTimeout,
		FetchBatchSize:    *fetchBatchSize,
		SyncWindow:        *syncWindow,
		IgnoreRejected:    *ignoreRejected,
		CapabilityTTL:     *capabilityTTL,
		MirrorRetryDelay:  *mirrorRetryDelay,
		QueryTimeout:      *queryTimeout,
		ConnectTimeout:    *connectTimeout,
		HealthInterval:    *healthInterval,
		AuthenticateRelay: *authenticate,
	}
	return cfg, nil
}

// splitRelays parses a comma-separated relay list.
func splitRelays(s string) ([]relay.URL, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return relay.ParseURLs(strings.Split(s, ","))
}

// ApplyToRelay applies config NIP-11 fields to a khatru Relay instance.
func ApplyToRelay(r *khatru.Relay, cfg *Config) {
	if cfg.RelayServiceURL != "" {
		r.ServiceURL = cfg.RelayServiceURL
	}
	if cfg.RelayName != "" {
		r.Info.Name = cfg.RelayName
	} else {
		r.Info.Name = "saint-michaels-mirror"
	}
	if cfg.RelayDescription != "" {
		r.Info.Description = cfg.RelayDescription
	}
	if cfg.RelayContact != "" {
		r.Info.Contact = cfg.RelayContact
	}
	// software and version are fixed
	r.Info.Software = "https://gitworkshop.dev/npub18lav8fkgt8424rxamvk8qq4xuy9n8mltjtgztv2w44hc5tt9vets0hcfsz/relay.ngit.dev/saint-michaels-mirror"
	r.Info.Version = Version
	if cfg.RelayPubKey != "" {
		r.Info.PubKey = cfg.RelayPubKey
	}
	if cfg.RelayIcon != "" {
		r.Info.Icon = cfg.RelayIcon
	}
	if cfg.RelayBanner != "" {
		r.Info.Banner = cfg.RelayBanner
	}
}
