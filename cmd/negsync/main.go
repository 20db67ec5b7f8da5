// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// negsync - reconcile a filter against relays into a local store and report what differed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/girino/relay-pool/eventstore/localstore"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/nip77"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/relay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/pflag"
)

// Row is one relay's line in the report.
type Row struct {
	Relay    relay.URL `json:"relay"`
	Status   string    `json:"status"`
	Have     int       `json:"have"`
	Need     int       `json:"need"`
	Fetched  int       `json:"fetched"`
	Duration string    `json:"duration,omitempty"`
}

func main() {
	cfg, err := loadConfig(os.Args[1:], time.Now())
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "negsync: %v\n", err)
		os.Exit(2)
	}
	logging.SetVerbose(cfg.Verbose)
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	rows, err := run(ctx, cfg, nil)
	if err != nil {
		logging.Error("negsync: %v", err)
	}
	if perr := report(os.Stdout, cfg, rows); perr != nil {
		logging.Error("negsync: writing report: %v", perr)
	}
	if err != nil {
		os.Exit(1)
	}
}

// run reconciles cfg.Filter against every relay and returns one row per relay in
// cfg.Relays order. Rows are returned even when the sync aborts.
func run(ctx context.Context, cfg *Config, poolOpts []pool.Option) ([]Row, error) {
	backend, err := localstore.OpenBackend(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return nil, err
	}
	store := localstore.New(backend)
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	defer store.Close()

	p := pool.New(append([]pool.Option{pool.WithLocalStore(store)}, poolOpts...)...)
	defer p.Close()
	for _, u := range cfg.Relays {
		if err := p.AddRelay(relay.Descriptor{URL: u, Read: true}); err != nil && !errors.Is(err, pool.ErrAlreadyExists) {
			return nil, err
		}
	}
	p.Connect()

	coord := nip77.NewCoordinator(p, store, nip77.WithSessionTimeout(cfg.SessionTimeout))
	defer coord.Close()

	results, syncErr := coord.Sync(ctx, []nostr.Filter{cfg.Filter}, nip77.SyncOptions{
		IgnoreRejected: cfg.IgnoreRejected,
	})

	rows := make([]Row, 0, len(cfg.Relays))
	for _, u := range cfg.Relays {
		row := Row{Relay: u}
		res, ok := results[u]
		switch {
		case ok && res.TimedOut:
			row.Status = "timeout"
		case ok:
			row.Status = "synced"
		case !p.IsConnected(u):
			row.Status = "unreachable"
		default:
			if capability, known := coord.Capabilities().Get(u); known && !capability.Negentropy {
				row.Status = "unsupported"
			} else {
				row.Status = "failed"
			}
		}
		if ok {
			row.Have = len(res.Have)
			row.Need = len(res.Need)
			row.Fetched = res.Fetched
			row.Duration = res.Duration.Round(time.Millisecond).String()
		}
		rows = append(rows, row)
	}
	logging.DebugMethod("negsync", "run", "store stats: %+v", store.Stats())
	return rows, syncErr
}

func report(w io.Writer, cfg *Config, rows []Row) error {
	if cfg.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	fmt.Fprintf(w, "kinds: %s\n", kindList(cfg.Filter.Kinds))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELAY\tSTATUS\tHAVE\tNEED\tFETCHED\tTOOK")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", r.Relay, r.Status, r.Have, r.Need, r.Fetched, r.Duration)
	}
	return tw.Flush()
}
