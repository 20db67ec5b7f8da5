// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Stats and health endpoints.
package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/girino/relay-pool/eventstore/localstore"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/mirror"
	"github.com/girino/relay-pool/nip77"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/relaystore"
)

// Goroutine health thresholds
const (
	GoroutineYellowThreshold = 30000  // 30k goroutines = yellow health
	GoroutineRedThreshold    = 100000 // 100k goroutines = red health
)

// getGoroutineHealthState determines the health state based on goroutine count
func getGoroutineHealthState(goroutineCount int) string {
	if goroutineCount >= GoroutineRedThreshold {
		return mirror.HealthRed
	} else if goroutineCount >= GoroutineYellowThreshold {
		return mirror.HealthYellow
	}
	return mirror.HealthGreen
}

// worstHealth returns the most severe of the given states.
func worstHealth(states ...string) string {
	rank := map[string]int{mirror.HealthGreen: 0, mirror.HealthYellow: 1, mirror.HealthRed: 2}
	worst := mirror.HealthGreen
	for _, s := range states {
		if rank[s] > rank[worst] {
			worst = s
		}
	}
	return worst
}

type AppStats struct {
	Version         string  `json:"version"`
	UptimeSeconds   float64 `json:"uptime"`
	Goroutines      int     `json:"goroutines"`
	GoroutineHealth string  `json:"goroutine_health_state"`
	AllocBytes      uint64  `json:"alloc_bytes"`
	HeapInuseBytes  uint64  `json:"heap_inuse_bytes"`
	SysBytes        uint64  `json:"sys_bytes"`
	GCCycles        uint32  `json:"gc_cycles"`
	GCPauseNs       uint64  `json:"gc_pause_ns"`
}

// AllStats is the /api/v1/stats document.
type AllStats struct {
	App        AppStats           `json:"app"`
	Pool       pool.Stats         `json:"pool"`
	Sync       nip77.Stats        `json:"sync"`
	Mirror     mirror.MirrorStats `json:"mirror"`
	RelayStore relaystore.Stats   `json:"relaystore"`
	LocalStore localstore.Stats   `json:"localstore"`
}

type HealthReport struct {
	Status                    string `json:"status"`
	Service                   string `json:"service"`
	Version                   string `json:"version"`
	MainHealthState           string `json:"main_health_state"`
	MirrorHealthState         string `json:"mirror_health_state"`
	GoroutineHealthState      string `json:"goroutine_health_state"`
	ConsecutiveMirrorFailures int64  `json:"consecutive_mirror_failures"`
	LiveRelays                int64  `json:"live_relays"`
	DeadRelays                int64  `json:"dead_relays"`
	Syncing                   bool   `json:"syncing"`
}

type server struct {
	startTime time.Time
	name      string
	pool      *pool.Pool
	coord     *nip77.Coordinator
	mirror    *mirror.MirrorManager
	relays    *relaystore.RelayStore
	store     *localstore.Store
}

func (s *server) appStats() AppStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := runtime.NumGoroutine()
	return AppStats{
		Version:         Version,
		UptimeSeconds:   time.Since(s.startTime).Seconds(),
		Goroutines:      n,
		GoroutineHealth: getGoroutineHealthState(n),
		AllocBytes:      m.Alloc,
		HeapInuseBytes:  m.HeapInuse,
		SysBytes:        m.Sys,
		GCCycles:        m.NumGC,
		GCPauseNs:       m.PauseTotalNs,
	}
}

func (s *server) stats() AllStats {
	return AllStats{
		App:        s.appStats(),
		Pool:       s.pool.Stats(),
		Sync:       s.coord.Stats(),
		Mirror:     s.mirror.Stats(),
		RelayStore: s.relays.Stats(),
		LocalStore: s.store.Stats(),
	}
}

func (s *server) health() (HealthReport, int) {
	ms := s.mirror.Stats()
	goroutines := getGoroutineHealthState(runtime.NumGoroutine())
	overall := worstHealth(ms.MirrorHealthState, goroutines)

	report := HealthReport{
		Service:                   s.name,
		Version:                   Version,
		MainHealthState:           overall,
		MirrorHealthState:         ms.MirrorHealthState,
		GoroutineHealthState:      goroutines,
		ConsecutiveMirrorFailures: ms.ConsecutiveMirrorFailures,
		LiveRelays:                ms.LiveRelays,
		DeadRelays:                ms.DeadRelays,
		Syncing:                   s.coord.Syncing(),
	}
	switch overall {
	case mirror.HealthGreen:
		report.Status = "healthy"
		return report, http.StatusOK
	case mirror.HealthYellow:
		report.Status = "degraded"
		return report, http.StatusOK
	default:
		report.Status = "unhealthy"
		return report, http.StatusServiceUnavailable
	}
}

func (s *server) handleStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

// handleHealth serves docker healthchecks.
func (s *server) handleHealth(w http.ResponseWriter, req *http.Request) {
	report, status := s.health()
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logging.Error("encoding response: %v", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
