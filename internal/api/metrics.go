package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string             `json:"timestamp"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	WebSocket     WSMetrics          `json:"websocket"`
	MQTT          *MQTTMetrics       `json:"mqtt,omitempty"`
	Coordinator   CoordinatorMetrics `json:"coordinator"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains cycle stream statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	Evicted          uint64 `json:"evicted_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// CoordinatorMetrics summarises the committed state.
type CoordinatorMetrics struct {
	Devices             int            `json:"devices"`
	ByUIClass           map[string]int `json:"by_ui_class"`
	Unavailable         int            `json:"unavailable"`
	Executions          int            `json:"executions"`
	Refreshing          bool           `json:"refreshing"`
	PollIntervalSeconds float64        `json:"poll_interval_seconds"`
	Cycles              uint64         `json:"cycles"`
	Failures            uint64         `json:"failures"`
	Recoveries          uint64         `json:"recoveries"`
	LastError           string         `json:"last_error,omitempty"`
}

// handleSystem returns runtime and coordinator statistics as JSON.
// Prometheus collectors are served separately on /metrics.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			Evicted:          s.hub.Evicted(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	devices := s.coordinator.Devices()
	st := s.coordinator.Status()
	metrics.Coordinator = CoordinatorMetrics{
		Devices:             len(devices),
		ByUIClass:           make(map[string]int),
		Executions:          len(s.coordinator.Executions()),
		Refreshing:          s.coordinator.RefreshInProgress(),
		PollIntervalSeconds: s.coordinator.PollInterval().Seconds(),
		Cycles:              st.Cycles,
		Failures:            st.Failures,
		Recoveries:          st.Recoveries,
		LastError:           st.LastError,
	}
	for _, d := range devices {
		metrics.Coordinator.ByUIClass[d.UIClass]++
		if !d.Available {
			metrics.Coordinator.Unavailable++
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
