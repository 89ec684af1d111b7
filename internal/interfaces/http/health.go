package http

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

type cachePinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse reports service liveness and dependency status.
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy" or "degraded"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	System    SystemInfo             `json:"system"`
	Database  map[string]any         `json:"database,omitempty"`
	Checks    map[string]CheckResult `json:"checks"`
}

// SystemInfo provides process-level information.
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult is one dependency probe.
type CheckResult struct {
	Status   string `json:"status"` // "pass" or "fail"
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// Health reports overall service health. The database probe is
// authoritative; a cache failure only degrades.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
			NumGC:         mem.NumGC,
		},
		Checks: make(map[string]CheckResult),
	}

	status := http.StatusOK
	if h.store != nil {
		start := time.Now()
		check := CheckResult{Status: "pass"}
		if err := h.store.Ping(r.Context()); err != nil {
			check.Status = "fail"
			check.Message = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = h.store.Stats()
		}
		check.Duration = time.Since(start).Round(time.Microsecond).String()
		resp.Checks["database"] = check
	}

	if pinger, ok := h.books.(cachePinger); ok {
		start := time.Now()
		check := CheckResult{Status: "pass"}
		if err := pinger.Ping(r.Context()); err != nil {
			check.Status = "fail"
			check.Message = err.Error()
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
		check.Duration = time.Since(start).Round(time.Microsecond).String()
		resp.Checks["cache"] = check
	}

	h.writeJSON(w, status, resp)
}
