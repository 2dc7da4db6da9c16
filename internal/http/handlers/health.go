// Package handlers provides HTTP API handlers for dashp2p.
package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	pinger    Pinger
}

// Pinger checks a dependency such as the statistics database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the statistics database checked by the health endpoint.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.pinger = db
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status        string     `json:"status" doc:"healthy or degraded"`
	Timestamp     string     `json:"timestamp"`
	Version       string     `json:"version"`
	Uptime        string     `json:"uptime"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	Goroutines    int        `json:"goroutines"`
	Memory        MemoryInfo `json:"memory"`
	Database      string     `json:"database" doc:"ok, error or not_configured"`
}

// MemoryInfo reports system and process memory.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessRSSMB      float64 `json:"process_rss_mb"`
	GoHeapMB          float64 `json:"go_heap_mb"`
}

// LivezInput is the input for the liveness check.
type LivezInput struct{}

// LivezOutput is the output for the liveness check.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the process including memory usage",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness check",
		Tags:        []string{"System"},
	}, h.GetLivez)
}

// GetHealth returns the health status of the process.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Memory:        getMemoryInfo(),
		Database:      "not_configured",
	}

	if h.pinger != nil {
		resp.Database = "ok"
		if err := h.pinger.Ping(ctx); err != nil {
			resp.Database = "error"
			resp.Status = "degraded"
		}
	}

	return &HealthOutput{Body: resp}, nil
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func getMemoryInfo() MemoryInfo {
	const mb = 1024 * 1024
	info := MemoryInfo{}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / mb
		info.AvailableMemoryMB = float64(vm.Available) / mb
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if m, err := proc.MemoryInfo(); err == nil && m != nil {
			info.ProcessRSSMB = float64(m.RSS) / mb
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.GoHeapMB = float64(ms.HeapAlloc) / mb

	return info
}
