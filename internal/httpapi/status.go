package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

type statusResp struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`

	Platform     string  `json:"platform,omitempty"`
	CPUCores     int     `json:"cpuCores,omitempty"`
	Load1        float64 `json:"load1,omitempty"`
	Load5        float64 `json:"load5,omitempty"`
	Load15       float64 `json:"load15,omitempty"`
	MemTotal     uint64  `json:"memTotalBytes,omitempty"`
	MemAvailable uint64  `json:"memAvailableBytes,omitempty"`

	TimeUnixMs int64 `json:"timeUnixMs"`
}

// handleStatus reports build info plus a best-effort host snapshot. Metric
// collection failures degrade to missing fields, never to an error response.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	resp := statusResp{
		Version:    s.version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		TimeUnixMs: time.Now().UnixMilli(),
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		resp.CPUCores = cores
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		resp.Load1 = avg.Load1
		resp.Load5 = avg.Load5
		resp.Load15 = avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		resp.MemTotal = vm.Total
		resp.MemAvailable = vm.Available
	}
	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		resp.Platform = info.Platform
	}

	writeJSON(w, http.StatusOK, resp)
}
