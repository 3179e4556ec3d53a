package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHealth is a liveness probe: if this handler runs at all, the process
// is up and routing requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "execution-engine"})
}

// handleHealthz is the readiness probe: every wired database must answer a
// ping, plus a snapshot of system-wide CPU/RAM via gopsutil.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := make(map[string]string, len(s.healthDBs))
	healthy := true
	for name, db := range s.healthDBs {
		if err := db.HealthCheck(ctx); err != nil {
			dbStatus[name] = err.Error()
			healthy = false
			continue
		}
		dbStatus[name] = "ok"
	}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	cpuAvg := 0.0
	if err == nil && len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	ramPercent := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		ramPercent = memStat.UsedPercent
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]any{
		"status":      map[bool]string{true: "ready", false: "degraded"}[healthy],
		"databases":   dbStatus,
		"cpu_percent": cpuAvg,
		"ram_percent": ramPercent,
	})
}
