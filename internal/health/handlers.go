package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/toko-orders/internal/common"
)

const defaultProbeTimeout = 500 * time.Millisecond

// Probe checks one dependency of the API.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context) error
}

// CheckResult is the readiness outcome of one probe.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the readiness response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

var draining atomic.Bool

// SetReady toggles readiness. The API clears it before draining connections.
func SetReady(ready bool) { draining.Store(!ready) }

// Handler serves liveness and readiness.
type Handler struct {
	Probes []Probe
}

// Live always answers ok while the process runs.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and answers 503 when any fails or the
// process is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "draining"})
		return
	}
	report := h.Check(r.Context())
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, report)
}

// Check runs the probes and aggregates their results.
func (h Handler) Check(ctx context.Context) Report {
	report := Report{Status: "ok", Checks: make(map[string]CheckResult, len(h.Probes))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range h.Probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			res := run(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			report.Checks[p.Name] = res
			if res.Status != "ok" {
				report.Status = "degraded"
			}
		}(p)
	}
	wg.Wait()
	return report
}

func run(ctx context.Context, p Probe) CheckResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := p.Check(ctx)
	res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "down"
		res.Error = err.Error()
	}
	return res
}
