package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aussiehq/gateway/internal/store"
)

// readinessTimeout is the per-probe timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthChecker verifies that a dependency is reachable and healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// checkerFunc adapts a plain function to HealthChecker.
type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the structured JSON returned by GET /q/health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive is a lightweight liveness probe — confirms the process
// is alive. Always returns 200; orchestrators use it for restart decisions,
// not traffic admission.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
	})
}

// HandleHealth aliases the liveness probe for callers polling a bare
// /q/health path without distinguishing liveness from readiness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.HandleHealthLive(w, r)
}

// HandleHealthReady checks every configured dependency concurrently and
// returns 503 if any reports unhealthy.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := s.healthCheckers()
	if len(checkers) == 0 {
		writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: map[string]CheckResult{}})
		return
	}

	type result struct {
		name string
		res  CheckResult
	}
	results := make([]result, len(checkers))

	var wg sync.WaitGroup
	i := 0
	for name, checker := range checkers {
		wg.Add(1)
		go func(idx int, n string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := c.HealthCheck(ctx); err != nil {
				results[idx] = result{name: n, res: CheckResult{Status: "error", Error: err.Error()}}
			} else {
				results[idx] = result{name: n, res: CheckResult{Status: "ok"}}
			}
		}(i, name, checker)
		i++
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(results))
	allOK := true
	for _, r := range results {
		checks[r.name] = r.res
		if r.res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

// healthCheckers builds the readiness dependency set from whatever the
// Server was wired with; nil dependencies (e.g. in unit tests) are skipped.
//
// JwksClient is deliberately excluded: its only method, Fetch(ctx,
// issuerURL, kid), takes a specific key id with no key-independent ping,
// and probing it would mean fabricating a kid the gateway has no business
// inventing just to satisfy a health check.
func (s *Server) healthCheckers() map[string]HealthChecker {
	checkers := make(map[string]HealthChecker)

	if s.Services != nil {
		checkers["service_store"] = checkerFunc(func(ctx context.Context) error {
			_, err := s.Services.List(ctx)
			return err
		})
	}
	if s.RateLimit != nil {
		checkers["rate_limit_provider"] = checkerFunc(func(ctx context.Context) error {
			if !s.RateLimit.Current(ctx).Available(ctx) {
				return errors.New("no rate limit provider available")
			}
			return nil
		})
	}
	if s.Sessions != nil {
		checkers["session_store"] = checkerFunc(func(ctx context.Context) error {
			if _, err := s.Sessions.Get(ctx, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		})
	}
	if s.ApiKeys != nil {
		checkers["api_key_store"] = checkerFunc(func(ctx context.Context) error {
			if _, err := s.ApiKeys.FindByPrefix(ctx, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		})
	}
	return checkers
}

// HandleMetrics serves Prometheus text exposition via the wired
// telemetry.Metrics registry. Nil Metrics (unit tests) report 503.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Metrics == nil {
		http.Error(w, "metrics not configured", http.StatusServiceUnavailable)
		return
	}
	s.Metrics.Handler().ServeHTTP(w, r)
}
