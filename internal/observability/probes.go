package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sourcegraph/conc"
)

// liveness responds with 200 OK while the HTTP server is running.
func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness runs every checker concurrently within the probe timeout.
// It answers 200 only if all of them pass.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadinessTimeout())
	defer cancel()

	var (
		mu       sync.Mutex
		statuses = make(map[string]string, len(s.checkers))
		healthy  = true
		wg       conc.WaitGroup
	)

	for _, checker := range s.checkers {
		wg.Go(func() {
			err := checker.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// WARN only: the orchestrator retries the probe.
				s.logger.Warn("health probe failed",
					slog.String("component", checker.Name()),
					slog.String("error", err.Error()),
				)
				statuses[checker.Name()] = fmt.Sprintf("down: %v", err)
				healthy = false
				return
			}
			statuses[checker.Name()] = "up"
		})
	}
	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	// The status code is already written; the body is for humans.
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": statuses,
	})
}
