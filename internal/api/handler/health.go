package handler

import (
	"context"
	"net/http"

	"github.com/venturelab/simcore/internal/api/response"
)

// Pinger is anything whose liveness the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports dependency liveness: 200 when every dependency answers,
// 503 otherwise.
func Health(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := make(map[string]string, len(deps))
		healthy := true
		for name, dep := range deps {
			if err := dep.Ping(r.Context()); err != nil {
				statuses[name] = "down: " + err.Error()
				healthy = false
				continue
			}
			statuses[name] = "ok"
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "one or more dependencies are down", statuses)
			return
		}
		response.JSON(w, statuses)
	}
}
