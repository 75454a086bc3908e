package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/venturelab/simcore/internal/api/handler"
	mw "github.com/venturelab/simcore/internal/api/middleware"
)

// Dependencies holds the handlers the router wires up. The main HTTP
// application sits in front of this service; these endpoints are its
// control surface.
type Dependencies struct {
	Jobs   *handler.Jobs
	Health http.HandlerFunc
}

// NewRouter builds the chi router with the middleware stack and all
// routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", deps.Health)

	r.Get("/api/v1/jobs/{jobID}", deps.Jobs.Get)
	r.Get("/api/v1/jobs/{jobID}/status", deps.Jobs.Status)

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Post("/jobs/{jobID}/retry", deps.Jobs.Retry)
		r.Post("/jobs/process-pending", deps.Jobs.ProcessPending)
		r.Post("/scenarios/{scenarioID}/jobs", deps.Jobs.CreateForScenario)
		r.Post("/scenarios/{scenarioID}/rerun", deps.Jobs.Rerun)
		r.Post("/scenarios/{scenarioID}/batch", deps.Jobs.SubmitBatch)
	})

	return r
}
