// Package controlapi implements the REST API of the Bifrost control plane:
// flag administration, rollouts, rollbacks and A/B tests.
package controlapi

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/abtest"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/rollout"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Services are the domain components served by the API.
type Services struct {
	Flags     *flags.Registry
	Rollouts  *rollout.Orchestrator
	Rollbacks *rollback.Controller
	ABTests   *abtest.Engine
}

// Option customizes an API.
type Option func(*API)

// WithWebhookClient sets the HTTP client used by webhook validators of
// REST-started rollouts.
func WithWebhookClient(client *http.Client) Option {
	return func(a *API) {
		if client != nil {
			a.webhookClient = client
		}
	}
}

// API holds the router and the services behind it.
type API struct {
	// Router is the chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	logger    *slog.Logger
	flags     *flags.Registry
	rollouts  *rollout.Orchestrator
	rollbacks *rollback.Controller
	abtests   *abtest.Engine

	webhookClient *http.Client

	// apiKeyHash is the decoded SHA-256 of the valid API key; nil disables auth.
	apiKeyHash []byte
}

// NewAPI builds the router. apiKeyHash is the hex SHA-256 of the API key;
// an empty hash disables authentication.
//
// Panics if a service is nil or apiKeyHash is not valid hex.
func NewAPI(logger *slog.Logger, svc Services, apiKeyHash string, opts ...Option) *API {
	validation.AssertNotNil(svc.Flags, "flag registry")
	validation.AssertNotNil(svc.Rollouts, "rollout orchestrator")
	validation.AssertNotNil(svc.Rollbacks, "rollback controller")
	validation.AssertNotNil(svc.ABTests, "ab test engine")
	if logger == nil {
		logger = slog.Default()
	}

	var hash []byte
	if apiKeyHash != "" {
		decoded, err := hex.DecodeString(apiKeyHash)
		if err != nil {
			panic("controlapi: apiKeyHash must be hex encoded")
		}
		hash = decoded
	}

	a := &API{
		Router:        chi.NewRouter(),
		logger:        logger.With(slog.String("component", "controlapi")),
		flags:         svc.Flags,
		rollouts:      svc.Rollouts,
		rollbacks:     svc.Rollbacks,
		abtests:       svc.ABTests,
		webhookClient: &http.Client{Timeout: 10 * time.Second},
		apiKeyHash:    hash,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.configureRoutes()
	return a
}

// ServeHTTP makes API an http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Router.ServeHTTP(w, r)
}

func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.requestLogger)
	a.Router.Use(metricsMiddleware)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "route not found")
	})
	a.Router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "ERR_METHOD_NOT_ALLOWED", "method not allowed")
	})

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Route("/flags", func(r chi.Router) {
			r.Post("/", a.handleCreateFlag)
			r.Get("/", a.handleListFlags)
			r.Get("/export", a.handleExportFlags)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", a.handleGetFlag)
				r.Put("/", a.handleUpdateFlag)
				r.Delete("/", a.handleDeleteFlag)

				r.Put("/percentage", a.handleSetPercentage)
				r.Post("/enable", a.handleEnableFlag)
				r.Post("/kill", a.handleKillFlag)
				r.Post("/users", a.handleAddUser)
				r.Put("/groups", a.handleSetGroups)
				r.Post("/deny", a.handleDenyUsers)
				r.Get("/stats", a.handleFlagStats)
				r.Post("/evaluate", a.handleEvaluateFlag)

				r.Get("/versions", a.handleListVersions)
				r.Post("/versions", a.handleRegisterVersion)
			})
		})

		r.Route("/rollouts", func(r chi.Router) {
			r.Post("/", a.handleStartRollout)
			r.Get("/", a.handleListRollouts)
			r.Get("/{name}", a.handleGetRollout)
			r.Post("/{name}/resume", a.handleResumeRollout)
		})

		r.Route("/rollbacks", func(r chi.Router) {
			r.Get("/", a.handleRollbackHistory)
			r.Post("/{name}/immediate", a.handleRollbackImmediate)
			r.Post("/{name}/gradual", a.handleRollbackGradual)
			r.Post("/{name}/targeted", a.handleRollbackTargeted)
		})

		r.Route("/abtests", func(r chi.Router) {
			r.Post("/", a.handleCreateTest)
			r.Get("/", a.handleListTests)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetTest)
				r.Post("/start", a.handleStartTest)
				r.Post("/stop", a.handleStopTest)
				r.Get("/variant", a.handleGetVariant)
				r.Post("/metrics", a.handleRecordMetric)
				r.Get("/results", a.handleTestResults)
			})
		})
	})
}

// handleHealthCheck reports that the HTTP server is serving. Dependency
// checks live on the observability server.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
