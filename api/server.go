/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. AccessLog:  zerolog request log with request id and duration
  4. Metrics:    Prometheus request counter and latency by route pattern
  5. CORS:       Cross-origin requests for the admin UI

ROUTE GROUPS:
  /api/residents/*      Residents and their contracts
  /api/contracts/*      Renewal queue and chains
  /api/transactions/*   Transaction lifecycle
  /api/automations/*    Billing automations
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The X-User-ID header is trusted as the
  audit actor, so the API must sit behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/warp/drawdown-engine/metrics"
)

type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(opts.Logger))
	r.Use(observe(opts.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/residents", func(r chi.Router) {
			r.Get("/", h.ListResidents)
			r.Post("/", h.CreateResident)
			r.Get("/{id}", h.GetResident)
			r.Post("/{id}/contracts", h.CreateContract)
			r.Post("/{id}/contracts/{contractID}/status", h.UpdateContractStatus)
			r.Post("/{id}/contracts/{contractID}/renewals", h.CreateRenewal)
			r.Get("/{id}/contracts/{contractID}/balance", h.GetBalance)
		})

		r.Route("/contracts", func(r chi.Router) {
			r.Get("/renewals", h.RenewalQueue)
			r.Get("/{contractID}/chain", h.RenewalChain)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/", h.CreateTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
			r.Post("/{id}/post", h.PostTransaction)
			r.Post("/{id}/void", h.VoidTransaction)
			r.Get("/{id}/validation", h.ValidateTransaction)
		})

		r.Route("/automations", func(r chi.Router) {
			r.Get("/", h.ListAutomations)
			r.Post("/", h.CreateAutomation)
			r.Get("/{id}", h.GetAutomation)
			r.Post("/{id}/run", h.RunAutomation)
			r.Get("/{id}/runs", h.ListRuns)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// observe records metrics under the matched route pattern, not the raw
// path, so label cardinality stays bounded.
func observe(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, route, strconv.Itoa(status), time.Since(start))
		})
	}
}
