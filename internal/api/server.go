// Package api exposes the engine over HTTP: campaign, deal, batch and lead
// operations plus the transport event webhook.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/deal"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/monitoring"
	"github.com/sells-group/outreach-engine/internal/outreach"
	"github.com/sells-group/outreach-engine/internal/research"
	"github.com/sells-group/outreach-engine/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Deps are the services behind the routes.
type Deps struct {
	Store     store.Store
	Campaigns *outreach.Service
	Deals     *deal.Service
	Research  *research.Orchestrator
	Metrics   *monitoring.Metrics
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server routes HTTP requests to the engine's services.
type Server struct {
	deps           Deps
	allowedOrigins []string
}

// New creates a Server. An empty origin list allows any origin.
func New(deps Deps, allowedOrigins []string) *Server {
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics(nil)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{deps: deps, allowedOrigins: allowedOrigins}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(s.instrument)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", s.listCampaigns)
		r.Post("/", s.createCampaign)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getCampaign)
			r.Get("/messages", s.campaignMessages)
			r.Get("/metrics", s.campaignMetrics)
			r.Post("/{action}", s.campaignAction)
		})
	})

	r.Route("/deals", func(r chi.Router) {
		r.Get("/", s.listDeals)
		r.Post("/", s.createDeal)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getDeal)
			r.Post("/stage", s.moveDeal)
			r.Get("/allowed-stages", s.allowedStages)
			r.Get("/activities", s.listActivities)
			r.Post("/activities", s.logActivity)
			r.Get("/tasks", s.listTasks)
			r.Post("/tasks", s.createTask)
		})
	})
	r.Post("/tasks/{id}/complete", s.completeTask)

	r.Route("/batches", func(r chi.Router) {
		r.Get("/", s.listBatches)
		r.Post("/", s.createBatch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getBatch)
			r.Get("/items", s.batchItems)
			r.Post("/start", s.startBatch)
		})
	})

	r.Post("/leads", s.createLead)
	r.Get("/leads/{id}", s.getLead)
	r.Post("/lists", s.createList)
	r.Post("/lists/{id}/leads", s.addListLeads)

	r.Post("/webhooks/transport", s.transportEvent)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records request counts and latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.deps.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type errorBody struct {
	Error   string             `json:"error"`
	Fields  []model.FieldError `json:"fields,omitempty"`
	Current string             `json:"current,omitempty"`
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *model.ValidationError
		te *model.TransitionError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: ve.Error(), Fields: ve.Fields})
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, errorBody{Error: te.Error(), Current: te.Current})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

// decode reads a JSON body into v, writing a 400 and returning false on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid " + name})
		return 0, false
	}
	return id, true
}
