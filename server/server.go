package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/cache"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/degrade"
	"github.com/yanolja/modelrouter/ledger"
	"github.com/yanolja/modelrouter/registry"
	"github.com/yanolja/modelrouter/router"
)

// Failover events older than this are served from the archive when one is
// configured.
const archiveAfter = 24 * time.Hour

type Router interface {
	Route(ctx context.Context, spec *modelrouter.RequestSpec) (*modelrouter.NormalizedResponse, error)
}

type Registry interface {
	All() []modelrouter.EndpointDescriptor
	Get(endpointID string) (modelrouter.EndpointDescriptor, bool)
	Update(endpointID string, patch registry.Patch) error
}

type HealthStatus interface {
	Status(endpointID string) modelrouter.AvailabilityState
}

type QuotaStatus interface {
	Status(endpointID string) modelrouter.QuotaStatus
}

type Telemetry interface {
	QueryStats(filter ledger.Filter, dimension ledger.Dimension) map[string]ledger.Stats
	Budget() ledger.BudgetStatus
	Recommendations() []ledger.Recommendation
}

type FailoverLog interface {
	Events(since time.Time) []modelrouter.FailoverEvent
}

// FailoverArchive serves events the coordinator no longer keeps in memory.
type FailoverArchive interface {
	FailoverEvents(ctx context.Context, since time.Time) ([]modelrouter.FailoverEvent, error)
}

type CacheStats interface {
	Stats() cache.Stats
}

// Reloader re-reads the endpoint configuration.
type Reloader func(ctx context.Context) (registry.LoadResult, error)

// Services are the components behind the HTTP surface. Archive, Cache and
// Reload may be nil.
type Services struct {
	Router    Router
	Registry  Registry
	Health    HealthStatus
	Quota     QuotaStatus
	Telemetry Telemetry
	Failovers FailoverLog
	Archive   FailoverArchive
	Cache     CacheStats
	Reload    Reloader
	Degrade   *degrade.Tracker

	// Serves GET /metrics. Nil disables the route.
	Metrics http.Handler
}

type Server struct {
	services Services

	// Static bearer key and JWT secret. Authentication is disabled when both
	// are empty.
	apiKey    string
	jwtSecret []byte

	logger *zap.SugaredLogger

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func New(services Services, cfg *config.Config, logger *zap.SugaredLogger) *Server {
	return NewWithClock(services, cfg, logger, clock.New())
}

func NewWithClock(services Services, cfg *config.Config, logger *zap.SugaredLogger, clk clock.Clock) *Server {
	return &Server{
		services:  services,
		apiKey:    cfg.ApiKey,
		jwtSecret: []byte(cfg.JwtSecret),
		logger:    logger,
		clock:     clk,
	}
}

// Handler builds the route table. Everything under /v1 requires
// authentication.
func (s *Server) Handler() http.Handler {
	root := mux.NewRouter()
	root.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.services.Metrics != nil {
		root.Handle("/metrics", s.services.Metrics).Methods(http.MethodGet)
	}

	api := root.PathPrefix("/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/route", s.handleRoute).Methods(http.MethodPost)
	api.HandleFunc("/endpoints", s.handleListEndpoints).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/{id}", s.handleGetEndpoint).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/{id}", s.handleUpdateEndpoint).Methods(http.MethodPatch)
	api.HandleFunc("/telemetry/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/failovers", s.handleFailovers).Methods(http.MethodGet)
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/config/reload", s.handleReload).Methods(http.MethodPost)
	return root
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warnw("Failed to read request body", "error", err)
		s.handleError(w, modelrouter.NewBadRequestError(fmt.Errorf("invalid request body")))
		return
	}

	var spec modelrouter.RequestSpec
	if err := json.Unmarshal(bodyBytes, &spec); err != nil {
		s.logger.Warnw("Invalid request body", "error", err)
		s.handleError(w, modelrouter.NewBadRequestError(fmt.Errorf("invalid request body: %v", err)))
		return
	}

	response, err := s.services.Router.Route(r.Context(), &spec)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

type endpointView struct {
	modelrouter.EndpointDescriptor
	Health modelrouter.AvailabilityState `json:"health"`
	Quota  modelrouter.QuotaStatus       `json:"quota"`
}

func (s *Server) view(descriptor modelrouter.EndpointDescriptor) endpointView {
	return endpointView{
		EndpointDescriptor: descriptor,
		Health:             s.services.Health.Status(descriptor.ID),
		Quota:              s.services.Quota.Status(descriptor.ID),
	}
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	descriptors := s.services.Registry.All()
	views := make([]endpointView, 0, len(descriptors))
	for _, descriptor := range descriptors {
		views = append(views, s.view(descriptor))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": views})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	endpointID := mux.Vars(r)["id"]
	descriptor, ok := s.services.Registry.Get(endpointID)
	if !ok {
		s.handleError(w, modelrouter.NewNotFoundError(fmt.Errorf("unknown endpoint: %s", endpointID)))
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(descriptor))
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	endpointID := mux.Vars(r)["id"]
	if _, ok := s.services.Registry.Get(endpointID); !ok {
		s.handleError(w, modelrouter.NewNotFoundError(fmt.Errorf("unknown endpoint: %s", endpointID)))
		return
	}

	var patch registry.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.handleError(w, modelrouter.NewBadRequestError(fmt.Errorf("invalid patch: %v", err)))
		return
	}
	if err := s.services.Registry.Update(endpointID, patch); err != nil {
		s.logger.Warnw("Rejected endpoint update", "id", endpointID, "error", err)
		s.handleError(w, modelrouter.NewBadRequestError(err))
		return
	}

	descriptor, _ := s.services.Registry.Get(endpointID)
	s.writeJSON(w, http.StatusOK, s.view(descriptor))
}

type statsResponse struct {
	Dimension       ledger.Dimension        `json:"dimension"`
	From            time.Time               `json:"from"`
	To              time.Time               `json:"to"`
	Groups          map[string]ledger.Stats `json:"groups"`
	Budget          ledger.BudgetStatus     `json:"budget"`
	Recommendations []ledger.Recommendation `json:"recommendations"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	dimension, err := ledger.ParseDimension(query.Get("dimension"))
	if err != nil {
		s.handleError(w, modelrouter.NewBadRequestError(err))
		return
	}

	filter := ledger.Filter{
		EndpointID: query.Get("endpoint"),
		ProviderID: query.Get("provider"),
		Category:   query.Get("category"),
	}
	now := s.clock.Now()
	if query.Get("from") != "" || query.Get("to") != "" {
		if filter.From, err = parseTime(query.Get("from"), time.Time{}); err != nil {
			s.handleError(w, modelrouter.NewBadRequestError(err))
			return
		}
		if filter.To, err = parseTime(query.Get("to"), now); err != nil {
			s.handleError(w, modelrouter.NewBadRequestError(err))
			return
		}
		if filter.To.Before(filter.From) {
			s.handleError(w, modelrouter.NewBadRequestError(fmt.Errorf("from is after to")))
			return
		}
	} else {
		window, err := ledger.ParseWindow(query.Get("window"))
		if err != nil {
			s.handleError(w, modelrouter.NewBadRequestError(err))
			return
		}
		filter.From = now.Add(-window)
		filter.To = now
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Dimension:       dimension,
		From:            filter.From,
		To:              filter.To,
		Groups:          s.services.Telemetry.QueryStats(filter, dimension),
		Budget:          s.services.Telemetry.Budget(),
		Recommendations: s.services.Telemetry.Recommendations(),
	})
}

func (s *Server) handleFailovers(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	since, err := parseTime(r.URL.Query().Get("since"), now.Add(-time.Hour))
	if err != nil {
		s.handleError(w, modelrouter.NewBadRequestError(err))
		return
	}

	var events []modelrouter.FailoverEvent
	if s.services.Archive != nil && since.Before(now.Add(-archiveAfter)) {
		events, err = s.services.Archive.FailoverEvents(r.Context(), since)
		if err != nil {
			s.logger.Errorw("Failed to load archived failover events", "error", err, "since", since)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	} else {
		events = s.services.Failovers.Events(since)
	}
	if events == nil {
		events = []modelrouter.FailoverEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"since": since, "events": events})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.services.Cache == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "stats": s.services.Cache.Stats()})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.services.Reload == nil {
		s.handleError(w, modelrouter.NewNotFoundError(fmt.Errorf("reload is not supported")))
		return
	}
	result, err := s.services.Reload(r.Context())
	if err != nil {
		s.logger.Errorw("Failed to reload config", "error", err)
		s.handleError(w, modelrouter.NewBadRequestError(err))
		return
	}

	rejected := make([]string, 0, len(result.Rejected))
	for _, err := range result.Rejected {
		rejected = append(rejected, err.Error())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"loaded": result.Loaded, "rejected": rejected})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	degraded := make(map[string]time.Time)
	for mode, since := range s.services.Degrade.Active() {
		degraded[string(mode)] = since
	}
	status := "ok"
	if len(degraded) > 0 {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": status, "degraded": degraded})
}

type errorResponse struct {
	Message            string                       `json:"message"`
	Type               string                       `json:"type"`
	Retryable          bool                         `json:"retryable,omitempty"`
	EndpointsAttempted []string                     `json:"endpoints_attempted,omitempty"`
	Failures           []modelrouter.AttemptFailure `json:"failures,omitempty"`
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	var badRequest modelrouter.BadRequestError
	var notFound modelrouter.NotFoundError
	var routeErr *modelrouter.RouteError
	switch {
	case errors.As(err, &badRequest):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error(), Type: "invalid_request"})
	case errors.As(err, &notFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Message: err.Error(), Type: "not_found"})
	case errors.As(err, &routeErr):
		status := statusOf(routeErr.Kind)
		if errors.Is(err, router.ErrBudgetExhausted) {
			status = http.StatusPaymentRequired
		}
		s.writeJSON(w, status, errorResponse{
			Message:            routeErr.Error(),
			Type:               string(routeErr.Kind),
			Retryable:          routeErr.Retryable,
			EndpointsAttempted: routeErr.EndpointsAttempted,
			Failures:           routeErr.Failures,
		})
	default:
		s.logger.Errorw("Unexpected error", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "Internal server error", Type: "internal"})
	}
}

func statusOf(kind modelrouter.ErrorKind) int {
	switch kind {
	case modelrouter.ErrorRateLimited, modelrouter.ErrorAdmissionDenied:
		return http.StatusTooManyRequests
	case modelrouter.ErrorNoEligibleEndpoint:
		return http.StatusServiceUnavailable
	case modelrouter.ErrorCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

func parseTime(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %v", value, err)
	}
	return parsed, nil
}
