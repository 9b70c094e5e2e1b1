package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/cache"
	"github.com/yanolja/modelrouter/degrade"
	"github.com/yanolja/modelrouter/failover"
	"github.com/yanolja/modelrouter/selector"
)

// ErrBudgetExhausted is the cause of requests denied by an enforced daily
// budget.
var ErrBudgetExhausted = errors.New("daily budget exhausted")

type Selector interface {
	Select(spec *modelrouter.RequestSpec, constraints modelrouter.Constraints) (selector.Ranking, error)
}

type Executor interface {
	Execute(ctx context.Context, spec *modelrouter.RequestSpec) (*failover.Outcome, error)
}

type Evaluator interface {
	Enabled(spec *modelrouter.RequestSpec) bool
	Evaluate(response *modelrouter.NormalizedResponse, spec *modelrouter.RequestSpec) modelrouter.QualityScore
	Observe(endpointID string, score modelrouter.QualityScore) bool
}

type Ledger interface {
	Record(sample modelrouter.PerformanceSample) modelrouter.PerformanceSample
	BudgetExhausted() bool
}

// Router serves requests end to end: ranking, cache, failover, evaluation and
// telemetry.
type Router struct {
	selector  Selector
	executor  Executor
	evaluator Evaluator
	ledger    Ledger

	// Nil when caching is disabled.
	cache *cache.Cache

	degrade *degrade.Tracker
	logger  *zap.SugaredLogger
}

func New(
	selector Selector,
	executor Executor,
	evaluator Evaluator,
	ledger Ledger,
	responseCache *cache.Cache,
	degradeTracker *degrade.Tracker,
	logger *zap.SugaredLogger,
) *Router {
	return &Router{
		selector:  selector,
		executor:  executor,
		evaluator: evaluator,
		ledger:    ledger,
		cache:     responseCache,
		degrade:   degradeTracker,
		logger:    logger,
	}
}

// Route returns a response for the request from the cache or from the best
// endpoint that answers. Failures are *modelrouter.RouteError, invalid
// requests are modelrouter.BadRequestError.
func (r *Router) Route(ctx context.Context, spec *modelrouter.RequestSpec) (*modelrouter.NormalizedResponse, error) {
	if err := validate(spec); err != nil {
		r.logger.Warnw("Invalid request", "request_id", spec.RequestID, "error", err)
		return nil, modelrouter.NewBadRequestError(err)
	}
	if spec.RequestID == "" {
		spec.RequestID = uuid.NewString()
	}
	if spec.Priority == 0 {
		spec.Priority = modelrouter.PriorityMedium
	}

	if r.ledger.BudgetExhausted() {
		r.logger.Warnw("Request denied by budget", "request_id", spec.RequestID)
		return nil, modelrouter.NewRouteError(modelrouter.ErrorPermanent, ErrBudgetExhausted, nil)
	}

	if r.cacheable(spec) {
		if response := r.lookup(spec); response != nil {
			r.logger.Infow("Returning cached response", "request_id", spec.RequestID, "endpoint", response.SourceEndpoint)
			return response, nil
		}
	}

	outcome, err := r.executor.Execute(ctx, spec)
	if err != nil {
		return nil, err
	}
	response := outcome.Response

	score := r.evaluator.Evaluate(response, spec)
	if r.evaluator.Enabled(spec) {
		r.evaluator.Observe(response.SourceEndpoint, score)
	}
	response.Quality = &score

	r.ledger.Record(modelrouter.PerformanceSample{
		EndpointID: response.SourceEndpoint,
		ProviderID: response.ProviderID,
		Category:   spec.Category,
		Latency:    response.Latency,
		Success:    true,
		Quality:    score.Overall,
		Usage:      response.Usage,
		Cost:       response.Cost,
	})

	if r.cacheable(spec) {
		r.store(spec, response)
	}

	r.logger.Infow("Request served",
		"request_id", spec.RequestID,
		"endpoint", response.SourceEndpoint,
		"failovers", len(outcome.Events),
		"latency", response.Latency,
		"cost", response.Cost,
		"quality", score.Overall)
	return response, nil
}

func (r *Router) cacheable(spec *modelrouter.RequestSpec) bool {
	return r.cache != nil && !spec.SkipCache
}

// lookup checks the cache for each ranked endpoint in order.
func (r *Router) lookup(spec *modelrouter.RequestSpec) *modelrouter.NormalizedResponse {
	ranking, err := r.selector.Select(spec, modelrouter.ConstraintsFor(spec))
	if err != nil {
		return nil
	}
	for _, candidate := range ranking {
		key, err := cache.Key(candidate.Endpoint.ID, spec.Payload, spec.Params)
		if err != nil {
			r.degrade.Enter(degrade.ModeCache, err)
			return nil
		}
		entry, ok := r.cache.Get(key)
		if !ok {
			continue
		}
		r.degrade.Exit(degrade.ModeCache)
		response := entry.Response
		response.RequestID = spec.RequestID
		response.Cached = true
		response.Cost = 0
		return &response
	}
	return nil
}

func (r *Router) store(spec *modelrouter.RequestSpec, response *modelrouter.NormalizedResponse) {
	key, err := cache.Key(response.SourceEndpoint, spec.Payload, spec.Params)
	if err != nil {
		r.degrade.Enter(degrade.ModeCache, err)
		return
	}
	r.degrade.Exit(degrade.ModeCache)
	r.cache.Put(key, *response, 0)
}

func validate(spec *modelrouter.RequestSpec) error {
	hasContent := false
	for i, message := range spec.Payload.Messages {
		switch strings.ToLower(message.Role) {
		case "system", "user", "assistant", "tool":
		default:
			return fmt.Errorf("message %d has unsupported role: %q", i, message.Role)
		}
		if strings.TrimSpace(message.Content) != "" {
			hasContent = true
		}
	}
	if !hasContent {
		return errors.New("no messages provided")
	}
	if spec.Priority < 0 || spec.Priority > modelrouter.PriorityBackground {
		return fmt.Errorf("invalid priority: %d", spec.Priority)
	}
	if spec.MaxCost < 0 {
		return fmt.Errorf("max cost must not be negative: %v", spec.MaxCost)
	}
	if spec.MaxLatency < 0 {
		return fmt.Errorf("max latency must not be negative: %v", spec.MaxLatency)
	}
	if spec.Params.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative: %d", spec.Params.MaxTokens)
	}
	return nil
}
