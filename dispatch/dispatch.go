package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/cost"
	"github.com/yanolja/modelrouter/monitoring"
	"github.com/yanolja/modelrouter/provider"
	"github.com/yanolja/modelrouter/quota"
	"github.com/yanolja/modelrouter/retry"
)

const tracerName = "github.com/yanolja/modelrouter/dispatch"

// Quota gates and accounts every call.
type Quota interface {
	CheckAdmission(endpointID string, estimatedTokens int) quota.Admission
	RecordUsage(endpointID string, tokensUsed int, wasRateLimited bool)
}

// Ledger receives a failed sample for every failed attempt.
type Ledger interface {
	Record(sample modelrouter.PerformanceSample) modelrouter.PerformanceSample
}

type Options struct {
	Retry          retry.Policy
	AttemptTimeout time.Duration
	Concurrency    config.ConcurrencyConfig
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Retry:          retry.Policy{MaxRetries: cfg.Failover.MaxRetries, BaseDelay: cfg.Failover.BaseBackoff.Std()},
		AttemptTimeout: cfg.AttemptTimeout.Std(),
		Concurrency:    cfg.Concurrency,
	}
}

// DispatchError is the final failure of a dispatch against one endpoint.
type DispatchError struct {
	EndpointID string
	Kind       modelrouter.ErrorKind
	Message    string
	Attempts   int

	// Set when Kind is admission_denied.
	RetryAfter time.Duration

	err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed after %d attempt(s): %s: %s", e.EndpointID, e.Attempts, e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.err
}

func (e *DispatchError) Failure() modelrouter.AttemptFailure {
	return modelrouter.AttemptFailure{EndpointID: e.EndpointID, Kind: e.Kind, Message: e.Message}
}

type Dispatcher struct {
	adapters provider.Adapters
	quota    Quota
	ledger   Ledger
	options  Options

	// One semaphore per provider, created on first use.
	semaphores      map[string]*semaphore.Weighted
	semaphoresMutex sync.Mutex

	scheduler retry.Scheduler
	tracer    trace.Tracer
	metrics   *monitoring.Metrics
	logger    *zap.SugaredLogger

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func New(
	adapters provider.Adapters,
	quota Quota,
	ledger Ledger,
	options Options,
	tracerProvider trace.TracerProvider,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
) *Dispatcher {
	clk := clock.New()
	return NewWithClock(adapters, quota, ledger, options, tracerProvider, metrics, logger, retry.NewClockScheduler(clk), clk)
}

func NewWithClock(
	adapters provider.Adapters,
	quota Quota,
	ledger Ledger,
	options Options,
	tracerProvider trace.TracerProvider,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
	scheduler retry.Scheduler,
	clk clock.Clock,
) *Dispatcher {
	if tracerProvider == nil {
		tracerProvider = noop.NewTracerProvider()
	}
	return &Dispatcher{
		adapters:   adapters,
		quota:      quota,
		ledger:     ledger,
		options:    options,
		semaphores: make(map[string]*semaphore.Weighted),
		scheduler:  scheduler,
		tracer:     tracerProvider.Tracer(tracerName),
		metrics:    metrics,
		logger:     logger,
		clock:      clk,
	}
}

// Dispatch sends the request to one endpoint. Transient failures are retried
// in place following the retry policy. Every other failure, and the last
// transient one, is returned as a *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint modelrouter.EndpointDescriptor, spec *modelrouter.RequestSpec) (*modelrouter.NormalizedResponse, error) {
	adapter, err := d.adapters.Get(endpoint.ProviderID)
	if err != nil {
		return nil, &DispatchError{EndpointID: endpoint.ID, Kind: modelrouter.ErrorPermanent, Message: err.Error(), err: err}
	}

	request, err := adapter.Format(spec, &endpoint)
	if err != nil {
		return nil, &DispatchError{EndpointID: endpoint.ID, Kind: modelrouter.ErrorPermanent, Message: err.Error(), err: err}
	}

	estimate := cost.EstimateRequest(&endpoint, spec)
	state := retry.NewState(d.options.Retry)
	for attempt := 1; ; attempt++ {
		response, dispatchErr := d.attempt(ctx, adapter, endpoint, spec, request, estimate, attempt)
		if dispatchErr == nil {
			return response, nil
		}
		if dispatchErr.Kind != modelrouter.ErrorTransient {
			return nil, dispatchErr
		}

		delay, ok := state.Advance(d.clock.Now())
		if !ok {
			return nil, dispatchErr
		}
		d.logger.Infow("Retrying endpoint",
			"endpoint", endpoint.ID,
			"request_id", spec.RequestID,
			"attempt", attempt,
			"delay", delay,
			"error", dispatchErr.Message)
		if err := d.scheduler.Wait(ctx, delay); err != nil {
			return nil, &DispatchError{
				EndpointID: endpoint.ID,
				Kind:       modelrouter.ErrorCanceled,
				Message:    err.Error(),
				Attempts:   attempt,
				err:        err,
			}
		}
	}
}

// Ping lets the health prober reach endpoints through their adapters.
func (d *Dispatcher) Ping(ctx context.Context, endpoint modelrouter.EndpointDescriptor) error {
	adapter, err := d.adapters.Get(endpoint.ProviderID)
	if err != nil {
		return err
	}
	return adapter.Ping(ctx, &endpoint)
}

func (d *Dispatcher) attempt(
	ctx context.Context,
	adapter provider.Adapter,
	endpoint modelrouter.EndpointDescriptor,
	spec *modelrouter.RequestSpec,
	request any,
	estimate cost.Estimate,
	attempt int,
) (*modelrouter.NormalizedResponse, *DispatchError) {
	fail := func(kind modelrouter.ErrorKind, err error) *DispatchError {
		return &DispatchError{EndpointID: endpoint.ID, Kind: kind, Message: err.Error(), Attempts: attempt, err: err}
	}

	sem := d.semaphore(endpoint.ProviderID)
	if err := sem.Acquire(ctx, 1); err != nil {
		// Nothing reached the provider.
		return nil, fail(modelrouter.ErrorCanceled, err)
	}
	defer sem.Release(1)

	// Checked after waiting for a slot so the verdict is fresh.
	if admission := d.quota.CheckAdmission(endpoint.ID, estimate.TotalTokens()); !admission.Allowed {
		dispatchErr := fail(modelrouter.ErrorAdmissionDenied, fmt.Errorf("admission denied: %s", admission.Reason))
		dispatchErr.RetryAfter = admission.RetryAfter
		return nil, dispatchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(modelrouter.ErrorCanceled, err)
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.attempt", trace.WithAttributes(
		attribute.String("endpoint.id", endpoint.ID),
		attribute.String("provider.id", endpoint.ProviderID),
		attribute.String("model", endpoint.Model),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	attemptCtx := ctx
	if d.options.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.options.AttemptTimeout)
		defer cancel()
	}

	start := d.clock.Now()
	raw, err := adapter.Send(attemptCtx, &endpoint, request)
	latency := d.clock.Since(start)

	var completion *provider.Completion
	if err == nil {
		completion, err = adapter.Parse(raw)
	}
	if err != nil {
		kind := adapter.ClassifyError(err)
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = modelrouter.ErrorCanceled
		}
		d.recordFailure(endpoint, spec, estimate, kind, latency)

		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		span.SetAttributes(attribute.String("outcome", string(kind)))
		d.metrics.ObserveDispatch(endpoint.ID, endpoint.ProviderID, string(kind), latency)
		d.logger.Warnw("Dispatch attempt failed",
			"endpoint", endpoint.ID,
			"provider", endpoint.ProviderID,
			"request_id", spec.RequestID,
			"attempt", attempt,
			"kind", kind,
			"latency", latency,
			"error", err)
		return nil, fail(kind, err)
	}

	usage, err := adapter.ExtractUsage(raw)
	if err != nil {
		// Falls back to the estimate so the call is still accounted.
		d.logger.Warnw("Usage missing from response", "endpoint", endpoint.ID, "error", err)
		usage = modelrouter.NewTokenUsage(estimate.InputTokens, cost.EstimateTokens(completion.Content))
	}
	breakdown := cost.Calculate(&endpoint, usage)
	d.quota.RecordUsage(endpoint.ID, usage.Total, false)

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(
		attribute.String("outcome", "success"),
		attribute.Int("tokens.input", usage.Input),
		attribute.Int("tokens.output", usage.Output),
	)
	d.metrics.ObserveDispatch(endpoint.ID, endpoint.ProviderID, "success", latency)
	d.metrics.ObserveUsage(endpoint.ID, endpoint.ProviderID, usage.Input, usage.Output, breakdown.Total())

	return &modelrouter.NormalizedResponse{
		RequestID:      spec.RequestID,
		Content:        completion.Content,
		FinishReason:   completion.FinishReason,
		Usage:          usage,
		Cost:           breakdown.Total(),
		Latency:        latency,
		SourceEndpoint: endpoint.ID,
		ProviderID:     endpoint.ProviderID,
		Model:          endpoint.Model,
	}, nil
}

// recordFailure accounts a call that reached the provider but did not
// succeed. A canceled call is charged its input tokens.
func (d *Dispatcher) recordFailure(
	endpoint modelrouter.EndpointDescriptor,
	spec *modelrouter.RequestSpec,
	estimate cost.Estimate,
	kind modelrouter.ErrorKind,
	latency time.Duration,
) {
	var usage modelrouter.TokenUsage
	if kind == modelrouter.ErrorCanceled {
		usage = modelrouter.NewTokenUsage(estimate.InputTokens, 0)
	}
	d.quota.RecordUsage(endpoint.ID, usage.Total, kind == modelrouter.ErrorRateLimited)
	if d.ledger == nil {
		return
	}
	d.ledger.Record(modelrouter.PerformanceSample{
		EndpointID: endpoint.ID,
		ProviderID: endpoint.ProviderID,
		Category:   spec.Category,
		Latency:    latency,
		Success:    false,
		Usage:      usage,
		Cost:       cost.Calculate(&endpoint, usage).Total(),
		ErrorKind:  kind,
	})
}

func (d *Dispatcher) semaphore(providerID string) *semaphore.Weighted {
	d.semaphoresMutex.Lock()
	defer d.semaphoresMutex.Unlock()

	sem, ok := d.semaphores[providerID]
	if !ok {
		limit := d.options.Concurrency.LimitFor(providerID)
		if limit <= 0 {
			limit = 1
		}
		sem = semaphore.NewWeighted(int64(limit))
		d.semaphores[providerID] = sem
	}
	return sem
}
