package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
)

// CostRange bounds the average of the input and output price per 1k tokens.
type CostRange struct {
	Min float64
	Max float64
}

func (r *CostRange) contains(descriptor *modelrouter.EndpointDescriptor) bool {
	average := (descriptor.CostPer1kInput + descriptor.CostPer1kOutput) / 2
	return average >= r.Min && average <= r.Max
}

// Filter predicates are combined with AND. A nil or empty predicate matches
// every endpoint.
type Filter struct {
	ProviderID string
	Capability string
	CostRange  *CostRange
}

func (f *Filter) matches(descriptor *modelrouter.EndpointDescriptor) bool {
	if f.ProviderID != "" && descriptor.ProviderID != f.ProviderID {
		return false
	}
	if f.Capability != "" && !descriptor.HasCapability(f.Capability) {
		return false
	}
	if f.CostRange != nil && !f.CostRange.contains(descriptor) {
		return false
	}
	return true
}

// Patch changes selected fields of a descriptor. Nil fields stay unchanged.
type Patch struct {
	Enabled             *bool                   `json:"enabled,omitempty"`
	Capabilities        []string                `json:"capabilities,omitempty"`
	CostPer1kInput      *float64                `json:"cost_per_1k_input,omitempty"`
	CostPer1kOutput     *float64                `json:"cost_per_1k_output,omitempty"`
	RateLimits          *modelrouter.RateLimits `json:"rate_limits,omitempty"`
	ContextWindow       *int                    `json:"context_window,omitempty"`
	AverageResponseTime *time.Duration          `json:"average_response_time,omitempty"`
}

func (p *Patch) apply(descriptor modelrouter.EndpointDescriptor) modelrouter.EndpointDescriptor {
	if p.Enabled != nil {
		descriptor.Enabled = *p.Enabled
	}
	if p.Capabilities != nil {
		descriptor.Capabilities = append([]string(nil), p.Capabilities...)
	}
	if p.CostPer1kInput != nil {
		descriptor.CostPer1kInput = *p.CostPer1kInput
	}
	if p.CostPer1kOutput != nil {
		descriptor.CostPer1kOutput = *p.CostPer1kOutput
	}
	if p.RateLimits != nil {
		descriptor.RateLimits = *p.RateLimits
	}
	if p.ContextWindow != nil {
		descriptor.ContextWindow = *p.ContextWindow
	}
	if p.AverageResponseTime != nil {
		descriptor.AverageResponseTime = *p.AverageResponseTime
	}
	return descriptor
}

// LoadResult tells how many entries a load accepted and which were rejected.
type LoadResult struct {
	Loaded   int
	Rejected []error
}

// Registry is the catalog of known endpoints. Endpoints are never removed at
// runtime, only disabled.
type Registry struct {
	// Endpoint id -> descriptor. Descriptors are replaced, never mutated.
	endpoints map[string]*modelrouter.EndpointDescriptor

	mutex sync.RWMutex

	// Called after every successful load or update.
	listeners []func()

	logger *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		endpoints: make(map[string]*modelrouter.EndpointDescriptor),
		logger:    logger,
	}
}

type document struct {
	Endpoints []config.EndpointConfig `yaml:"endpoints"`
}

// LoadDocument parses a YAML document with an "endpoints" list and loads it.
func (r *Registry) LoadDocument(data []byte) (LoadResult, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return LoadResult{}, &config.ConfigError{Cause: fmt.Errorf("failed to parse endpoints: %v", err)}
	}
	return r.Load(doc.Endpoints), nil
}

// Load validates every entry on its own. Invalid entries are logged and
// skipped. Known endpoints absent from entries are disabled. Loading the
// same entries twice produces the same catalog.
func (r *Registry) Load(entries []config.EndpointConfig) LoadResult {
	result := LoadResult{}
	accepted := make(map[string]*modelrouter.EndpointDescriptor, len(entries))
	for index := range entries {
		entry := &entries[index]
		if err := config.ValidateEndpoint(entry); err != nil {
			r.logger.Errorw("Skipping invalid endpoint", "index", index, "id", entry.ID, "error", err)
			result.Rejected = append(result.Rejected, err)
			continue
		}
		if _, duplicated := accepted[entry.ID]; duplicated {
			err := fmt.Errorf("duplicated endpoint id: %s", entry.ID)
			r.logger.Errorw("Skipping duplicated endpoint", "index", index, "id", entry.ID)
			result.Rejected = append(result.Rejected, err)
			continue
		}
		descriptor := entry.Descriptor()
		accepted[entry.ID] = &descriptor
	}

	r.mutex.Lock()
	for id, existing := range r.endpoints {
		if _, ok := accepted[id]; ok || !existing.Enabled {
			continue
		}
		disabled := existing.Clone()
		disabled.Enabled = false
		r.endpoints[id] = &disabled
		r.logger.Infow("Disabled endpoint missing from config", "id", id)
	}
	for id, descriptor := range accepted {
		r.endpoints[id] = descriptor
	}
	result.Loaded = len(accepted)
	listeners := append([]func(){}, r.listeners...)
	r.mutex.Unlock()

	r.logger.Infow("Loaded endpoints", "loaded", result.Loaded, "rejected", len(result.Rejected))
	notify(listeners)
	return result
}

// Get returns a copy of the descriptor.
func (r *Registry) Get(endpointID string) (modelrouter.EndpointDescriptor, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	descriptor, ok := r.endpoints[endpointID]
	if !ok {
		return modelrouter.EndpointDescriptor{}, false
	}
	return descriptor.Clone(), true
}

// Query returns copies of the matching descriptors ordered by id.
func (r *Registry) Query(filter Filter) []modelrouter.EndpointDescriptor {
	r.mutex.RLock()
	result := make([]modelrouter.EndpointDescriptor, 0, len(r.endpoints))
	for _, descriptor := range r.endpoints {
		if filter.matches(descriptor) {
			result = append(result, descriptor.Clone())
		}
	}
	r.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

func (r *Registry) All() []modelrouter.EndpointDescriptor {
	return r.Query(Filter{})
}

// Update applies a patch. The stored descriptor is unchanged when the
// patched one is invalid.
func (r *Registry) Update(endpointID string, patch Patch) error {
	r.mutex.Lock()
	existing, ok := r.endpoints[endpointID]
	if !ok {
		r.mutex.Unlock()
		return &config.ValidationError{
			EndpointID: endpointID,
			Violations: []config.FieldViolation{{Field: "id", Value: endpointID, Rule: "exists"}},
		}
	}

	updated := patch.apply(existing.Clone())
	if err := config.ValidateDescriptor(&updated); err != nil {
		r.mutex.Unlock()
		return err
	}
	r.endpoints[endpointID] = &updated
	listeners := append([]func(){}, r.listeners...)
	r.mutex.Unlock()

	r.logger.Infow("Updated endpoint", "id", endpointID, "enabled", updated.Enabled)
	notify(listeners)
	return nil
}

// OnChange registers a callback invoked after every load or update.
func (r *Registry) OnChange(listener func()) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.listeners = append(r.listeners, listener)
}

func notify(listeners []func()) {
	for _, listener := range listeners {
		listener()
	}
}
