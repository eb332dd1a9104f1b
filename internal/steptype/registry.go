// Package steptype maps step types to their configuration shape and to the way
// raw submissions are normalized before they are stored.
package steptype

import (
	"maps"
	"sort"
	"sync"

	"github.com/pitabwire/triage/model"
)

// ValueKey is the key under which normalized answers are stored.
const ValueKey = "value"

// Handler describes one step type.
type Handler interface {
	// Type returns the step type this handler serves.
	Type() model.StepType

	// ValidateConfig checks the type-specific configuration document.
	ValidateConfig(config map[string]any) []model.FieldError

	// Normalize converts a raw submission into the stored document.
	Normalize(config map[string]any, raw any) map[string]any
}

// Registry holds step type handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.StepType]Handler
}

// NewRegistry creates a registry with the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[model.StepType]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// DefaultRegistry returns a registry with the built-in step types.
func DefaultRegistry() *Registry {
	return NewRegistry(
		QuestionHandler{},
		AcknowledgeHandler{StepType: model.StepTypeInformation, Shape: &InformationConfig{}},
		ConsentHandler{},
		CheckoutHandler{},
		AcknowledgeHandler{StepType: model.StepTypeProviderReview, Shape: &ProviderReviewConfig{}},
	)
}

// Register adds or replaces the handler for h.Type().
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Lookup returns the handler for t.
func (r *Registry) Lookup(t model.StepType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []model.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateConfig validates step.Config against its type. The second result is
// false when the type is not registered; such steps are not validated.
func (r *Registry) ValidateConfig(step model.Step) ([]model.FieldError, bool) {
	h, ok := r.Lookup(step.Type)
	if !ok {
		return nil, false
	}
	return h.ValidateConfig(step.Config), true
}

// Normalize converts a raw submission for step into its stored document.
// Unregistered types pass object submissions through unchanged and wrap any
// other value under ValueKey. A handler that panics is treated the same way,
// so normalization never fails a submission.
func (r *Registry) Normalize(step model.Step, raw any) (out map[string]any) {
	h, ok := r.Lookup(step.Type)
	if !ok {
		return passThrough(raw)
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = passThrough(raw)
		}
	}()
	return h.Normalize(step.Config, raw)
}

// passThrough keeps object submissions as they are. Scalars and lists are
// wrapped under ValueKey because a stored response is always an object.
func passThrough(raw any) map[string]any {
	if m, ok := raw.(map[string]any); ok {
		return maps.Clone(m)
	}
	return wrap(raw)
}

func wrap(v any) map[string]any {
	return map[string]any{ValueKey: v}
}

// unwrap accepts either a bare answer or an object of the form {"value": x}.
func unwrap(raw any) any {
	if m, ok := raw.(map[string]any); ok && len(m) == 1 {
		if v, exists := m[ValueKey]; exists {
			return v
		}
	}
	return raw
}
