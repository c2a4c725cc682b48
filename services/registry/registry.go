// Package registry implements the Capability Registry: a validated,
// immutable-once-registered catalog of capability specs and their bound
// handlers. The registry itself carries no policy or execution logic — it
// is a passive, concurrency-safe lookup.
package registry

import (
	"sync"

	"github.com/governedrun/workflowcore/domain/capability"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/infrastructure/logging"
)

type entry struct {
	spec      capability.Spec
	handler   capability.Handler
	lifecycle workflowtypes.CapabilityLifecycle
}

// Registry is the concurrency-safe capability catalog. Spec validation in
// Register runs outside the lock; the insertion itself, for any id, is
// serialized by the internal mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *logging.Logger
}

// New constructs an empty registry.
func New(logger *logging.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register validates spec against schema and the three Risk Consistency
// Invariants, rejects duplicate ids, and otherwise binds spec to handler
// under ACTIVE lifecycle. No partial registration: either both the spec
// and handler become visible, or neither does.
func (r *Registry) Register(spec capability.Spec, handler capability.Handler) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return svcerrors.SpecValidation(spec.ID, []string{"handler must not be nil"})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[spec.ID]; exists {
		return svcerrors.AlreadyExists("capability", spec.ID)
	}

	lifecycle := spec.Lifecycle
	if lifecycle == "" {
		lifecycle = workflowtypes.LifecycleActive
	}
	spec.Lifecycle = lifecycle

	r.entries[spec.ID] = &entry{spec: spec, handler: handler, lifecycle: lifecycle}

	if r.logger != nil {
		r.logger.WithFields(map[string]interface{}{
			"capability_id":  spec.ID,
			"operation_type": string(spec.OperationType),
			"risk_level":     string(spec.Risk.Level),
		}).Info("capability registered")
	}
	return nil
}

// Get returns the stored spec for capabilityID, or NotFound.
func (r *Registry) Get(capabilityID string) (capability.Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[capabilityID]
	if !ok {
		return capability.Spec{}, svcerrors.CapabilityNotFound(capabilityID)
	}
	return e.spec, nil
}

// ResolveHandler returns the callable bound at registration, or NotFound.
func (r *Registry) ResolveHandler(capabilityID string) (capability.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[capabilityID]
	if !ok {
		return nil, svcerrors.CapabilityNotFound(capabilityID)
	}
	return e.handler, nil
}

// Lifecycle returns the current lifecycle state of capabilityID, or
// NotFound.
func (r *Registry) Lifecycle(capabilityID string) (workflowtypes.CapabilityLifecycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[capabilityID]
	if !ok {
		return "", svcerrors.CapabilityNotFound(capabilityID)
	}
	return e.lifecycle, nil
}

// Freeze transitions a capability to FROZEN: it remains resolvable for
// audit/history purposes but the engine refuses to execute it (§4.5.3.a).
func (r *Registry) Freeze(capabilityID string) error {
	return r.transition(capabilityID, workflowtypes.LifecycleFrozen)
}

// Deprecate transitions a capability to DEPRECATED.
func (r *Registry) Deprecate(capabilityID string) error {
	return r.transition(capabilityID, workflowtypes.LifecycleDeprecated)
}

func (r *Registry) transition(capabilityID string, lifecycle workflowtypes.CapabilityLifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[capabilityID]
	if !ok {
		return svcerrors.CapabilityNotFound(capabilityID)
	}
	e.lifecycle = lifecycle
	e.spec.Lifecycle = lifecycle

	if r.logger != nil {
		r.logger.WithFields(map[string]interface{}{
			"capability_id": capabilityID,
			"lifecycle":     string(lifecycle),
		}).Warn("capability lifecycle transitioned")
	}
	return nil
}

// IsExecutable reports whether capabilityID is currently ACTIVE. FROZEN
// and DEPRECATED capabilities are not executable; the caller (the engine)
// maps a false result to CapabilityFrozen.
func (r *Registry) IsExecutable(capabilityID string) (bool, error) {
	lifecycle, err := r.Lifecycle(capabilityID)
	if err != nil {
		return false, err
	}
	return lifecycle == workflowtypes.LifecycleActive, nil
}

// List returns every registered spec, in no particular order.
func (r *Registry) List() []capability.Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]capability.Spec, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec)
	}
	return out
}
