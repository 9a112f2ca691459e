package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultOwnerField names the attribute holding a resource's owner id.
const DefaultOwnerField = "user"

// ResourceAccessor loads one resource by id as a flat attribute map. It
// returns ErrRecordNotFound (or a nil map) when the resource does not exist.
type ResourceAccessor func(ctx context.Context, id string) (map[string]any, error)

// ResourceRegistry maps resource types to accessors supplied by the host
// application.
type ResourceRegistry struct {
	mu        sync.RWMutex
	accessors map[string]ResourceAccessor
}

func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{accessors: make(map[string]ResourceAccessor)}
}

// Register installs the accessor for resourceType, replacing any previous one.
func (r *ResourceRegistry) Register(resourceType string, accessor ResourceAccessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessors[strings.ToLower(strings.TrimSpace(resourceType))] = accessor
}

// Lookup returns the accessor for resourceType.
func (r *ResourceRegistry) Lookup(resourceType string) (ResourceAccessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	accessor, ok := r.accessors[strings.ToLower(strings.TrimSpace(resourceType))]
	return accessor, ok && accessor != nil
}

// OwnershipValidator confirms a non-privileged subject owns a resource.
type OwnershipValidator struct {
	registry *ResourceRegistry
	timeout  time.Duration
}

func NewOwnershipValidator(registry *ResourceRegistry, timeout time.Duration) *OwnershipValidator {
	if registry == nil {
		registry = NewResourceRegistry()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &OwnershipValidator{registry: registry, timeout: timeout}
}

// Registry exposes the underlying registry for late registration.
func (v *OwnershipValidator) Registry() *ResourceRegistry { return v.registry }

// Validate passes immediately for admin and super_admin. Otherwise a missing
// resource is ErrNotFound and an owner mismatch is ErrOwnershipMismatch.
// An empty ownerField selects DefaultOwnerField.
func (v *OwnershipValidator) Validate(ctx context.Context, subject *Subject, resourceType, resourceID, ownerField string) error {
	if subject == nil {
		return ErrMissingCredential
	}
	if subject.Kind != SubjectKindAPIKey && subject.Role.Privileged() {
		return nil
	}
	if ownerField == "" {
		ownerField = DefaultOwnerField
	}

	accessor, ok := v.registry.Lookup(resourceType)
	if !ok {
		return &Error{
			Code:    CodeUnavailable,
			Kind:    KindInfrastructure,
			Message: fmt.Sprintf("no accessor registered for resource type %q", resourceType),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	resource, err := accessor(callCtx, resourceID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return ErrNotFound
		}
		return unavailable("load "+resourceType, err)
	}
	if resource == nil {
		return ErrNotFound
	}

	owner, ok := resource[ownerField]
	if !ok || owner == nil {
		return ErrOwnershipMismatch
	}
	if normalizeID(owner) != normalizeID(subject.ID) {
		return ErrOwnershipMismatch
	}
	return nil
}

func normalizeID(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
