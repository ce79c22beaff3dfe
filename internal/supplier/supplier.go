package supplier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"parts-enrichment/internal/models"
)

// PartRef identifies the inventory item being enriched.
type PartRef struct {
	ID   string
	Name string
}

// Result is the outcome of a single capability fetch. Mapping the payload
// back onto the stored part is the caller's concern; the scheduler only
// forwards the location/detail to progress sinks and logs.
type Result struct {
	Capability models.Capability
	Location   string
	Detail     string
}

// Executor performs the actual fetch for one supplier. Implementations carry
// their own HTTP timeouts; the scheduler adds none.
type Executor interface {
	Execute(ctx context.Context, ref PartRef, capability models.Capability) (Result, error)
}

// CapabilityError marks a failure scoped to a single capability. The
// scheduler records it in the task's failed set and moves on to the next
// capability. Any other executor error escapes as a task-level failure and
// goes through the retry policy.
type CapabilityError struct {
	Capability models.Capability
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// CapabilityFailed wraps err as a capability-scoped failure.
func CapabilityFailed(c models.Capability, err error) error {
	return &CapabilityError{Capability: c, Err: err}
}

// Descriptor declares a supplier and its rate limit.
type Descriptor struct {
	Name              string
	RequestsPerMinute int
}

// Delay converts the declared rate limit into the minimum spacing between
// two outbound requests. Zero or negative limits disable pacing.
func (d Descriptor) Delay() time.Duration {
	if d.RequestsPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(d.RequestsPerMinute)
}

type entry struct {
	desc Descriptor
	exec Executor
}

// Registry holds the known suppliers keyed by uppercase name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Normalize canonicalizes a supplier name.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Register adds a supplier. Registering the same name twice is an error.
func (r *Registry) Register(desc Descriptor, exec Executor) error {
	name := Normalize(desc.Name)
	if name == "" {
		return fmt.Errorf("supplier name is required")
	}
	if exec == nil {
		return fmt.Errorf("supplier %s: executor is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("supplier %s already registered", name)
	}
	desc.Name = name
	r.entries[name] = entry{desc: desc, exec: exec}
	return nil
}

// Lookup returns the descriptor and executor for a supplier name.
func (r *Registry) Lookup(name string) (Descriptor, Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[Normalize(name)]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.desc, e.exec, true
}

// Names lists registered suppliers in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
