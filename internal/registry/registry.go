// Package registry holds the closed allow-list of stored procedures the
// gateway may invoke. The registry is built once at startup; unknown or
// malformed entries fail registration, not individual calls.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"procgate/internal/domain"
	"procgate/internal/sanitize"
)

// ToolClass selects the sanitizer policy applied to a procedure's inputs.
type ToolClass string

const (
	ClassReadOnly  ToolClass = "read_only"
	ClassReadWrite ToolClass = "read_write"
)

// ParameterSpec declares one parameter of a registered procedure.
type ParameterSpec struct {
	Name      string
	Type      string
	Direction domain.ParameterDirection
	Required  bool
}

// Procedure is one allow-listed stored procedure.
type Procedure struct {
	Name       string
	Class      ToolClass
	Parameters []ParameterSpec
	// Idempotent marks write procedures that are proven safe to retry on
	// transient failure before any visible effect. Read-only procedures are
	// always retry-safe.
	Idempotent bool
	// Timeout overrides the configured statement timeout when positive.
	Timeout time.Duration
}

// ReadOnly reports whether the procedure belongs to a read-only tool class.
func (p *Procedure) ReadOnly() bool { return p.Class == ClassReadOnly }

// RetrySafe reports whether transient failures may be retried transparently.
func (p *Procedure) RetrySafe() bool { return p.ReadOnly() || p.Idempotent }

// Policy maps the tool class to the sanitizer policy.
func (p *Procedure) Policy() sanitize.Policy {
	if p.ReadOnly() {
		return sanitize.PolicyReadOnly
	}
	return sanitize.PolicyReadWrite
}

// Spec returns the parameter spec with the given name, or nil.
func (p *Procedure) Spec(name string) *ParameterSpec {
	for i := range p.Parameters {
		if strings.EqualFold(p.Parameters[i].Name, name) {
			return &p.Parameters[i]
		}
	}
	return nil
}

// Registry is the immutable procedure allow-list. Lookups are concurrent;
// registration happens only during startup.
type Registry struct {
	mu         sync.RWMutex
	procedures map[string]*Procedure
	sealed     bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{procedures: make(map[string]*Procedure)}
}

// Register validates and adds a procedure. It rejects duplicates, unsafe
// identifiers, unknown directions, and more than one ReturnValue parameter.
func (r *Registry) Register(p *Procedure) error {
	if err := validate(p); err != nil {
		return fmt.Errorf("procedure %q: %w", p.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry is sealed; procedures register at startup only")
	}
	key := strings.ToLower(p.Name)
	if _, exists := r.procedures[key]; exists {
		return fmt.Errorf("procedure %q already registered", p.Name)
	}
	r.procedures[key] = p
	return nil
}

// Seal freezes the registry. Registration after Seal is an error.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup resolves a procedure by name (case-insensitive). Unknown names
// yield a NotFoundError carrying the supplied correlation id.
func (r *Registry) Lookup(correlationID, name string) (*Procedure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procedures[strings.ToLower(name)]
	if !ok {
		return nil, domain.NewNotFoundError(correlationID, "procedure", name)
	}
	return p, nil
}

// Names returns the registered procedure names, for startup logging.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procedures))
	for _, p := range r.procedures {
		names = append(names, p.Name)
	}
	return names
}

func validate(p *Procedure) error {
	if err := sanitize.ValidateIdentifier(p.Name); err != nil {
		return err
	}
	if p.Class != ClassReadOnly && p.Class != ClassReadWrite {
		return fmt.Errorf("unknown tool class %q", p.Class)
	}

	seen := make(map[string]bool, len(p.Parameters))
	returnValues := 0
	for _, spec := range p.Parameters {
		if err := sanitize.ValidateIdentifier(spec.Name); err != nil {
			return fmt.Errorf("parameter %q: %w", spec.Name, err)
		}
		if err := sanitize.ValidateTypeName(spec.Type); err != nil {
			return fmt.Errorf("parameter %q: %w", spec.Name, err)
		}
		if !domain.ValidDirection(spec.Direction) {
			return fmt.Errorf("parameter %q: unknown direction %q", spec.Name, spec.Direction)
		}
		key := strings.ToLower(spec.Name)
		if seen[key] {
			return fmt.Errorf("parameter %q declared twice", spec.Name)
		}
		seen[key] = true
		if spec.Direction == domain.DirectionReturnValue {
			returnValues++
		}
	}
	if returnValues > 1 {
		return fmt.Errorf("at most one ReturnValue parameter is allowed")
	}
	return nil
}
