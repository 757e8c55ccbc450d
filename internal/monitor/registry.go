package monitor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateTarget = errors.New("duplicate target")
	ErrEmptyTarget     = errors.New("empty target")
)

// Registry holds the fixed set of targets for a process run.
// Registration order is check order. Not safe for concurrent mutation;
// the set is built once at startup and read-only afterwards.
type Registry struct {
	order []string
	seen  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{seen: map[string]struct{}{}}
}

// Register adds a target. Duplicates and empty ids are rejected so a bad
// config fails the process at startup instead of silently double-checking.
func (r *Registry) Register(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrEmptyTarget
	}
	if _, ok := r.seen[target]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, target)
	}
	r.seen[target] = struct{}{}
	r.order = append(r.order, target)
	return nil
}

// Targets returns the registered targets in registration order.
func (r *Registry) Targets() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int { return len(r.order) }
