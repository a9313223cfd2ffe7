package pipeline

import (
	"fmt"
	"strings"
)

// Target bundles the rules for one destination table.
type Target struct {
	Name        string
	Description string
	Table       string
	ConflictKey []string
	Columns     []string
	Validator   Validator
	Mapper      Mapper
}

// WriterFactory creates the batch writer for a target's table.
type WriterFactory func(table string, conflictKey []string) (BatchWriter, error)

// Pipeline is a resolved target with its writer.
type Pipeline struct {
	Target Target
	Writer BatchWriter
}

// TargetRegistry maps target names to targets. Names are case-insensitive.
type TargetRegistry struct {
	targets map[string]Target
	order   []string
	writers WriterFactory
}

// NewTargetRegistry validates and registers targets in order.
func NewTargetRegistry(writers WriterFactory, targets ...Target) (*TargetRegistry, error) {
	if writers == nil {
		return nil, fmt.Errorf("target registry requires a writer factory")
	}
	r := &TargetRegistry{targets: make(map[string]Target, len(targets)), writers: writers}
	var problems []string
	for i, t := range targets {
		key := normalizeTargetName(t.Name)
		switch {
		case key == "":
			problems = append(problems, fmt.Sprintf("- target %d: name is required", i))
			continue
		case t.Table == "":
			problems = append(problems, fmt.Sprintf("- target '%s': table is required", t.Name))
		case len(t.ConflictKey) == 0:
			problems = append(problems, fmt.Sprintf("- target '%s': conflict key is required", t.Name))
		case t.Validator == nil || t.Mapper == nil:
			problems = append(problems, fmt.Sprintf("- target '%s': validator and mapper are required", t.Name))
		}
		if _, exists := r.targets[key]; exists {
			problems = append(problems, fmt.Sprintf("- target '%s': registered more than once", t.Name))
			continue
		}
		r.targets[key] = t
		r.order = append(r.order, key)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid target registrations:\n%s", strings.Join(problems, "\n"))
	}
	return r, nil
}

func normalizeTargetName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Lookup returns the target registered under name.
func (r *TargetRegistry) Lookup(name string) (Target, error) {
	t, ok := r.targets[normalizeTargetName(name)]
	if !ok {
		return Target{}, &UnsupportedTargetError{Target: name, Known: r.Names()}
	}
	return t, nil
}

// Resolve returns the target and a writer for its table.
func (r *TargetRegistry) Resolve(name string) (*Pipeline, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	w, err := r.writers(t.Table, t.ConflictKey)
	if err != nil {
		return nil, fmt.Errorf("creating writer for target '%s': %w", t.Name, err)
	}
	return &Pipeline{Target: t, Writer: w}, nil
}

// Names lists target names in registration order.
func (r *TargetRegistry) Names() []string {
	names := make([]string, len(r.order))
	for i, key := range r.order {
		names[i] = r.targets[key].Name
	}
	return names
}

// Targets lists targets in registration order.
func (r *TargetRegistry) Targets() []Target {
	out := make([]Target, len(r.order))
	for i, key := range r.order {
		out[i] = r.targets[key]
	}
	return out
}

// CheckBatchSize fails when a batch of batchSize rows would need more than
// maxParams bind parameters for any registered target.
func (r *TargetRegistry) CheckBatchSize(batchSize, maxParams int) error {
	var problems []string
	for _, t := range r.Targets() {
		if need := batchSize * len(t.Columns); need > maxParams {
			problems = append(problems, fmt.Sprintf("- target '%s': batch size %d x %d columns needs %d bind parameters, limit is %d (use a batch size of at most %d)",
				t.Name, batchSize, len(t.Columns), need, maxParams, maxParams/len(t.Columns)))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("batch size too large:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}
