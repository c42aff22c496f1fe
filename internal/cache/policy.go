package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scrivia/draftcache/internal/expr"
)

// Policy captures the caching strategy for one logical module. Policies are
// configuration data: read-mostly after startup, replaceable as a whole when
// the policy source reloads.
type Policy struct {
	TTL                    time.Duration
	SimilarityThreshold    float64
	InvalidationTriggers   []string
	WarmingPriority        float64
	ModuleSpecific         bool
	FastTierBudgetBytes    int64
	DurableTierBudgetBytes int64
	// Admission optionally holds a CEL expression over kind, module, class,
	// tier, inputSize, and payloadSize. When it evaluates false the response
	// is not cached. Empty means always admit.
	Admission string
}

// DefaultPolicy returns the moderate fallback applied to modules without an
// explicit entry.
func DefaultPolicy() Policy {
	return Policy{
		TTL:                    15 * time.Minute,
		SimilarityThreshold:    0.75,
		WarmingPriority:        0.5,
		FastTierBudgetBytes:    1 << 20,
		DurableTierBudgetBytes: 32 << 20,
	}
}

// Registry resolves module names to policies, falling back to a default.
// Safe for concurrent use; Replace swaps the whole policy set atomically so
// hot reloads never expose a half-applied configuration.
type Registry struct {
	mu         sync.RWMutex
	def        Policy
	modules    map[string]Policy
	admissions map[string]expr.Program
	env        *expr.Environment
}

// NewRegistry validates and installs the initial policy set. Invalid values
// fail fast with ErrConfiguration so a misconfigured service never starts.
func NewRegistry(def Policy, modules map[string]Policy) (*Registry, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("cache: policy registry: %w", err)
	}
	r := &Registry{env: env}
	if err := r.Replace(def, modules); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates the new policy set and swaps it in. On error the previous
// set stays active.
func (r *Registry) Replace(def Policy, modules map[string]Policy) error {
	def.ModuleSpecific = false
	if err := validatePolicy("default", def); err != nil {
		return err
	}
	admissions := make(map[string]expr.Program, len(modules)+1)
	if def.Admission != "" {
		program, err := r.env.Compile(def.Admission)
		if err != nil {
			return fmt.Errorf("cache: policy default admission: %w: %w", ErrConfiguration, err)
		}
		admissions[""] = program
	}

	installed := make(map[string]Policy, len(modules))
	for module, policy := range modules {
		if module == "" {
			return fmt.Errorf("cache: policy with empty module name: %w", ErrConfiguration)
		}
		policy.ModuleSpecific = true
		if err := validatePolicy(module, policy); err != nil {
			return err
		}
		if policy.Admission != "" {
			program, err := r.env.Compile(policy.Admission)
			if err != nil {
				return fmt.Errorf("cache: policy %q admission: %w: %w", module, ErrConfiguration, err)
			}
			admissions[module] = program
		}
		installed[module] = policy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = def
	r.modules = installed
	r.admissions = admissions
	return nil
}

// PolicyFor returns the module's policy or the default when none is
// registered.
func (r *Registry) PolicyFor(module string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if policy, ok := r.modules[module]; ok {
		return policy
	}
	return r.def
}

// Admits evaluates the module's admission expression against the operation.
// Missing expressions admit everything; evaluation failures are returned so
// the caller can log and admit anyway (admission is advisory, not a
// correctness gate).
func (r *Registry) Admits(op Operation, rctx RequestContext, inputSize, payloadSize int) (bool, error) {
	r.mu.RLock()
	program, ok := r.admissions[op.Module]
	if !ok {
		program, ok = r.admissions[""]
	}
	r.mu.RUnlock()
	if !ok {
		return true, nil
	}
	admitted, err := program.EvalBool(map[string]any{
		"kind":        op.Kind,
		"module":      op.Module,
		"class":       rctx.DocumentClass,
		"tier":        rctx.QualityTier,
		"inputSize":   inputSize,
		"payloadSize": payloadSize,
	})
	if err != nil {
		return true, fmt.Errorf("cache: admission %q: %w", op.Module, err)
	}
	return admitted, nil
}

// Modules lists the explicitly registered module names in sorted order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TriggeredModules returns the modules whose policy lists the given
// invalidation trigger.
func (r *Registry) TriggeredModules(trigger string) []string {
	if trigger == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []string
	for name, policy := range r.modules {
		for _, candidate := range policy.InvalidationTriggers {
			if candidate == trigger {
				matched = append(matched, name)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

func validatePolicy(name string, p Policy) error {
	if p.TTL <= 0 {
		return fmt.Errorf("cache: policy %q ttl must be positive, got %s: %w", name, p.TTL, ErrConfiguration)
	}
	if p.SimilarityThreshold < 0 || p.SimilarityThreshold > 1 {
		return fmt.Errorf("cache: policy %q similarity threshold %v outside [0,1]: %w", name, p.SimilarityThreshold, ErrConfiguration)
	}
	if p.WarmingPriority < 0 || p.WarmingPriority > 1 {
		return fmt.Errorf("cache: policy %q warming priority %v outside [0,1]: %w", name, p.WarmingPriority, ErrConfiguration)
	}
	if p.FastTierBudgetBytes < 0 {
		return fmt.Errorf("cache: policy %q fast tier budget negative: %w", name, ErrConfiguration)
	}
	if p.DurableTierBudgetBytes < 0 {
		return fmt.Errorf("cache: policy %q durable tier budget negative: %w", name, ErrConfiguration)
	}
	return nil
}
