package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/scrivia/draftcache/internal/expr"
)

const inlineSourceName = "inline-config"

// PolicyBundle captures the merged per-module policy definitions after loading
// every configured source. The metadata lets operators see what was loaded and
// why certain definitions were quarantined instead of applied.
type PolicyBundle struct {
	Policies map[string]PolicyConfig
	Sources  []string
	Skipped  []DefinitionSkip
}

type policyDocument struct {
	Policies map[string]PolicyConfig `koanf:"policies"`
}

type policyAggregator struct {
	policies map[string]PolicyConfig
	origins  map[string]string
	skips    map[string]*DefinitionSkip

	sources map[string]struct{}
}

func newPolicyAggregator() *policyAggregator {
	return &policyAggregator{
		policies: make(map[string]PolicyConfig),
		origins:  make(map[string]string),
		skips:    make(map[string]*DefinitionSkip),
		sources:  make(map[string]struct{}),
	}
}

func (a *policyAggregator) addDocument(doc policyDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for module, cfg := range doc.Policies {
		a.addPolicy(module, cfg, source)
	}
}

func (a *policyAggregator) addPolicy(module string, cfg PolicyConfig, source string) {
	if existing, ok := a.skips[module]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[module]; ok {
		a.recordSkip(module, "duplicate definition", prev, source)
		delete(a.origins, module)
		delete(a.policies, module)
		return
	}
	a.origins[module] = source
	a.policies[module] = cfg
}

// validateDefinitions quarantines policies whose fields cannot produce a
// usable runtime policy. Catching the issue here records the offending
// definition in SkippedPolicies for startup logging instead of the whole
// snapshot failing to load.
func (a *policyAggregator) validateDefinitions(env *expr.Environment) {
	for module, cfg := range a.policies {
		if err := validatePolicyDefinition(cfg, env); err != nil {
			source := a.origins[module]
			a.recordSkip(module, fmt.Sprintf("invalid policy definition: %v", err), source)
			delete(a.origins, module)
			delete(a.policies, module)
		}
	}
}

func (a *policyAggregator) recordSkip(module, reason string, sources ...string) {
	if skip, ok := a.skips[module]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "policy",
		Name:    module,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[module] = skip
}

func (a *policyAggregator) bundle() PolicyBundle {
	policies := make(map[string]PolicyConfig, len(a.policies))
	for module, cfg := range a.policies {
		policies[module] = cfg
	}
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Name < skipped[j].Name
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return PolicyBundle{Policies: policies, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildPolicyBundle(ctx context.Context, inline map[string]PolicyConfig, policiesCfg PoliciesConfig) (PolicyBundle, error) {
	agg := newPolicyAggregator()
	if len(inline) > 0 {
		agg.addDocument(policyDocument{Policies: inline}, inlineSourceName)
	}

	files, err := collectPolicySources(ctx, policiesCfg)
	if err != nil {
		return PolicyBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return PolicyBundle{}, ctx.Err()
		default:
		}
		doc, err := loadPolicyDocument(path)
		if err != nil {
			return PolicyBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return PolicyBundle{}, err
	}
	agg.validateDefinitions(env)
	return agg.bundle(), nil
}

func validatePolicyDefinition(cfg PolicyConfig, env *expr.Environment) error {
	if cfg.TTL != "" {
		if _, err := time.ParseDuration(cfg.TTL); err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
	}
	if cfg.SimilarityThreshold != nil {
		if v := *cfg.SimilarityThreshold; v < 0 || v > 1 {
			return fmt.Errorf("similarityThreshold %v outside [0, 1]", v)
		}
	}
	if cfg.WarmingPriority != nil {
		if v := *cfg.WarmingPriority; v < 0 || v > 1 {
			return fmt.Errorf("warmingPriority %v outside [0, 1]", v)
		}
	}
	if cfg.FastTierBudgetBytes != nil && *cfg.FastTierBudgetBytes < 0 {
		return fmt.Errorf("fastTierBudgetBytes %d is negative", *cfg.FastTierBudgetBytes)
	}
	if cfg.DurableTierBudgetBytes != nil && *cfg.DurableTierBudgetBytes < 0 {
		return fmt.Errorf("durableTierBudgetBytes %d is negative", *cfg.DurableTierBudgetBytes)
	}
	if expression := strings.TrimSpace(cfg.Admission); expression != "" {
		if _, err := env.Compile(expression); err != nil {
			return fmt.Errorf("admission: %w", err)
		}
	}
	return nil
}

func collectPolicySources(ctx context.Context, policiesCfg PoliciesConfig) ([]string, error) {
	if policiesCfg.File != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(policiesCfg.File); err != nil {
			return nil, err
		}
		return []string{policiesCfg.File}, nil
	}
	if policiesCfg.Folder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(policiesCfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("config: policies folder %s: %w", policiesCfg.Folder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: policies folder %s is not a directory", policiesCfg.Folder)
	}
	var files []string
	err = filepath.WalkDir(policiesCfg.Folder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedPolicyFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk policies folder %s: %w", policiesCfg.Folder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: policies file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: policies file %s: expected a file, found directory", path)
	}
	return nil
}

func loadPolicyDocument(path string) (policyDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return policyDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return policyDocument{}, fmt.Errorf("config: load policies from %s: %w", path, err)
	}
	var doc policyDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return policyDocument{}, fmt.Errorf("config: decode policies from %s: %w", path, err)
	}
	if doc.Policies == nil {
		doc.Policies = make(map[string]PolicyConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported policy file extension %s", ext)
	}
}

func isSupportedPolicyFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func clonePolicyMap(in map[string]PolicyConfig) map[string]PolicyConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
