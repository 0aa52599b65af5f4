package evo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSamplerExists   = errors.New("sampler already registered")
	ErrSamplerNotFound = errors.New("sampler not found")
)

// Factory builds a sampler over a parsed search space.
type Factory func(space *SearchSpace, cfg Config) (Sampler, error)

type SamplerSpec struct {
	Name    string
	Factory Factory
}

var samplerRegistry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func init() {
	registerBuiltins()
}

func registerBuiltins() {
	for _, spec := range []SamplerSpec{
		{Name: AgingEvolutionName, Factory: func(space *SearchSpace, cfg Config) (Sampler, error) {
			return NewAgingEvolution(space, cfg)
		}},
		{Name: RandomSamplerName, Factory: func(space *SearchSpace, cfg Config) (Sampler, error) {
			return NewRandomSampler(space, cfg)
		}},
	} {
		if err := RegisterSampler(spec); err != nil {
			panic(err)
		}
	}
}

func RegisterSampler(spec SamplerSpec) error {
	if spec.Name == "" {
		return errors.New("sampler name is required")
	}
	if spec.Factory == nil {
		return errors.New("sampler factory is required")
	}

	samplerRegistry.mu.Lock()
	defer samplerRegistry.mu.Unlock()

	if _, exists := samplerRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrSamplerExists, spec.Name)
	}
	samplerRegistry.m[spec.Name] = spec.Factory
	return nil
}

// NewSampler resolves name and builds the sampler.
func NewSampler(name string, space *SearchSpace, cfg Config) (Sampler, error) {
	samplerRegistry.mu.RLock()
	factory, ok := samplerRegistry.m[name]
	samplerRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSamplerNotFound, name)
	}
	return factory(space, cfg)
}

func ListSamplers() []string {
	samplerRegistry.mu.RLock()
	defer samplerRegistry.mu.RUnlock()

	names := make([]string, 0, len(samplerRegistry.m))
	for name := range samplerRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetSamplerRegistryForTests() {
	samplerRegistry.mu.Lock()
	samplerRegistry.m = make(map[string]Factory)
	samplerRegistry.mu.Unlock()
	registerBuiltins()
}
