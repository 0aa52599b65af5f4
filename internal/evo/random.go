package evo

import (
	"context"
	"fmt"

	"nasfront/internal/model"
)

const RandomSamplerName = "random"

// RandomSampler only explores.
type RandomSampler struct {
	*history

	space *SearchSpace
}

func NewRandomSampler(space *SearchSpace, cfg Config) (*RandomSampler, error) {
	if space == nil {
		return nil, fmt.Errorf("search space is required")
	}
	cfg = cfg.withDefaults()
	return &RandomSampler{
		history: newHistory(RandomSamplerName, cfg),
		space:   space,
	}, nil
}

func (r *RandomSampler) Name() string {
	return RandomSamplerName
}

func (r *RandomSampler) NextParameters() (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.propose(func() (Proposal, error) {
		return Proposal{
			Parameters:  r.space.RandomConfig(r.rng),
			Origin:      model.OriginExplore,
			ParentIndex: -1,
		}, nil
	})
}

func (r *RandomSampler) TellResult(ctx context.Context, params map[string]any, values map[string]float64) (model.SearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tell(ctx, params, values)
}

func (r *RandomSampler) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

func (r *RandomSampler) History() []model.SearchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}
