package evo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"nasfront/internal/metrics"
	"nasfront/internal/model"
)

const AgingEvolutionName = "aging_evolution"

// AgingEvolution is regularized evolution: the population is the last
// PopulationSize evaluated results, parents are picked by tournament under a
// freshly weighted fitness function, and children differ from their parent by
// one mutation.
type AgingEvolution struct {
	*history

	space          *SearchSpace
	populationSize int
	eps            float64
	bounds         map[string]float64
	selector       Selector
	population     []model.SearchResult
}

func NewAgingEvolution(space *SearchSpace, cfg Config) (*AgingEvolution, error) {
	if space == nil {
		return nil, fmt.Errorf("search space is required")
	}
	if cfg.PopulationSize <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if cfg.SampleSize <= 0 {
		return nil, fmt.Errorf("sample size must be > 0")
	}
	if cfg.Eps < 0 || cfg.Eps > 1 {
		return nil, fmt.Errorf("eps must be within [0, 1], got %v", cfg.Eps)
	}
	if err := ValidateBounds(cfg.Bounds); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	bounds := make(map[string]float64, len(cfg.Bounds))
	for k, v := range cfg.Bounds {
		bounds[k] = v
	}
	return &AgingEvolution{
		history:        newHistory(AgingEvolutionName, cfg),
		space:          space,
		populationSize: cfg.PopulationSize,
		eps:            cfg.Eps,
		bounds:         bounds,
		selector:       TournamentSelector{SampleSize: cfg.SampleSize},
	}, nil
}

func (a *AgingEvolution) Name() string {
	return AgingEvolutionName
}

// NextParameters explores while the history is smaller than the population
// or with probability eps, and otherwise mutates a tournament winner.
func (a *AgingEvolution) NextParameters() (Proposal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.propose(a.draw)
}

func (a *AgingEvolution) draw() (Proposal, error) {
	if len(a.results) < a.populationSize || a.rng.Float64() < a.eps {
		return Proposal{
			Parameters:  a.space.RandomConfig(a.rng),
			Origin:      model.OriginExplore,
			ParentIndex: -1,
		}, nil
	}

	fitness, err := NewFitnessFunction(a.bounds, a.rng)
	if err != nil {
		return Proposal{}, err
	}
	pick, err := a.selector.PickParent(a.rng, a.population, fitness)
	if err != nil {
		return Proposal{}, err
	}
	parent := a.population[pick]
	child, op, err := a.space.Mutate(a.rng, parent.Parameters)
	if err != nil {
		return Proposal{}, fmt.Errorf("mutate result %d: %w", parent.Index, err)
	}
	return Proposal{
		Parameters:  child,
		Origin:      model.OriginExploit,
		ParentIndex: parent.Index,
		Mutation:    Describe(op),
	}, nil
}

// TellResult records an evaluated configuration. The oldest population
// member is evicted once the population is full.
func (a *AgingEvolution) TellResult(ctx context.Context, params map[string]any, values map[string]float64) (model.SearchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result, err := a.tell(ctx, params, values)
	if err != nil {
		return model.SearchResult{}, err
	}
	a.population = append(a.population, result)
	if len(a.population) > a.populationSize {
		a.population = a.population[len(a.population)-a.populationSize:]
	}
	metrics.PopulationSize.WithLabelValues(a.name).Set(float64(len(a.population)))
	return result, nil
}

// Load restores history, population and visited set from the store.
func (a *AgingEvolution) Load(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.load(ctx); err != nil {
		return err
	}
	start := len(a.results) - a.populationSize
	if start < 0 {
		start = 0
	}
	a.population = append([]model.SearchResult(nil), a.results[start:]...)
	metrics.PopulationSize.WithLabelValues(a.name).Set(float64(len(a.population)))
	a.log.Debug("population restored", zap.Int("population", len(a.population)))
	return nil
}

func (a *AgingEvolution) History() []model.SearchResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// Population returns the current population, oldest first.
func (a *AgingEvolution) Population() []model.SearchResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.SearchResult, len(a.population))
	copy(out, a.population)
	return out
}
