package evo

import (
	"fmt"
	"math/rand"

	"nasfront/internal/model"
)

// Selector chooses a parent from the population.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, population []model.SearchResult, fitness *FitnessFunction) (int, error)
}

// TournamentSelector draws SampleSize members with replacement and picks the
// one with the lowest fitness. Ties go to the earliest draw.
type TournamentSelector struct {
	SampleSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, population []model.SearchResult, fitness *FitnessFunction) (int, error) {
	if rng == nil {
		return 0, fmt.Errorf("random source is required")
	}
	if fitness == nil {
		return 0, fmt.Errorf("fitness function is required")
	}
	if len(population) == 0 {
		return 0, fmt.Errorf("population is empty")
	}
	if s.SampleSize <= 0 {
		return 0, fmt.Errorf("invalid sample size: %d", s.SampleSize)
	}

	best := rng.Intn(len(population))
	bestScore := fitness.Score(population[best].Metrics)
	for i := 1; i < s.SampleSize; i++ {
		candidate := rng.Intn(len(population))
		score := fitness.Score(population[candidate].Metrics)
		if score < bestScore {
			best, bestScore = candidate, score
		}
	}
	return best, nil
}
