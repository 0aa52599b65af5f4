package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nasfront/internal/evo"
	"nasfront/internal/model"
	"nasfront/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type paramsBuilder struct{}

func (paramsBuilder) BuildModel(_ context.Context, params map[string]any) (any, error) {
	if params["b"] == "broken" {
		return nil, errors.New("unbuildable")
	}
	return params, nil
}

type failingBuilder struct {
	calls atomic.Int32
}

func (f *failingBuilder) BuildModel(context.Context, map[string]any) (any, error) {
	f.calls.Add(1)
	return nil, errors.New("unbuildable")
}

type latencyEstimator struct{}

func (latencyEstimator) Estimate(_ context.Context, m any) (map[string]float64, error) {
	params := m.(map[string]any)
	switch a := params["a"].(type) {
	case int:
		return map[string]float64{"latency": float64(a)}, nil
	case float64:
		return map[string]float64{"latency": a}, nil
	}
	return nil, fmt.Errorf("unexpected a %T", params["a"])
}

// countingTrainer tracks how many evaluations run at once.
type countingTrainer struct {
	fail func(params map[string]any) bool

	mu      sync.Mutex
	active  int
	peak    int
	calls   atomic.Int32
	trained []map[string]any
}

func (c *countingTrainer) Train(ctx context.Context, m any, job Job) (map[string]float64, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	c.trained = append(c.trained, job.Parameters)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	if c.fail != nil && c.fail(job.Parameters) {
		return nil, errors.New("training diverged")
	}
	return latencyEstimator{}.Estimate(ctx, m)
}

func newSpace(t *testing.T, wire map[string]any) *evo.SearchSpace {
	t.Helper()
	space, err := evo.ParseSpace(wire)
	require.NoError(t, err)
	return space
}

var smallSpace = map[string]any{
	"a": map[string]any{"min": 0, "max": 3},
	"b": []any{"x", "y"},
}

var wideSpace = map[string]any{
	"a": map[string]any{"min": 0, "max": 100},
	"b": []any{"x", "y"},
}

func newStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestDriverRunsRoundsUntilBudget(t *testing.T) {
	store := newStore(t)
	sampler, err := evo.NewAgingEvolution(newSpace(t, wideSpace), evo.Config{
		PopulationSize: 4,
		SampleSize:     2,
		Eps:            0.1,
		Bounds:         map[string]float64{"latency": 50},
		RunID:          "r1",
		Store:          store,
		Seed:           7,
	})
	require.NoError(t, err)
	trainer := &countingTrainer{}

	driver, err := NewDriver(Config{
		Sampler: sampler,
		Builder: paramsBuilder{},
		Trainer: trainer,
		Budget:  10,
		Workers: 3,
		RunID:   "r1",
		Lineage: store,
	})
	require.NoError(t, err)

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, summary.Results, 10)
	assert.Equal(t, 4, summary.Rounds)
	assert.False(t, summary.Exhausted)
	assert.LessOrEqual(t, trainer.peak, 3)

	history, err := store.LoadHistory(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i, r := range history {
		assert.Equal(t, i, r.Index)
	}

	lineage, ok, err := store.GetLineage(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, lineage, 10)
	for i, rec := range lineage {
		assert.Equal(t, model.StatusEvaluated, rec.Status)
		assert.Equal(t, i, rec.Index)
		if rec.Origin == model.OriginExploit {
			assert.GreaterOrEqual(t, rec.ParentIndex, 0)
			assert.NotEmpty(t, rec.Mutation)
		} else {
			assert.Equal(t, -1, rec.ParentIndex)
		}
	}
}

func TestDriverPresampleFilterSkipsExpensiveProposals(t *testing.T) {
	sampler, err := evo.NewRandomSampler(newSpace(t, wideSpace), evo.Config{Seed: 3})
	require.NoError(t, err)
	trainer := &countingTrainer{}

	driver, err := NewDriver(Config{
		Sampler:   sampler,
		Builder:   paramsBuilder{},
		Trainer:   trainer,
		Estimator: latencyEstimator{},
		Bounds:    map[string]float64{"latency": 10},
		Budget:    5,
		Workers:   2,
	})
	require.NoError(t, err)

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Results, 5)
	assert.Positive(t, summary.Filtered)
	assert.Equal(t, summary.Proposed, summary.Filtered+len(summary.Results))
	for _, params := range trainer.trained {
		assert.LessOrEqual(t, params["a"].(int), 12, "a proposal above 1.2x the bound was trained")
	}
}

func TestDriverEndsCleanlyWhenSpaceIsExhausted(t *testing.T) {
	sampler, err := evo.NewRandomSampler(newSpace(t, smallSpace), evo.Config{Seed: 5, MaxRetries: 300})
	require.NoError(t, err)

	driver, err := NewDriver(Config{
		Sampler: sampler,
		Builder: paramsBuilder{},
		Trainer: &countingTrainer{},
		Budget:  20,
		Workers: 4,
	})
	require.NoError(t, err)

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Exhausted)
	assert.Len(t, summary.Results, 6)
	assert.Len(t, sampler.History(), 6)
}

func TestDriverExcludesFailedEvaluations(t *testing.T) {
	store := newStore(t)
	sampler, err := evo.NewRandomSampler(newSpace(t, smallSpace), evo.Config{Seed: 2, MaxRetries: 300})
	require.NoError(t, err)
	trainer := &countingTrainer{fail: func(p map[string]any) bool { return p["b"] == "y" }}

	driver, err := NewDriver(Config{
		Sampler: sampler,
		Builder: paramsBuilder{},
		Trainer: trainer,
		Budget:  3,
		Workers: 2,
		RunID:   "r2",
		Lineage: store,
	})
	require.NoError(t, err)

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Results, 3)
	for _, r := range summary.Results {
		assert.Equal(t, "x", r.Parameters["b"])
	}

	lineage, _, err := store.GetLineage(context.Background(), "r2")
	require.NoError(t, err)
	failed := 0
	for _, rec := range lineage {
		if rec.Status == model.StatusFailed {
			failed++
			assert.Equal(t, -1, rec.Index)
		}
	}
	assert.Equal(t, summary.Failed, failed)
}

func TestDriverSkipsUnbuildableModels(t *testing.T) {
	space := newSpace(t, map[string]any{
		"a": map[string]any{"min": 0, "max": 50},
		"b": []any{"x", "broken"},
	})
	sampler, err := evo.NewRandomSampler(space, evo.Config{Seed: 8})
	require.NoError(t, err)
	trainer := &countingTrainer{}

	driver, err := NewDriver(Config{Sampler: sampler, Builder: paramsBuilder{}, Trainer: trainer, Budget: 6, Workers: 2})
	require.NoError(t, err)

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, summary.Results, 6)
	assert.Equal(t, int32(6), trainer.calls.Load())
	assert.Equal(t, summary.Proposed-6, summary.Failed)
}

func TestDriverGivesUpWithoutProgress(t *testing.T) {
	space := newSpace(t, map[string]any{"a": map[string]any{"min": 0.0, "max": 1.0}})
	sampler, err := evo.NewRandomSampler(space, evo.Config{Seed: 1})
	require.NoError(t, err)

	driver, err := NewDriver(Config{
		Sampler:       sampler,
		Builder:       paramsBuilder{},
		Trainer:       &countingTrainer{fail: func(map[string]any) bool { return true }},
		Budget:        4,
		Workers:       2,
		MaxIdleRounds: 3,
	})
	require.NoError(t, err)

	summary, err := driver.Run(context.Background())
	require.ErrorIs(t, err, ErrNoProgress)
	assert.Equal(t, 3, summary.Rounds)
	assert.Empty(t, summary.Results)
}

func TestDriverGivesUpWhenNothingBuilds(t *testing.T) {
	space := newSpace(t, map[string]any{"a": map[string]any{"min": 0.0, "max": 1.0}})
	sampler, err := evo.NewRandomSampler(space, evo.Config{Seed: 3})
	require.NoError(t, err)
	builder := &failingBuilder{}
	trainer := &countingTrainer{}

	driver, err := NewDriver(Config{
		Sampler:          sampler,
		Builder:          builder,
		Trainer:          trainer,
		Budget:           1,
		MaxIdleRounds:    2,
		MaxRoundAttempts: 5,
	})
	require.NoError(t, err)

	summary, err := driver.Run(context.Background())
	require.ErrorIs(t, err, ErrNoProgress)
	assert.Equal(t, 2, summary.Rounds)
	assert.Equal(t, 10, summary.Proposed)
	assert.Equal(t, 10, summary.Failed)
	assert.Equal(t, int32(10), builder.calls.Load())
	assert.Zero(t, trainer.calls.Load())
	assert.Empty(t, summary.Results)
}

func TestNewDriverDefaultsRoundAttempts(t *testing.T) {
	sampler, err := evo.NewRandomSampler(newSpace(t, smallSpace), evo.Config{})
	require.NoError(t, err)
	driver, err := NewDriver(Config{Sampler: sampler, Builder: paramsBuilder{}, Trainer: &countingTrainer{}, Budget: 1, Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, 3*DefaultAttemptsPerWorker, driver.cfg.MaxRoundAttempts)
}

func TestDriverStopsWhenCancelled(t *testing.T) {
	sampler, err := evo.NewRandomSampler(newSpace(t, wideSpace), evo.Config{})
	require.NoError(t, err)
	driver, err := NewDriver(Config{Sampler: sampler, Builder: paramsBuilder{}, Trainer: &countingTrainer{}, Budget: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = driver.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewDriverValidatesConfig(t *testing.T) {
	sampler, err := evo.NewRandomSampler(newSpace(t, smallSpace), evo.Config{})
	require.NoError(t, err)

	_, err = NewDriver(Config{Builder: paramsBuilder{}, Trainer: &countingTrainer{}, Budget: 1})
	assert.Error(t, err)
	_, err = NewDriver(Config{Sampler: sampler, Trainer: &countingTrainer{}, Budget: 1})
	assert.Error(t, err)
	_, err = NewDriver(Config{Sampler: sampler, Builder: paramsBuilder{}, Budget: 1})
	assert.Error(t, err)
	_, err = NewDriver(Config{Sampler: sampler, Builder: paramsBuilder{}, Trainer: &countingTrainer{}})
	assert.Error(t, err)
}

func TestEstimatorTrainerReportsEstimates(t *testing.T) {
	got, err := EstimatorTrainer{Estimator: latencyEstimator{}}.Train(context.Background(), map[string]any{"a": 4}, Job{})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"latency": 4}, got)
}
