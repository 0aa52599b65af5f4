package evo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"nasfront/internal/metrics"
	"nasfront/internal/model"
	"nasfront/internal/storage"
)

const DefaultMaxRetries = 1000

var ErrSearchSpaceExhausted = errors.New("search space exhausted")

// Proposal is a configuration handed out by a sampler together with how it
// was produced.
type Proposal struct {
	Parameters  map[string]any
	Origin      string
	ParentIndex int
	Mutation    string
	Fingerprint string
}

// Sampler proposes configurations and learns from their evaluated metrics.
type Sampler interface {
	Name() string
	NextParameters() (Proposal, error)
	TellResult(ctx context.Context, params map[string]any, metrics map[string]float64) (model.SearchResult, error)
	Load(ctx context.Context) error
	History() []model.SearchResult
}

// HistoryStore persists the results of one run.
type HistoryStore interface {
	AppendResult(ctx context.Context, runID string, result model.SearchResult) error
	LoadHistory(ctx context.Context, runID string) ([]model.SearchResult, error)
}

// Config carries the settings shared by all samplers. Fields a sampler does
// not use are ignored.
type Config struct {
	PopulationSize int
	SampleSize     int
	Eps            float64
	Bounds         map[string]float64
	MaxRetries     int
	Seed           int64
	RunID          string
	Store          HistoryStore
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// history holds the evaluated results and the fingerprints of every
// configuration handed out. Callers hold mu.
type history struct {
	name       string
	runID      string
	store      HistoryStore
	maxRetries int
	log        *zap.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	results []model.SearchResult
	visited map[string]struct{}
}

func newHistory(name string, cfg Config) *history {
	return &history{
		name:       name,
		runID:      cfg.RunID,
		store:      cfg.Store,
		maxRetries: cfg.MaxRetries,
		log:        cfg.Logger.With(zap.String("sampler", name)),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		visited:    make(map[string]struct{}),
	}
}

// propose draws candidates until one has not been handed out before. After
// maxRetries consecutive duplicates the space is treated as exhausted.
func (h *history) propose(draw func() (Proposal, error)) (Proposal, error) {
	for attempt := 0; attempt < h.maxRetries; attempt++ {
		p, err := draw()
		if err != nil {
			return Proposal{}, err
		}
		fp, err := Fingerprint(p.Parameters)
		if err != nil {
			return Proposal{}, err
		}
		if _, seen := h.visited[fp]; seen {
			metrics.DuplicateRetries.WithLabelValues(h.name).Inc()
			continue
		}
		h.visited[fp] = struct{}{}
		p.Fingerprint = fp
		metrics.Proposals.WithLabelValues(h.name, p.Origin).Inc()
		return p, nil
	}
	metrics.Exhausted.WithLabelValues(h.name).Inc()
	h.log.Warn("no unvisited configuration found",
		zap.Int("retries", h.maxRetries),
		zap.Int("visited", len(h.visited)),
	)
	return Proposal{}, fmt.Errorf("%w: %d consecutive duplicates", ErrSearchSpaceExhausted, h.maxRetries)
}

func (h *history) tell(ctx context.Context, params map[string]any, values map[string]float64) (model.SearchResult, error) {
	result := model.SearchResult{
		VersionedRecord: storage.Versioned(),
		Index:           len(h.results),
		Parameters:      deepCopy(normalizeParams(params)).(map[string]any),
		Metrics:         make(map[string]float64, len(values)),
	}
	for k, v := range values {
		result.Metrics[k] = v
	}
	if h.store != nil {
		if err := h.store.AppendResult(ctx, h.runID, result); err != nil {
			return model.SearchResult{}, fmt.Errorf("persist result %d: %w", result.Index, err)
		}
	}
	h.results = append(h.results, result)
	metrics.ResultsTold.WithLabelValues(h.name).Inc()
	return result, nil
}

func (h *history) load(ctx context.Context) error {
	if h.store == nil {
		return fmt.Errorf("%s: no history store configured", h.name)
	}
	results, err := h.store.LoadHistory(ctx, h.runID)
	if err != nil {
		return fmt.Errorf("load history %s: %w", h.runID, err)
	}
	visited := make(map[string]struct{}, len(results))
	for i, r := range results {
		if r.Index != i {
			return fmt.Errorf("load history %s: result %d has index %d", h.runID, i, r.Index)
		}
		fp, err := Fingerprint(r.Parameters)
		if err != nil {
			return err
		}
		visited[fp] = struct{}{}
	}
	h.results = results
	h.visited = visited
	h.log.Info("history loaded", zap.String("run_id", h.runID), zap.Int("results", len(results)))
	return nil
}

func (h *history) snapshot() []model.SearchResult {
	out := make([]model.SearchResult, len(h.results))
	copy(out, h.results)
	return out
}

func normalizeParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}
