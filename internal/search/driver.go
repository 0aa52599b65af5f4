// Package search runs a sampler against a model builder and a trainer in
// rounds of concurrent evaluations.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nasfront/internal/evo"
	"nasfront/internal/metrics"
	"nasfront/internal/model"
	"nasfront/internal/storage"
)

const (
	DefaultPresampleFactor = 1.2
	DefaultMaxIdleRounds   = 10
	// DefaultAttemptsPerWorker bounds the proposals drawn per worker slot in
	// one round when builds fail or estimates filter them out.
	DefaultAttemptsPerWorker = 20
)

var ErrNoProgress = errors.New("search made no progress")

// ModelBuilder turns a sampled configuration into a model.
type ModelBuilder interface {
	BuildModel(ctx context.Context, params map[string]any) (any, error)
}

// Estimator predicts metrics of a model without training it.
type Estimator interface {
	Estimate(ctx context.Context, model any) (map[string]float64, error)
}

// Job identifies one evaluation. JobID is the position within its round and
// GlobalID the proposal sequence number within the run.
type Job struct {
	JobID      int
	GlobalID   int
	Parameters map[string]any
}

// Trainer evaluates a model and reports its metrics.
type Trainer interface {
	Train(ctx context.Context, model any, job Job) (map[string]float64, error)
}

// LineageStore persists where each proposal came from.
type LineageStore interface {
	AppendLineage(ctx context.Context, runID string, record model.LineageRecord) error
}

type Config struct {
	Sampler   evo.Sampler
	Builder   ModelBuilder
	Trainer   Trainer
	Estimator Estimator
	Bounds    map[string]float64
	Budget    int
	Workers   int
	// PresampleFactor scales Bounds for the estimate filter. Proposals whose
	// estimated metrics exceed a scaled bound are never trained.
	PresampleFactor float64
	MaxIdleRounds   int
	// MaxRoundAttempts caps the proposals drawn in one round. A round that
	// hits the cap ends with whatever it collected, possibly nothing.
	MaxRoundAttempts int
	RunID            string
	Lineage          LineageStore
	Logger           *zap.Logger
}

type Driver struct {
	cfg Config
	log *zap.Logger
}

// Summary reports what one Run did.
type Summary struct {
	Results   []model.SearchResult
	Proposed  int
	Filtered  int
	Failed    int
	Rounds    int
	Exhausted bool
}

func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("sampler is required")
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("model builder is required")
	}
	if cfg.Trainer == nil {
		return nil, fmt.Errorf("trainer is required")
	}
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("budget must be > 0")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PresampleFactor <= 0 {
		cfg.PresampleFactor = DefaultPresampleFactor
	}
	if cfg.MaxIdleRounds <= 0 {
		cfg.MaxIdleRounds = DefaultMaxIdleRounds
	}
	if cfg.MaxRoundAttempts <= 0 {
		cfg.MaxRoundAttempts = cfg.Workers * DefaultAttemptsPerWorker
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Driver{
		cfg: cfg,
		log: cfg.Logger.With(zap.String("run_id", cfg.RunID), zap.String("sampler", cfg.Sampler.Name())),
	}, nil
}

type candidate struct {
	job      Job
	proposal evo.Proposal
	model    any
	metrics  map[string]float64
	err      error
}

// Run evaluates rounds until the sampler history holds Budget results, the
// sampler runs out of configurations, or ctx is cancelled between rounds.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	told := len(d.cfg.Sampler.History())
	proposed := told
	idle := 0

	for told < d.cfg.Budget {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Rounds++

		worklist, exhausted, err := d.fillWorklist(ctx, d.cfg.Budget-told, &proposed, &summary)
		if err != nil {
			return summary, err
		}
		d.evaluate(ctx, worklist)

		progress := 0
		for _, c := range worklist {
			if c.err != nil {
				summary.Failed++
				d.recordLineage(ctx, c.proposal, -1, model.StatusFailed)
				continue
			}
			result, err := d.cfg.Sampler.TellResult(ctx, c.proposal.Parameters, c.metrics)
			if err != nil {
				return summary, fmt.Errorf("tell result: %w", err)
			}
			d.recordLineage(ctx, c.proposal, result.Index, model.StatusEvaluated)
			summary.Results = append(summary.Results, result)
			told++
			progress++
		}
		d.log.Info("round finished",
			zap.Int("round", summary.Rounds),
			zap.Int("evaluated", progress),
			zap.Int("history", told),
			zap.Int("budget", d.cfg.Budget),
		)

		if exhausted {
			summary.Exhausted = true
			d.log.Info("search space exhausted", zap.Int("history", told))
			return summary, nil
		}
		if progress == 0 {
			idle++
			if idle >= d.cfg.MaxIdleRounds {
				return summary, fmt.Errorf("%w: %d rounds without an evaluated configuration", ErrNoProgress, idle)
			}
		} else {
			idle = 0
		}
	}
	return summary, nil
}

// fillWorklist collects up to min(Workers, remaining) buildable proposals that
// pass the presample filter, drawing at most MaxRoundAttempts proposals.
func (d *Driver) fillWorklist(ctx context.Context, remaining int, proposed *int, summary *Summary) ([]*candidate, bool, error) {
	size := d.cfg.Workers
	if remaining < size {
		size = remaining
	}
	worklist := make([]*candidate, 0, size)
	for attempt := 0; len(worklist) < size; attempt++ {
		if attempt == d.cfg.MaxRoundAttempts {
			d.log.Warn("round attempt limit reached",
				zap.Int("attempts", attempt),
				zap.Int("collected", len(worklist)),
			)
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		proposal, err := d.cfg.Sampler.NextParameters()
		if errors.Is(err, evo.ErrSearchSpaceExhausted) {
			return worklist, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("next parameters: %w", err)
		}
		summary.Proposed++
		globalID := *proposed
		*proposed++

		built, err := d.cfg.Builder.BuildModel(ctx, proposal.Parameters)
		if err != nil {
			metrics.Evaluations.WithLabelValues("build_error").Inc()
			d.log.Warn("model build failed",
				zap.Int("global_id", globalID),
				zap.String("fingerprint", proposal.Fingerprint),
				zap.Error(err),
			)
			summary.Failed++
			d.recordLineage(ctx, proposal, -1, model.StatusFailed)
			continue
		}
		if ok, metric := d.presample(ctx, built); !ok {
			metrics.Evaluations.WithLabelValues("filtered").Inc()
			d.log.Debug("proposal filtered by estimate",
				zap.Int("global_id", globalID),
				zap.String("metric", metric),
			)
			summary.Filtered++
			d.recordLineage(ctx, proposal, -1, model.StatusFiltered)
			continue
		}
		worklist = append(worklist, &candidate{
			job:      Job{JobID: len(worklist), GlobalID: globalID, Parameters: proposal.Parameters},
			proposal: proposal,
			model:    built,
		})
	}
	return worklist, false, nil
}

// presample reports whether every estimated metric with a bound stays within
// PresampleFactor times that bound. Estimation errors do not filter.
func (d *Driver) presample(ctx context.Context, built any) (bool, string) {
	if d.cfg.Estimator == nil || len(d.cfg.Bounds) == 0 {
		return true, ""
	}
	estimates, err := d.cfg.Estimator.Estimate(ctx, built)
	if err != nil {
		d.log.Debug("estimate failed", zap.Error(err))
		return true, ""
	}
	keys := make([]string, 0, len(estimates))
	for k := range estimates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bound, ok := d.cfg.Bounds[k]
		if !ok {
			continue
		}
		if estimates[k] > bound*d.cfg.PresampleFactor {
			return false, k
		}
	}
	return true, ""
}

func (d *Driver) evaluate(ctx context.Context, worklist []*candidate) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, c := range worklist {
		g.Go(func() error {
			start := time.Now()
			values, err := d.cfg.Trainer.Train(gctx, c.model, c.job)
			metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.Evaluations.WithLabelValues("eval_error").Inc()
				d.log.Warn("evaluation failed",
					zap.Int("job_id", c.job.JobID),
					zap.Int("global_id", c.job.GlobalID),
					zap.Error(err),
				)
				c.err = err
				return nil
			}
			metrics.Evaluations.WithLabelValues("ok").Inc()
			c.metrics = values
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Driver) recordLineage(ctx context.Context, p evo.Proposal, index int, status string) {
	if d.cfg.Lineage == nil {
		return
	}
	record := model.LineageRecord{
		VersionedRecord: storage.Versioned(),
		Index:           index,
		Origin:          p.Origin,
		ParentIndex:     p.ParentIndex,
		Mutation:        p.Mutation,
		Fingerprint:     p.Fingerprint,
		Status:          status,
	}
	if err := d.cfg.Lineage.AppendLineage(ctx, d.cfg.RunID, record); err != nil {
		d.log.Warn("lineage append failed", zap.String("fingerprint", p.Fingerprint), zap.Error(err))
	}
}

// EstimatorTrainer reports estimated metrics as training results. It stands in
// for a real trainer when only analytical costs are searched.
type EstimatorTrainer struct {
	Estimator Estimator
}

func (t EstimatorTrainer) Train(ctx context.Context, m any, _ Job) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Estimator.Estimate(ctx, m)
}
