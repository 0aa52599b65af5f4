package nasfront

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"nasfront/internal/evo"
	"nasfront/internal/model"
	"nasfront/internal/search"
	"nasfront/internal/space"
	"nasfront/internal/storage"
)

const (
	defaultSampler          = evo.AgingEvolutionName
	defaultPopulationSize   = 100
	defaultSampleSize       = 10
	defaultEps              = 0.1
	defaultWorkers          = 1
	defaultConstraintPolicy = "reject"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
)

type Options struct {
	StoreKind string
	StorePath string
	Logger    *zap.Logger
}

// Client runs searches and reads their persisted results.
type Client struct {
	store storage.Store
	log   *zap.Logger
	now   func() time.Time
}

type SearchRequest struct {
	// RunID defaults to a fresh uuid.
	RunID      string
	Definition space.Definition
	Sampler    string
	Seed       int64
	Budget     int
	Bounds     map[string]float64
	// Settings zero values take defaults. A negative Eps disables
	// exploration once the population is full.
	Settings   model.RunSettings
	// Trainer evaluates built models. Without one, the analytical cost of
	// each model is reported as its metrics.
	Trainer    search.Trainer
}

type ResumeRequest struct {
	RunID   string
	// Budget replaces the recorded budget when positive.
	Budget  int
	Trainer search.Trainer
}

type SearchSummary struct {
	RunID     string
	Status    string
	History   int
	Evaluated int
	Proposed  int
	Filtered  int
	Failed    int
	Exhausted bool
	Best      *model.SearchResult
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type LineageRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type RunsRequest struct {
	Limit int
}

func New(opts Options) (*Client, error) {
	store, err := storage.NewStore(opts.StoreKind, opts.StorePath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{store: store, log: logger, now: time.Now}, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Search starts a new run and evaluates proposals until the budget is spent
// or the space is exhausted.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchSummary, error) {
	if req.Budget <= 0 {
		return SearchSummary{}, errors.New("budget must be > 0")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Sampler == "" {
		req.Sampler = defaultSampler
	}
	req.Settings = withDefaultSettings(req.Settings)

	if _, ok, err := c.store.GetRun(ctx, req.RunID); err != nil {
		return SearchSummary{}, err
	} else if ok {
		return SearchSummary{}, fmt.Errorf("run %s already exists", req.RunID)
	}

	schema, err := schemaOf(req.Definition)
	if err != nil {
		return SearchSummary{}, err
	}
	spaceMap, err := definitionMap(req.Definition)
	if err != nil {
		return SearchSummary{}, err
	}
	now := c.now().UTC()
	run := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              req.RunID,
		Sampler:         req.Sampler,
		Seed:            req.Seed,
		Budget:          req.Budget,
		Bounds:          req.Bounds,
		Schema:          schema,
		Space:           spaceMap,
		Settings:        req.Settings,
		Status:          model.RunRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return SearchSummary{}, fmt.Errorf("save run: %w", err)
	}
	c.log.Info("search started",
		zap.String("run_id", run.ID),
		zap.String("sampler", run.Sampler),
		zap.Int("budget", run.Budget),
	)
	return c.execute(ctx, run, req.Definition, req.Trainer, false)
}

// Resume reloads a run's history and continues it.
func (c *Client) Resume(ctx context.Context, req ResumeRequest) (SearchSummary, error) {
	run, ok, err := c.store.GetRun(ctx, req.RunID)
	if err != nil {
		return SearchSummary{}, err
	}
	if !ok {
		return SearchSummary{}, fmt.Errorf("%w: %s", ErrRunNotFound, req.RunID)
	}
	if req.Budget > 0 {
		run.Budget = req.Budget
	}
	if run.Status != model.RunRunning && run.Status != model.RunFailed && req.Budget <= 0 {
		return SearchSummary{}, fmt.Errorf("%w: %s is %s", ErrRunFinished, run.ID, run.Status)
	}
	def, err := definitionFromMap(run.Space)
	if err != nil {
		return SearchSummary{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	c.log.Info("search resumed", zap.String("run_id", run.ID), zap.Int("budget", run.Budget))
	return c.execute(ctx, run, def, req.Trainer, true)
}

func (c *Client) execute(ctx context.Context, run model.RunRecord, def space.Definition, trainer search.Trainer, resume bool) (SearchSummary, error) {
	s, input, err := def.Build(space.WithLogger(c.log))
	if err != nil {
		return SearchSummary{}, err
	}
	policy, err := space.ParsePolicy(run.Settings.ConstraintPolicy)
	if err != nil {
		return SearchSummary{}, err
	}
	builder, err := space.NewBuilder(s, input,
		space.WithConstrainer(space.NewConstrainer(s, space.WithPolicy(policy), space.WithConstrainerLogger(c.log))),
		space.WithBuilderLogger(c.log),
	)
	if err != nil {
		return SearchSummary{}, err
	}
	searchSpace, err := evo.ParseSpace(run.Schema)
	if err != nil {
		return SearchSummary{}, err
	}
	sampler, err := evo.NewSampler(run.Sampler, searchSpace, evo.Config{
		PopulationSize: run.Settings.PopulationSize,
		SampleSize:     run.Settings.SampleSize,
		Eps:            run.Settings.Eps,
		Bounds:         run.Bounds,
		MaxRetries:     run.Settings.MaxRetries,
		Seed:           run.Seed,
		RunID:          run.ID,
		Store:          c.store,
		Logger:         c.log,
	})
	if err != nil {
		return SearchSummary{}, err
	}
	if resume {
		if err := sampler.Load(ctx); err != nil {
			return SearchSummary{}, err
		}
	}

	estimator := space.CostEstimator{}
	if trainer == nil {
		trainer = search.EstimatorTrainer{Estimator: estimator}
	}
	cfg := search.Config{
		Sampler:         sampler,
		Builder:         builder,
		Trainer:         trainer,
		Bounds:          run.Bounds,
		Budget:          run.Budget,
		Workers:         run.Settings.Workers,
		PresampleFactor: run.Settings.PresampleFactor,
		MaxIdleRounds:   run.Settings.MaxIdleRounds,
		RunID:           run.ID,
		Lineage:         c.store,
		Logger:          c.log,
	}
	if run.Settings.Presample {
		cfg.Estimator = estimator
	}
	driver, err := search.NewDriver(cfg)
	if err != nil {
		return SearchSummary{}, err
	}

	summary, runErr := driver.Run(ctx)
	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded):
		run.Status = model.RunFailed
	case runErr != nil:
		run.Status = model.RunRunning
	case summary.Exhausted:
		run.Status = model.RunExhausted
	default:
		run.Status = model.RunCompleted
	}
	run.UpdatedAt = c.now().UTC()
	// The run record is written even when ctx is done so a cancelled run
	// stays resumable.
	if err := c.store.SaveRun(context.WithoutCancel(ctx), run); err != nil && runErr == nil {
		runErr = fmt.Errorf("save run: %w", err)
	}

	history := sampler.History()
	out := SearchSummary{
		RunID:     run.ID,
		Status:    run.Status,
		History:   len(history),
		Evaluated: len(summary.Results),
		Proposed:  summary.Proposed,
		Filtered:  summary.Filtered,
		Failed:    summary.Failed,
		Exhausted: summary.Exhausted,
		Best:      best(history),
	}
	c.log.Info("search finished",
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("history", out.History),
	)
	return out, runErr
}

// History returns the evaluated results of a run in evaluation order.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([]model.SearchResult, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	history, err := c.store.LoadHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return history, nil
}

func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]model.LineageRecord, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	lineage, ok, err := c.store.GetLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lineage not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(lineage) > req.Limit {
		lineage = lineage[:req.Limit]
	}
	return lineage, nil
}

// Runs lists runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunRecord, error) {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if req.Limit > 0 && len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}
	return runs, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("run id or latest is required")
	}
	runs, err := c.Runs(ctx, RunsRequest{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs available")
	}
	return runs[0].ID, nil
}

func withDefaultSettings(s model.RunSettings) model.RunSettings {
	if s.PopulationSize <= 0 {
		s.PopulationSize = defaultPopulationSize
	}
	if s.SampleSize <= 0 {
		s.SampleSize = defaultSampleSize
	}
	if s.Eps == 0 {
		s.Eps = defaultEps
	}
	if s.Eps < 0 {
		s.Eps = 0
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = evo.DefaultMaxRetries
	}
	if s.Workers <= 0 {
		s.Workers = defaultWorkers
	}
	if s.PresampleFactor <= 0 {
		s.PresampleFactor = search.DefaultPresampleFactor
	}
	if s.ConstraintPolicy == "" {
		s.ConstraintPolicy = defaultConstraintPolicy
	}
	if s.MaxIdleRounds <= 0 {
		s.MaxIdleRounds = search.DefaultMaxIdleRounds
	}
	return s
}

func schemaOf(def space.Definition) (map[string]any, error) {
	s, _, err := def.Build()
	if err != nil {
		return nil, err
	}
	return s.Schema()
}

func definitionMap(def space.Definition) (map[string]any, error) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func definitionFromMap(m map[string]any) (space.Definition, error) {
	if len(m) == 0 {
		return space.Definition{}, errors.New("no space definition recorded")
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return space.Definition{}, err
	}
	return space.Decode(bytes.NewReader(data))
}

// best returns the result with the lowest costs, compared metric by metric in
// name order.
func best(history []model.SearchResult) *model.SearchResult {
	if len(history) == 0 {
		return nil
	}
	pick := history[0]
	for _, r := range history[1:] {
		if lessCosts(r.Costs(), pick.Costs()) {
			pick = r
		}
	}
	return &pick
}

func lessCosts(a, b []float64) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
