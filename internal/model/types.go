package model

import (
	"sort"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version" yaml:"schema_version"`
	CodecVersion  int `json:"codec_version" yaml:"codec_version"`
}

// SearchResult is one evaluated configuration. Index is its position in the
// run history.
type SearchResult struct {
	VersionedRecord `yaml:",inline"`
	Index           int                `json:"index" yaml:"index"`
	Parameters      map[string]any     `json:"parameters" yaml:"parameters"`
	Metrics         map[string]float64 `json:"metrics" yaml:"metrics"`
}

// Costs lists the metric values ordered by metric name.
func (r SearchResult) Costs() []float64 {
	keys := make([]string, 0, len(r.Metrics))
	for k := range r.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = r.Metrics[k]
	}
	return out
}

// RunRecord describes one search run.
type RunRecord struct {
	VersionedRecord `yaml:",inline"`
	ID              string             `json:"id" yaml:"id"`
	Sampler         string             `json:"sampler" yaml:"sampler"`
	Seed            int64              `json:"seed" yaml:"seed"`
	Budget          int                `json:"budget" yaml:"budget"`
	Bounds          map[string]float64 `json:"bounds,omitempty" yaml:"bounds,omitempty"`
	Schema          map[string]any     `json:"schema,omitempty" yaml:"schema,omitempty"`
	Space           map[string]any     `json:"space,omitempty" yaml:"space,omitempty"`
	Settings        RunSettings        `json:"settings" yaml:"settings"`
	Status          string             `json:"status" yaml:"status"`
	CreatedAt       time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" yaml:"updated_at"`
}

// RunSettings are the sampler and driver settings a run was started with,
// kept so the run can be resumed unchanged.
type RunSettings struct {
	PopulationSize   int     `json:"population_size" yaml:"population_size"`
	SampleSize       int     `json:"sample_size" yaml:"sample_size"`
	Eps              float64 `json:"eps" yaml:"eps"`
	MaxRetries       int     `json:"max_retries" yaml:"max_retries"`
	Workers          int     `json:"workers" yaml:"workers"`
	Presample        bool    `json:"presample" yaml:"presample"`
	PresampleFactor  float64 `json:"presample_factor" yaml:"presample_factor"`
	ConstraintPolicy string  `json:"constraint_policy" yaml:"constraint_policy"`
	MaxIdleRounds    int     `json:"max_idle_rounds" yaml:"max_idle_rounds"`
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunExhausted = "exhausted"
	RunFailed    = "failed"
)

const (
	OriginExplore = "explore"
	OriginExploit = "exploit"
)

// LineageRecord explains where a proposal came from. ParentIndex is -1 for
// explored configurations.
type LineageRecord struct {
	VersionedRecord `yaml:",inline"`
	Index           int    `json:"index" yaml:"index"`
	Origin          string `json:"origin" yaml:"origin"`
	ParentIndex     int    `json:"parent_index" yaml:"parent_index"`
	Mutation        string `json:"mutation,omitempty" yaml:"mutation,omitempty"`
	Fingerprint     string `json:"fingerprint" yaml:"fingerprint"`
	Status          string `json:"status" yaml:"status"`
}

const (
	StatusEvaluated = "evaluated"
	StatusFiltered  = "filtered"
	StatusFailed    = "failed"
)
