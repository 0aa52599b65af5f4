package storage

import (
	"context"

	"nasfront/internal/model"
)

// Store persists search runs: their descriptions, the append-only result
// history and the lineage of every proposal.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	AppendResult(ctx context.Context, runID string, result model.SearchResult) error
	LoadHistory(ctx context.Context, runID string) ([]model.SearchResult, error)
	AppendLineage(ctx context.Context, runID string, record model.LineageRecord) error
	GetLineage(ctx context.Context, runID string) ([]model.LineageRecord, bool, error)
}
