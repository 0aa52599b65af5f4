package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"nasfront/internal/model"
)

const (
	runFile     = "run.yml"
	historyFile = "history.yml"
	lineageFile = "lineage.yml"
)

// FileStore keeps one directory per run under root. history.yml and
// lineage.yml are append-only YAML document streams; run.yml is replaced
// atomically.
type FileStore struct {
	root string

	mu          sync.Mutex
	initialized bool
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create store directory %s: %w", s.root, err)
	}
	s.initialized = true
	return nil
}

func (s *FileStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.runDir(run.ID)
	if err != nil {
		return err
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, runFile), payload)
}

func (s *FileStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.runPath(id, runFile)
	if err != nil {
		return model.RunRecord{}, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.RunRecord{}, false, nil
	}
	if err != nil {
		return model.RunRecord{}, false, err
	}
	run, err := DecodeRun(data)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *FileStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []model.RunRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, ok, err := s.GetRun(ctx, entry.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, run)
		}
	}
	sortRuns(out)
	return out, nil
}

func (s *FileStore) AppendResult(_ context.Context, runID string, result model.SearchResult) error {
	payload, err := EncodeResult(result)
	if err != nil {
		return err
	}
	return s.append(runID, historyFile, payload)
}

func (s *FileStore) LoadHistory(_ context.Context, runID string) ([]model.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.runPath(runID, historyFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeHistory(bytes.NewReader(data))
}

func (s *FileStore) AppendLineage(_ context.Context, runID string, record model.LineageRecord) error {
	payload, err := EncodeLineage(record)
	if err != nil {
		return err
	}
	return s.append(runID, lineageFile, payload)
}

func (s *FileStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.runPath(runID, lineageFile)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	records, err := DecodeLineageStream(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	return records, true, nil
}

func (s *FileStore) append(runID, name string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(document(payload)); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) runDir(runID string) (string, error) {
	if !s.initialized {
		return "", errNotInitialized
	}
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// runPath names a file of a run without creating anything.
func (s *FileStore) runPath(runID, name string) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, runID, name), nil
}

// checkRunID keeps run ids to a single path element under the store root.
func checkRunID(runID string) error {
	if runID == "" || runID != filepath.Base(runID) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
