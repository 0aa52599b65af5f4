package storage

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nasfront/internal/model"
)

func TestDecodeHistoryFixture(t *testing.T) {
	f, err := os.Open(fixturePath("history_v1.yml"))
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer f.Close()

	history, err := DecodeHistory(f)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 results, got %d", len(history))
	}
	if _, ok := history[0].Parameters["a"].(int); !ok {
		t.Fatalf("expected int parameter, got %T", history[0].Parameters["a"])
	}
	if history[1].Metrics["weights"] != 800 {
		t.Fatalf("unexpected metrics: %+v", history[1].Metrics)
	}
	if history[1].Index != 1 {
		t.Fatalf("unexpected index: %d", history[1].Index)
	}
}

func TestDecodeRunVersionMismatch(t *testing.T) {
	data, err := os.ReadFile(fixturePath("run_v2.yml"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if _, err := DecodeRun(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestEncodeResultKeepsNumericKinds(t *testing.T) {
	in := model.SearchResult{
		VersionedRecord: Versioned(),
		Index:           3,
		Parameters: map[string]any{
			"int":      4,
			"integral": 4.0,
			"nested":   map[string]any{"list": []any{1, 1.5, "x", true, nil}},
		},
		Metrics: map[string]float64{"nan": math.NaN(), "inf": math.Inf(1), "tiny": 1e-300},
	}
	data, err := EncodeResult(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), "!!float 4") {
		t.Fatalf("expected integral float to carry its tag:\n%s", data)
	}

	out, err := DecodeResult(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := out.Parameters["int"].(int); !ok || v != 4 {
		t.Fatalf("int parameter: %#v", out.Parameters["int"])
	}
	if v, ok := out.Parameters["integral"].(float64); !ok || v != 4 {
		t.Fatalf("float parameter: %#v", out.Parameters["integral"])
	}
	list := out.Parameters["nested"].(map[string]any)["list"].([]any)
	if len(list) != 5 || list[0] != 1 || list[1] != 1.5 || list[2] != "x" || list[3] != true || list[4] != nil {
		t.Fatalf("nested list: %#v", list)
	}
	if !math.IsNaN(out.Metrics["nan"]) || !math.IsInf(out.Metrics["inf"], 1) || out.Metrics["tiny"] != 1e-300 {
		t.Fatalf("metrics: %#v", out.Metrics)
	}
}

func TestEncodeResultRejectsUnsupportedValues(t *testing.T) {
	in := model.SearchResult{
		VersionedRecord: Versioned(),
		Parameters:      map[string]any{"fn": func() {}},
	}
	if _, err := EncodeResult(in); err == nil {
		t.Fatal("expected unsupported value error")
	}
}

func TestDecodeLineageVersionMismatch(t *testing.T) {
	data, err := EncodeLineage(model.LineageRecord{Index: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeLineage(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}
