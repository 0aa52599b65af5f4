package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"nasfront/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned stamps v with the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// Records are YAML documents whose scalars carry explicit !!int and !!float
// tags, so a float that happens to be integral still decodes as a float.

func EncodeResult(r model.SearchResult) ([]byte, error) {
	return encodeFields([]field{
		{"schema_version", r.SchemaVersion},
		{"codec_version", r.CodecVersion},
		{"index", r.Index},
		{"parameters", normalizeMap(r.Parameters)},
		{"metrics", r.Metrics},
	})
}

func DecodeResult(data []byte) (model.SearchResult, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return model.SearchResult{}, err
	}
	return resultFromNode(&node)
}

func resultFromNode(node *yaml.Node) (model.SearchResult, error) {
	var result model.SearchResult
	if err := node.Decode(&result); err != nil {
		return model.SearchResult{}, err
	}
	if err := checkVersion(result.VersionedRecord); err != nil {
		return model.SearchResult{}, err
	}
	if result.Parameters == nil {
		result.Parameters = map[string]any{}
	}
	if result.Metrics == nil {
		result.Metrics = map[string]float64{}
	}
	return result, nil
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	fields := []field{
		{"schema_version", r.SchemaVersion},
		{"codec_version", r.CodecVersion},
		{"id", r.ID},
		{"sampler", r.Sampler},
		{"seed", r.Seed},
		{"budget", r.Budget},
	}
	if len(r.Bounds) > 0 {
		fields = append(fields, field{"bounds", r.Bounds})
	}
	if len(r.Schema) > 0 {
		fields = append(fields, field{"schema", r.Schema})
	}
	if len(r.Space) > 0 {
		fields = append(fields, field{"space", r.Space})
	}
	fields = append(fields,
		field{"settings", settingsMap(r.Settings)},
		field{"status", r.Status},
		field{"created_at", r.CreatedAt},
		field{"updated_at", r.UpdatedAt},
	)
	return encodeFields(fields)
}

func settingsMap(s model.RunSettings) map[string]any {
	return map[string]any{
		"population_size":   s.PopulationSize,
		"sample_size":       s.SampleSize,
		"eps":               s.Eps,
		"max_retries":       s.MaxRetries,
		"workers":           s.Workers,
		"presample":         s.Presample,
		"presample_factor":  s.PresampleFactor,
		"constraint_policy": s.ConstraintPolicy,
		"max_idle_rounds":   s.MaxIdleRounds,
	}
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := yaml.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeLineage(r model.LineageRecord) ([]byte, error) {
	return yaml.Marshal(r)
}

func DecodeLineage(data []byte) (model.LineageRecord, error) {
	var record model.LineageRecord
	if err := yaml.Unmarshal(data, &record); err != nil {
		return model.LineageRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.LineageRecord{}, err
	}
	return record, nil
}

// DecodeHistory reads a stream of result documents.
func DecodeHistory(r io.Reader) ([]model.SearchResult, error) {
	var out []model.SearchResult
	dec := yaml.NewDecoder(r)
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode history document %d: %w", len(out), err)
		}
		result, err := resultFromNode(&node)
		if err != nil {
			return nil, fmt.Errorf("decode history document %d: %w", len(out), err)
		}
		out = append(out, result)
	}
}

// DecodeLineageStream reads a stream of lineage documents.
func DecodeLineageStream(r io.Reader) ([]model.LineageRecord, error) {
	var out []model.LineageRecord
	dec := yaml.NewDecoder(r)
	for {
		var record model.LineageRecord
		err := dec.Decode(&record)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode lineage document %d: %w", len(out), err)
		}
		if err := checkVersion(record.VersionedRecord); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
}

// document prefixes an encoded record with a document separator so records
// can be appended to a stream.
func document(data []byte) []byte {
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(data)
	return b.Bytes()
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}

type field struct {
	key   string
	value any
}

func encodeFields(fields []field) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, f := range fields {
		v, err := valueNode(f.value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.key, err)
		}
		root.Content = append(root.Content, scalar("!!str", f.key), v)
	}
	return yaml.Marshal(root)
}

// EncodeValue renders v in the tagged form used for records. Mapping keys are
// sorted, so equal values always encode to equal bytes.
func EncodeValue(v any) ([]byte, error) {
	node, err := valueNode(v)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

func valueNode(v any) (*yaml.Node, error) {
	switch v := v.(type) {
	case nil:
		return scalar("!!null", "null"), nil
	case bool:
		return scalar("!!bool", strconv.FormatBool(v)), nil
	case string:
		n := scalar("!!str", v)
		n.Style = yaml.DoubleQuotedStyle
		return n, nil
	case int:
		return scalar("!!int", strconv.Itoa(v)), nil
	case int32:
		return scalar("!!int", strconv.FormatInt(int64(v), 10)), nil
	case int64:
		return scalar("!!int", strconv.FormatInt(v, 10)), nil
	case uint:
		return scalar("!!int", strconv.FormatUint(uint64(v), 10)), nil
	case uint64:
		return scalar("!!int", strconv.FormatUint(v, 10)), nil
	case float32:
		return scalar("!!float", formatFloat(float64(v))), nil
	case float64:
		return scalar("!!float", formatFloat(v)), nil
	case time.Time:
		return scalar("!!timestamp", v.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for i, item := range v {
			child, err := valueNode(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			seq.Content = append(seq.Content, child)
		}
		return seq, nil
	case map[string]any:
		m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range sortedKeys(v) {
			child, err := valueNode(v[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m.Content = append(m.Content, scalar("!!str", k), child)
		}
		return m, nil
	case map[string]float64:
		m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Content = append(m.Content, scalar("!!str", k), scalar("!!float", formatFloat(v[k])))
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
