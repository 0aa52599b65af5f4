package config

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDecodeOverridesDefaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader(`
space: spaces/resnet.yaml
sampler:
  name: random
  seed: 42
search:
  budget: 20
  workers: 4
  bounds:
    macs: 5.0e6
storage:
  kind: badger
  path: /tmp/nas
logging:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, "spaces/resnet.yaml", cfg.Space)
	assert.Equal(t, "random", cfg.Sampler.Name)
	assert.Equal(t, int64(42), cfg.Sampler.Seed)
	assert.Equal(t, 100, cfg.Sampler.PopulationSize)
	assert.Equal(t, 20, cfg.Search.Budget)
	assert.Equal(t, map[string]float64{"macs": 5e6}, cfg.Search.Bounds)
	assert.Equal(t, 1.2, cfg.Search.PresampleFactor)
	assert.Equal(t, "badger", cfg.Storage.Kind)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestDecodeRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"unknown sampler": "sampler: {name: hyperband}\n",
		"eps range":       "sampler: {eps: 1.5}\n",
		"zero budget":     "search: {budget: 0}\n",
		"negative bound":  "search: {bounds: {macs: -1}}\n",
		"policy":          "search: {constraint_policy: ignore}\n",
		"storage kind":    "storage: {kind: postgres}\n",
		"sqlite path":     "storage: {kind: sqlite, path: \"\"}\n",
		"log level":       "logging: {level: trace}\n",
		"metrics addr":    "metrics: {addr: not-an-address}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	_, err := Decode(strings.NewReader("sampler: {population: 3}\n"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidConfig))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	cfg := Default()
	cfg.Search.Bounds = map[string]float64{"weights": 2e5, "macs": 1e7}
	cfg.Metrics.Addr = "127.0.0.1:9100"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
