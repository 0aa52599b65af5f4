package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nasfront/internal/config"
	"nasfront/internal/logging"
	"nasfront/internal/metrics"
	"nasfront/internal/space"
	nasapi "nasfront/pkg/nasfront"
)

// app carries the state shared by every command once the root pre-run hook
// has loaded the configuration.
type app struct {
	configPath  string
	storeKind   string
	storePath   string
	logLevel    string
	metricsAddr string

	cfg     *config.Config
	log     *zap.Logger
	metrics *http.Server
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "nasctl",
		Short:         "Explore neural architecture search spaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultPath, "configuration file")
	flags.StringVar(&a.storeKind, "store", "", "store backend: memory|file|badger|sqlite")
	flags.StringVar(&a.storePath, "store-path", "", "store directory or database file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug|info|warn|error")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	root.AddCommand(
		newSearchCmd(a),
		newResumeCmd(a),
		newHistoryCmd(a),
		newLineageCmd(a),
		newRunsCmd(a),
		newScopeCmd(a),
		newSolveCmd(a),
		newTopologyCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Storage.Kind = a.storeKind
	}
	if flags.Changed("store-path") {
		cfg.Storage.Path = a.storePath
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = a.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	a.log = logger.With(zap.String("command", cmd.Name()))

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	a.metrics = &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv, log := a.metrics, a.log
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", addr))
}

func (a *app) close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
		a.metrics = nil
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *app) client(ctx context.Context) (*nasapi.Client, error) {
	c, err := nasapi.New(nasapi.Options{
		StoreKind: a.cfg.Storage.Kind,
		StorePath: a.cfg.Storage.Path,
		Logger:    a.log,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// loadDefinition reads the space definition at path, falling back to the
// configured space file.
func (a *app) loadDefinition(path string) (space.Definition, error) {
	if path == "" {
		path = a.cfg.Space
	}
	if path == "" {
		return space.Definition{}, errors.New("a space definition is required (--space or space: in the config)")
	}
	f, err := os.Open(path)
	if err != nil {
		return space.Definition{}, fmt.Errorf("open space definition: %w", err)
	}
	defer f.Close()
	return space.Decode(f)
}
