// Package wire provides dependency injection for malipat.
// It loads the configuration once and builds singleton services from it.
package wire

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	cliadapter "github.com/example/malipat/internal/adapters/cli"
	"github.com/example/malipat/internal/adapters/filesystem"
	"github.com/example/malipat/internal/adapters/metrics"
	"github.com/example/malipat/internal/adapters/process"
	"github.com/example/malipat/internal/adapters/reporter"
	"github.com/example/malipat/internal/adapters/sqlite"
	"github.com/example/malipat/internal/app"
	"github.com/example/malipat/internal/config"
	"github.com/example/malipat/internal/db"
	"github.com/example/malipat/internal/logging"
	"github.com/example/malipat/internal/ports/primary"
	"github.com/example/malipat/internal/ports/secondary"
)

var (
	configPath string
	cfg        *config.Config
	cfgErr     error
	cfgOnce    sync.Once

	logger          *slog.Logger
	registry        *prometheus.Registry
	pipelineService primary.PipelineService
	statusService   primary.StatusService
	closers         []io.Closer
	initErr         error
	once            sync.Once
)

// SetConfigPath records the --config flag. It must be called before any
// other function in this package.
func SetConfigPath(path string) {
	configPath = path
}

// Config returns the loaded configuration.
func Config() (*config.Config, error) {
	cfgOnce.Do(func() {
		path, err := config.ResolvePath(configPath)
		if err != nil {
			cfgErr = err
			return
		}
		cfg, cfgErr = config.LoadConfig(path)
	})
	return cfg, cfgErr
}

// PipelineService returns the singleton PipelineService instance.
func PipelineService() (primary.PipelineService, error) {
	once.Do(initServices)
	return pipelineService, initErr
}

// StatusService returns the singleton StatusService instance.
func StatusService() (primary.StatusService, error) {
	once.Do(initServices)
	return statusService, initErr
}

// Logger returns the configured logger, or the default logger before
// services are initialized.
func Logger() *slog.Logger {
	once.Do(initServices)
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Registry returns the Prometheus registry the pipeline metrics live on.
func Registry() *prometheus.Registry {
	once.Do(initServices)
	return registry
}

// Close releases the database and the log file.
func Close() error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	closers = nil
	return errors.Join(errs...)
}

// initServices initializes all services and their dependencies.
// This is called once via sync.Once.
func initServices() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c, err := Config()
	if err != nil {
		initErr = err
		return
	}

	l, logCloser, err := logging.New(logging.Config{Level: c.Log.Level, Format: c.Log.Format, Output: c.Log.Output})
	if err != nil {
		initErr = fmt.Errorf("failed to initialize logging: %w", err)
		return
	}
	logger = l
	closers = append(closers, logCloser)

	// Get database connection
	database, err := db.Open(c.DatabasePath())
	if err != nil {
		initErr = fmt.Errorf("failed to initialize database: %w", err)
		return
	}
	closers = append(closers, database)

	// Create repository adapters (secondary ports)
	patchRepo := sqlite.NewPatchRepository(database)
	checkpointRepo := sqlite.NewCheckpointRepository(database)
	batchRepo := sqlite.NewBatchRepository(database)

	workspaces, err := filesystem.NewWorkspaceManager(c.Target.Path, c.WorkspaceDir(), c.Target.Mode, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize workspaces: %w", err)
		return
	}

	executor := app.NewExecutor(workspaces, process.NewRunner(logger), app.ExecutorConfig{
		Command:     c.Test.Command,
		Timeout:     c.Test.Timeout.Std(),
		OutputLimit: c.Test.OutputLimit,
	}, logger)

	m := metrics.New(registry)

	// Create services (primary ports implementation)
	pipelineService = app.NewPipelineService(
		buildSource(c),
		patchRepo,
		checkpointRepo,
		batchRepo,
		workspaces,
		executor,
		buildReporter(c, m),
		m,
		app.PipelineConfig{
			BatchSize:  c.Pipeline.BatchSize,
			Workers:    c.Pipeline.Workers,
			UpdateBase: c.Target.UpdateBase,
		},
		logger,
	)
	statusService = app.NewStatusService(patchRepo, batchRepo, c.Pipeline.MaxAttempts)
}

func buildSource(c *config.Config) secondary.PatchSource {
	if c.Source.Kind == config.SourceMbox {
		return filesystem.NewMboxSource(c.Source.Path)
	}
	return filesystem.NewSpoolSource(c.Source.Path)
}

func buildReporter(c *config.Config, m *metrics.Metrics) secondary.Reporter {
	var multi reporter.Multi
	if c.Report.Console {
		multi = append(multi, reporter.NewConsoleReporter(os.Stdout))
	}
	if c.Report.JSONL != "" {
		multi = append(multi, reporter.NewJSONLReporter(c.Report.JSONL))
	}
	return m.InstrumentReporter(multi)
}

// StatusAdapter returns a new StatusAdapter writing to stdout.
// Each call creates a new adapter (adapters are stateless translators).
func StatusAdapter() (*cliadapter.StatusAdapter, error) {
	return StatusAdapterWithOutput(os.Stdout)
}

// StatusAdapterWithOutput returns a new StatusAdapter writing to the given output.
// This variant allows testing or alternate output destinations.
func StatusAdapterWithOutput(out io.Writer) (*cliadapter.StatusAdapter, error) {
	svc, err := StatusService()
	if err != nil {
		return nil, err
	}
	return cliadapter.NewStatusAdapter(svc, out), nil
}
