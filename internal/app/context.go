package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/RyanBlaney/latency-benchmark-common/logging"
	"github.com/tunein/go-logging/v7/pkg/logger"
	"github.com/tunein/go-logging/v7/pkg/logger/logtypes"
	"github.com/tunein/go-logging/v7/pkg/rootlogger"

	"github.com/RyanBlaney/voiceprint-verify/configs"
	"github.com/RyanBlaney/voiceprint-verify/internal/verification"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/aggregator"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/scoring"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/storage"
)

// Context holds the application context and configuration
type Context struct {
	// CLI arguments
	OutputFile   string
	OutputFormat string
	Verbose      bool

	// Runtime context
	Logger logging.Logger
	Config *configs.Config
}

// VoiceApp wires the configured stores, aggregator and scorer into one
// verification engine
type VoiceApp struct {
	ctx    *Context
	config *configs.Config
	logger logging.Logger
	store  storage.Store
	engine *verification.Engine
	logOut io.Closer
}

// NewVoiceApp creates a new application from ctx. ctx.Config must already
// be loaded; see LoadContextConfig.
func NewVoiceApp(ctx *Context) (*VoiceApp, error) {
	if ctx.Config == nil {
		return nil, fmt.Errorf("application configuration is not loaded")
	}
	cfg := ctx.Config

	if err := configs.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var logOut io.Closer
	if ctx.Logger == nil {
		ctx.Logger, logOut = setupLogging(ctx)
	}
	log := ctx.Logger
	closeLog := func() {
		if logOut != nil {
			logOut.Close()
		}
	}

	opts := storageOptions(cfg)
	opts.Logger = log
	store, err := storage.Open(opts)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to open %s storage: %w", opts.Backend, err)
	}

	engine, err := buildEngine(cfg, store, log)
	if err != nil {
		store.Close()
		closeLog()
		return nil, err
	}

	log.Debug("Voiceprint application initialized", logging.Fields{
		"storage_backend": cfg.Storage.Backend,
		"storage_dir":     cfg.Storage.Dir,
		"strategy":        cfg.Matching.Strategy,
		"min_samples":     cfg.Enrollment.MinSamples,
		"metrics":         cfg.Metrics.Enabled,
	})

	return &VoiceApp{
		ctx:    ctx,
		config: cfg,
		logger: log,
		store:  store,
		engine: engine,
		logOut: logOut,
	}, nil
}

func buildEngine(cfg *configs.Config, store storage.Store, log logging.Logger) (*verification.Engine, error) {
	aggCfg, err := aggregatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	agg := aggregator.NewAggregator(aggCfg, store, store, log)

	scoreCfg := scoringConfig(cfg)
	scoreCfg.Logger = log
	scorer, err := scoring.New(scoreCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}

	var metrics verification.Collector
	if cfg.Metrics.Enabled {
		metrics = newRootMetrics("service:" + configs.AppName)
	}

	engine, err := verification.NewEngine(&verification.EngineConfig{
		Samples:       store,
		Voiceprints:   store,
		Aggregator:    agg,
		Scorer:        scorer,
		MaxConcurrent: int64(cfg.Matching.MaxConcurrent),
		Logger:        log,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create verification engine: %w", err)
	}
	return engine, nil
}

// LoadContextConfig loads the viper-backed configuration into ctx and
// applies CLI overrides
func LoadContextConfig(ctx *Context) error {
	cfg, err := configs.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if ctx.OutputFormat != "" {
		cfg.OutputFormat = ctx.OutputFormat
	}
	if ctx.Verbose {
		cfg.Verbose = true
		cfg.LogLevel = "debug"
	}

	ctx.Config = cfg
	return nil
}

// setupLogging builds the application logger. Log lines go to the log file
// when one is configured and to stderr otherwise, never to stdout. The root
// logger carrying metrics is pointed at the same file and reopened on SIGHUP
// for log rotation. The returned closer is nil when no file was opened.
func setupLogging(ctx *Context) (logging.Logger, io.Closer) {
	cfg := ctx.Config
	level := parseLogLevel(cfg.LogLevel)
	logging.SetLevel(level)

	var out io.Writer = os.Stderr
	var closer io.Closer
	if cfg.LogFile != "" {
		f, err := openLogFile(cfg.LogFile)
		if err != nil {
			logging.Error(err, "Failed opening log file, logging to stderr")
		} else {
			out, closer = f, f
		}
	}

	metricsFile := cfg.LogFile
	if metricsFile == "" && cfg.Metrics.Enabled {
		metricsFile = filepath.Join(cfg.DataDir, configs.AppName+".log")
	}
	if metricsFile != "" {
		if err := os.MkdirAll(filepath.Dir(metricsFile), 0755); err != nil {
			logging.Error(err, "Failed creating log directory")
		}
		err := rootlogger.Configure(logger.LogOptions{
			Out:          metricsFile,
			ReopenSignal: syscall.SIGHUP,
			Level:        logtypes.InfoLevel,
		})
		if err != nil {
			logging.Error(err, "Failed configuring log writer")
		}
	}

	return newLogrusLogger(out, level).WithFields(logging.Fields{
		"service": configs.AppName,
	}), closer
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Engine returns the verification engine
func (app *VoiceApp) Engine() *verification.Engine {
	return app.engine
}

// Config returns the effective configuration
func (app *VoiceApp) Config() *configs.Config {
	return app.config
}

// Logger returns the application logger
func (app *VoiceApp) Logger() logging.Logger {
	return app.logger
}

// Output writes data in the configured format to the output file, or to
// stdout when none is set
func (app *VoiceApp) Output(data any) error {
	var w io.Writer = os.Stdout
	if app.ctx.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(app.ctx.OutputFile), 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		f, err := os.Create(app.ctx.OutputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := WriteResult(w, app.config.OutputFormat, data); err != nil {
		return err
	}

	if app.ctx.OutputFile != "" {
		app.logger.Debug("Results written to file", logging.Fields{
			"output_file": app.ctx.OutputFile,
		})
	}
	return nil
}

// Close releases the storage backend and the log file
func (app *VoiceApp) Close() error {
	err := app.store.Close()
	if app.logOut != nil {
		app.logOut.Close()
	}
	return err
}
