package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aluiziolira/go-acquire/browser"
	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/aluiziolira/go-acquire/pipeline"
	"github.com/aluiziolira/go-acquire/scraper"
	"github.com/aluiziolira/go-acquire/strategy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	configPath  string
	targetsPath string
	urls        []string
	workers     int
	output      string
	format      string
	metricsAddr string
	logFile     string
	verbose     bool
	headless    bool
	noBrowser   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "acquire [--targets targets.yaml] [--url URL ...]",
		Short: "Acquire data from protected endpoints, escalating through ranked strategies.",
		Long: "acquire runs every target through a ladder of acquisition strategies, " +
			"rotating identities when blocked and escalating to a browser when plain HTTP is not enough. " +
			"Settings come from an optional YAML file and ACQUIRE_* environment variables; flags win.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, cmd.Flags())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&opts.targetsPath, "targets", "", "YAML file with a top-level targets list")
	flags.StringSliceVar(&opts.urls, "url", nil, "Target URL to fetch with GET (repeatable)")
	flags.IntVar(&opts.workers, "workers", defaults.Workers, "Number of concurrent acquisitions")
	flags.StringVar(&opts.output, "output", defaults.OutputFile, "Output file path")
	flags.StringVar(&opts.format, "format", defaults.OutputFormat, "Output format: csv, json, or dual")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flags.StringVar(&opts.logFile, "log-file", "", "Write logs to a rotated file instead of stdout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.BoolVar(&opts.headless, "headless", defaults.Browser.Headless, "Run the browser headless")
	flags.BoolVar(&opts.noBrowser, "no-browser", false, "Drop browser strategies from the ladder")

	return cmd
}

func run(ctx context.Context, opts *options, flags *pflag.FlagSet) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, opts, flags)

	logger, closeLog := newLogger(cfg.Verbose, cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	if opts.noBrowser {
		cfg.Strategies = withoutBrowser(cfg.Strategies)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	targets, err := collectTargets(opts)
	if err != nil {
		return err
	}

	strategies, closeBrowser, err := buildStrategies(cfg)
	if err != nil {
		return err
	}
	defer closeBrowser()

	metrics := scraper.NewMetrics()
	orchestrator, err := scraper.NewOrchestrator(cfg, strategies,
		scraper.WithMetrics(metrics),
		scraper.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, in-flight acquisitions will stop")
	}()

	stopMetrics := serveMetrics(cfg.MetricsAddr, metrics)
	defer stopMetrics()

	slog.Info("starting acquisition",
		slog.Int("targets", len(targets)),
		slog.Int("workers", cfg.Workers),
		slog.Int("strategies", len(strategies)),
	)

	p := pipeline.NewPipeline(ctx, orchestrator, writer, cfg)
	p.Start(cfg.Workers)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	startTime := time.Now()
	if err := p.Process(targets...); err != nil {
		slog.Error("enqueue targets", slog.Any("error", err))
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("pipeline shutdown failed: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation failed: %w", err)
	}

	printSummary(p.GetMetrics(), time.Since(startTime), cfg.OutputFile)
	return nil
}

func applyFlags(cfg *config.Config, opts *options, flags *pflag.FlagSet) {
	if flags.Changed("workers") {
		cfg.Workers = opts.workers
	}
	if flags.Changed("output") {
		cfg.OutputFile = opts.output
	}
	if flags.Changed("format") {
		cfg.OutputFormat = strings.ToLower(opts.format)
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if flags.Changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	if flags.Changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if flags.Changed("headless") {
		cfg.Browser.Headless = opts.headless
	}
}

func withoutBrowser(specs []config.StrategySpec) []config.StrategySpec {
	out := make([]config.StrategySpec, 0, len(specs))
	for _, spec := range specs {
		if spec.Kind != config.KindBrowser {
			out = append(out, spec)
		}
	}
	return out
}

func collectTargets(opts *options) ([]models.Target, error) {
	var targets []models.Target
	if opts.targetsPath != "" {
		loaded, err := config.LoadTargets(opts.targetsPath)
		if err != nil {
			return nil, err
		}
		targets = append(targets, loaded...)
	}
	for _, u := range opts.urls {
		target := models.Target{URL: u}
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("--url %s: %w", u, err)
		}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return nil, errors.New("no targets: pass --targets or --url")
	}
	return targets, nil
}

// buildStrategies instantiates the configured ladder. The browser is shared
// by every browser strategy and only started on first use.
func buildStrategies(cfg *config.Config) ([]scraper.Strategy, func(), error) {
	var (
		strategies []scraper.Strategy
		driver     *browser.Rod
	)
	for _, spec := range cfg.Strategies {
		switch spec.Kind {
		case config.KindHTTP:
			strategies = append(strategies, strategy.NewHTTP(spec, cfg))
		case config.KindBrowser:
			if driver == nil {
				driver = browser.NewRod(cfg.Browser)
			}
			strategies = append(strategies, strategy.NewBrowser(spec, cfg, driver))
		default:
			return nil, nil, config.Errorf("strategy %s: unknown kind %q", spec.Name, spec.Kind)
		}
	}

	closeBrowser := func() {
		if driver == nil {
			return
		}
		if err := driver.Close(); err != nil {
			slog.Warn("close browser", slog.Any("error", err))
		}
	}
	return strategies, closeBrowser, nil
}

func serveMetrics(addr string, metrics *scraper.Metrics) func() {
	if addr == "" || metrics == nil {
		return func() {}
	}

	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(metrics map[string]interface{}, duration time.Duration, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Acquisition complete")

	processed, _ := metrics["processed_targets"].(int64)
	succeeded, _ := metrics["succeeded"].(int64)
	exhausted, _ := metrics["exhausted"].(int64)
	attempts, _ := metrics["attempts"].(int64)

	fmt.Printf("  Targets:       %d\n", processed)
	successRate := 0.0
	if processed > 0 {
		successRate = float64(succeeded) / float64(processed) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Exhausted:     %d\n", exhausted)
	if reasons, ok := metrics["exhausted_by_reason"].(map[string]int); ok && len(reasons) > 0 {
		fmt.Printf("  Reasons:       %v\n", reasons)
	}
	if dup, ok := metrics["duplicates"].(int64); ok && dup > 0 {
		fmt.Printf("  Duplicates:    %d\n", dup)
	}
	if invalid, ok := metrics["invalid_targets"].(int64); ok && invalid > 0 {
		fmt.Printf("  Invalid:       %d\n", invalid)
	}
	fmt.Printf("  Attempts:      %d\n", attempts)
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

// newLogger logs text to terminals and JSON otherwise. A log file switches
// output to rotated JSON.
func newLogger(verbose bool, logFile string) (*slog.Logger, func()) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
	opts := &slog.HandlerOptions{Level: level}

	if logFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
		return slog.New(slog.NewJSONHandler(rotated, opts)), func() { _ = rotated.Close() }
	}

	var out io.Writer = os.Stdout
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), func() {}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
