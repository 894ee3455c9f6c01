package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/pgsync/internal/introspect"
	"github.com/ajitpratap0/pgsync/internal/pipeline"
	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/pkg/config"
	"github.com/ajitpratap0/pgsync/pkg/logger"
	"github.com/ajitpratap0/pgsync/pkg/metrics"
	"github.com/ajitpratap0/pgsync/pkg/observability"
)

type runOptions struct {
	action      string
	metricsFile string
	trace       bool
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the structure or data phase for the selected databases",
		Example: `  pgsync run --action structure --db orders
  pgsync run --action data --db orders --db billing -c prod.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			action, ok := config.ParseAction(opts.action)
			if !ok {
				return fmt.Errorf("invalid action %q: must be structure or data", opts.action)
			}
			return runAction(cmd, flags, opts, action)
		},
	}

	cmd.Flags().StringVarP(&opts.action, "action", "a", "", "Phase to run: structure or data")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-textfile", "", "Write Prometheus metrics to this file when the run ends")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Export trace spans next to the run log")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runAction(cmd *cobra.Command, flags *globalFlags, opts *runOptions, action config.Action) error {
	plan, err := loadPlan(flags)
	if err != nil {
		return err
	}
	if err := plan.Validate(action); err != nil {
		return err
	}

	runID := uuid.NewString()
	stamp := time.Now().Format("20060102-150405")
	base := filepath.Join(plan.Log.Dir, fmt.Sprintf("pgsync-%s-%s", stamp, runID[:8]))

	if err := logger.Init(logger.Config{
		Level:    plan.Log.Level,
		Encoding: "console",
		FilePath: base + ".log",
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	log := logger.WithContext(ctx)

	shutdown, err := initTracing(opts.trace, base+".trace.json")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("pgsync")
	invoker := process.NewInvoker(log)
	printer := &progressPrinter{w: cmd.OutOrStdout()}

	p := pipeline.New(plan, action, pipeline.Dependencies{
		Runner:       invoker,
		Introspector: introspect.New(plan.Source, invoker),
		Metrics:      collector,
		Output:       cmd.OutOrStdout(),
	}, printer.handle, log)

	log.Info("starting run",
		zap.String("action", string(action)),
		zap.Strings("databases", plan.Names()),
		zap.String("config", flags.configFile),
		zap.String("log_file", base+".log"))

	res, err := p.Run(ctx, runID)
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), res)

	if opts.metricsFile != "" {
		if err := collector.WriteTextfile(opts.metricsFile); err != nil {
			log.Warn("failed to write metrics textfile", zap.String("path", opts.metricsFile), zap.Error(err))
		}
	}

	if !res.OK() {
		return &exitError{code: 1}
	}
	return nil
}

// loadPlan reads the configuration file and resolves it for the requested
// databases. The --log-level flag wins over the file.
func loadPlan(flags *globalFlags) (*config.Plan, error) {
	doc, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	plan, err := config.Resolve(doc, flags.databases)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		plan.Log.Level = flags.logLevel
	}
	return plan, nil
}

func initTracing(enabled bool, path string) (observability.ShutdownFunc, error) {
	if !enabled {
		return observability.InitTracing(observability.TracingConfig{})
	}
	f, err := os.Create(path) //nolint:gosec // G304: path built from configured log dir
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	shutdown, err := observability.InitTracing(observability.TracingConfig{
		Enabled:        true,
		ServiceVersion: version,
		Output:         f,
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
