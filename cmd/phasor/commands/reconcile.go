package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/queuetue/phasor/pkg/engine"
	"github.com/queuetue/phasor/pkg/notify"
	"github.com/queuetue/phasor/pkg/plan"
	"github.com/queuetue/phasor/pkg/stores"
	"github.com/queuetue/phasor/pkg/telemetry"
)

func newReconcileCommand() *cobra.Command {
	var (
		resourcesFile string
		dryRun        bool
		watch         bool
		targetPhase   string
		parallelism   int
		metricsAddr   string
		logFormat     string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "reconcile <plan.yaml>",
		Short: "Apply a plan against its durable state",
		Long: `Load, validate, and apply a plan document.

This command:
  - Loads the plan and the resource registry
  - Loads the prior state for the plan from the state database
  - Applies phases in dependency order, in parallel where possible
  - Skips phases whose inputs are unchanged since the last apply
  - Persists the final state and prints the phase report

With --watch the plan is re-applied whenever the plan or resources file
changes on disk.`,
		Example: `  # Apply a plan
  phasor reconcile plan.yaml --resources resources.yaml

  # Preview without applying
  phasor reconcile plan.yaml --resources resources.yaml --dry-run

  # Re-apply on file changes
  phasor reconcile plan.yaml --resources resources.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := args[0]

			cfg := telemetry.DefaultConfig()
			cfg.Logging.Format = logFormat
			if verbose {
				cfg.Logging.Level = "debug"
			}
			if traceExporter != "" && traceExporter != "none" {
				cfg.Tracing.Enabled = true
				cfg.Tracing.Exporter = traceExporter
				cfg.Tracing.Endpoint = traceEndpoint
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := telemetry.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}

			if cfg.Tracing.Enabled {
				tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
				if err != nil {
					return err
				}
				defer func() {
					if err := tracer.Shutdown(context.Background()); err != nil {
						logger.Warn().Err(err).Msg("failed to shut down tracer")
					}
				}()
			}

			store, err := stores.NewSQLiteStore(cmd.Context(), stores.Config{Path: statePath})
			if err != nil {
				return err
			}
			defer store.Close()

			var metrics *telemetry.Metrics
			if metricsAddr != "" {
				metrics, err = telemetry.NewMetrics(telemetry.MetricsConfig{
					Enabled:       true,
					ListenAddress: metricsAddr,
					Path:          "/metrics",
					Namespace:     "phasor",
				})
				if err != nil {
					return err
				}
				if err := metrics.StartMetricsServer(); err != nil {
					return err
				}
			}

			run := func(ctx context.Context) error {
				registry, err := engine.LoadResourcesFile(resourcesFile)
				if err != nil {
					return err
				}

				loader, err := plan.NewLoader()
				if err != nil {
					return err
				}
				p, err := loader.LoadFile(ctx, planPath)
				if err != nil {
					printValidationErrors(err)
					return fmt.Errorf("plan %s is invalid", planPath)
				}
				if targetPhase != "" {
					if _, ok := p.Phase(targetPhase); !ok {
						return fmt.Errorf("target phase %q is not defined in %s", targetPhase, planPath)
					}
					p.TargetPhase = targetPhase
				}

				opts := []engine.ReconcilerOption{
					engine.WithLogger(logger),
					engine.WithMaxParallel(parallelism),
					engine.WithDryRun(dryRun),
				}
				if metrics != nil {
					opts = append(opts, engine.WithMetrics(metrics))
				}
				reconciler := engine.NewReconciler(
					registry,
					&logApplier{logger: logger},
					notify.NewLogNotifier(logger),
					store,
					opts...,
				)

				_, report, err := reconciler.Reconcile(ctx, p)
				if report != nil {
					printReport(report)
				}
				return err
			}

			if err := run(cmd.Context()); err != nil && !watch {
				return err
			}
			if !watch {
				return nil
			}
			return watchAndRun(cmd.Context(), logger, []string{planPath, resourcesFile}, run)
		},
	}

	cmd.Flags().StringVarP(&resourcesFile, "resources", "r", "resources.yaml", "resource registry file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without applying or persisting")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-apply when the plan or resources change")
	cmd.Flags().StringVar(&targetPhase, "target", "", "apply only this phase and its dependencies")
	cmd.Flags().IntVar(&parallelism, "max-parallel", 0, "max parallel phase applications (0 = default)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP trace endpoint")

	return cmd
}

// watchAndRun re-runs the reconciliation whenever a watched file changes.
// Events are debounced so an editor's write-then-rename shows up as one run.
func watchAndRun(ctx context.Context, logger zerolog.Logger, paths []string, run func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent directories; editors often replace the file, which
	// drops a watch on the file itself.
	watched := make(map[string]bool)
	for _, p := range paths {
		dir := filepath.Dir(p)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		watched[dir] = true
	}

	names := make(map[string]bool, len(paths))
	for _, p := range paths {
		names[filepath.Clean(p)] = true
	}

	logger.Info().Strs("paths", paths).Msg("watching for changes")

	var debounce *time.Timer
	trigger := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !names[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")

		case <-trigger:
			logger.Info().Msg("change detected, reconciling")
			if err := run(ctx); err != nil {
				logger.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

// logApplier logs each phase application. It stands in when no real applier
// is wired to the CLI.
type logApplier struct {
	logger zerolog.Logger
}

func (a *logApplier) Apply(_ context.Context, phase string, resources []*engine.Resource) error {
	keys := make([]string, 0, len(resources))
	for _, r := range resources {
		keys = append(keys, r.Key())
	}
	a.logger.Info().
		Str("phase", phase).
		Strs("resources", keys).
		Msg("applying")
	return nil
}

func printReport(report *engine.Report) {
	if jsonOutput {
		_ = json.NewEncoder(os.Stdout).Encode(report)
		return
	}

	fmt.Printf("run %s: %s\n", report.RunID, report.Status)
	for _, pr := range report.Phases {
		line := fmt.Sprintf("  %-20s %s", pr.Phase, pr.Status)
		if pr.Attempts > 1 {
			line += fmt.Sprintf(" (attempts: %d)", pr.Attempts)
		}
		if pr.Error != nil {
			line += fmt.Sprintf("  %s", pr.Error.Message)
		}
		fmt.Println(line)
	}
	fmt.Printf("%d succeeded, %d skipped, %d degraded, %d failed, %d aborted, %d deferred\n",
		report.Summary.Succeeded, report.Summary.Skipped, report.Summary.Degraded,
		report.Summary.Failed, report.Summary.Aborted, report.Summary.Deferred)
}
