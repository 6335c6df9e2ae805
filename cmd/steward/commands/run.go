package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/steward-sh/steward/pkg/engine"
	"github.com/steward-sh/steward/pkg/lookup"
	"github.com/steward-sh/steward/pkg/module"
	"github.com/steward-sh/steward/pkg/modules/aptrepo"
	"github.com/steward-sh/steward/pkg/playbook"
	"github.com/steward-sh/steward/pkg/policy"
	"github.com/steward-sh/steward/pkg/render"
	"github.com/steward-sh/steward/pkg/stores"
	"github.com/steward-sh/steward/pkg/task"
	"github.com/steward-sh/steward/pkg/telemetry"
)

const conditionTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	var (
		targets       []string
		checkMode     bool
		parallel      int
		watch         bool
		historyDB     string
		policyPaths   []string
		inventoryPath string
		metricsAddr   string
		traceStdout   bool
	)

	cmd := &cobra.Command{
		Use:   "run <playbook>",
		Short: "Execute a playbook",
		Long: `Execute the tasks of a playbook in order, fanning each task across its
targets. Without an inventory the only target is localhost.`,
		Example: `  # Apply a playbook locally
  steward run site.yaml

  # Dry run against selected targets from an inventory
  steward run site.yaml --inventory hosts.yaml --target web-01 --check

  # Re-apply whenever the playbook changes
  steward run site.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:      logLevel,
				Format:     logFormat,
				Output:     "stderr",
				TimeFormat: "rfc3339",
			})
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}

			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:    metricsAddr != "",
				Namespace:  "steward",
				ListenAddr: metricsAddr,
				Path:       "/metrics",
			})
			if err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(); err != nil {
						logger.WithError(err).Warn("metrics endpoint stopped")
					}
				}()
			}

			tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
				Enabled:      traceStdout,
				Exporter:     "stdout",
				SamplingRate: 1.0,
			}, "steward", cmd.Root().Version)
			if err != nil {
				return fmt.Errorf("failed to create tracer: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracer.Shutdown(shutdownCtx)
			}()

			registry := module.NewRegistry()
			if err := aptrepo.Register(registry); err != nil {
				return fmt.Errorf("failed to register modules: %w", err)
			}

			lookups := lookup.NewRegistry()
			renderer := render.NewCache(lookups, metrics).Get(render.Options{
				LeftDelim:  "{{",
				RightDelim: "}}",
			})
			cond := render.NewEvaluator(conditionTimeout)

			engineOpts := []engine.Option{
				engine.WithMetrics(metrics),
				engine.WithTracer(tracer),
			}

			if historyDB != "" {
				store, err := stores.NewSQLiteStore(stores.Config{Path: historyDB})
				if err != nil {
					return fmt.Errorf("failed to create history store: %w", err)
				}
				ctx := cmd.Context()
				if err := store.Init(ctx); err != nil {
					return fmt.Errorf("failed to open history store: %w", err)
				}
				defer store.Close()
				if err := store.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to migrate history store: %w", err)
				}
				engineOpts = append(engineOpts, engine.WithStore(store))
			}

			if len(policyPaths) > 0 {
				gate, err := policy.NewGate(logger)
				if err != nil {
					return fmt.Errorf("failed to create policy gate: %w", err)
				}
				policies, err := policy.LoadFromPaths(policyPaths)
				if err != nil {
					return err
				}
				if err := gate.Load(cmd.Context(), policies); err != nil {
					return err
				}
				engineOpts = append(engineOpts, engine.WithPolicyGate(gate))
			}

			providers, cleanup, err := loadProviders(inventoryPath, logger, metrics)
			if err != nil {
				return err
			}
			defer cleanup()

			eng := engine.New(task.NewRunner(registry), renderer, cond, logger, engineOpts...)

			runOnce := func(ctx context.Context) error {
				pb, err := playbook.Load(args[0])
				if err != nil {
					return err
				}

				report, err := eng.Run(ctx, pb, providers, engine.Options{
					CheckMode:   checkMode,
					MaxParallel: parallel,
					Targets:     targets,
				})
				if report != nil {
					printReport(report)
				}
				if err != nil {
					return err
				}
				if report.Failed {
					return fmt.Errorf("run %s failed", report.RunID)
				}
				return nil
			}

			if !watch {
				return runOnce(cmd.Context())
			}
			return watchAndRun(cmd.Context(), logger, args[0], runOnce)
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "restrict execution to the named targets")
	cmd.Flags().BoolVar(&checkMode, "check", false, "dry run: report changes without applying them")
	cmd.Flags().IntVar(&parallel, "parallel", 5, "max concurrent task-target executions")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-apply the playbook whenever it changes")
	cmd.Flags().StringVar(&historyDB, "history-db", "", "SQLite file recording run history")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "rego policy files or directories gating task admission")
	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file declaring SSH targets")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&traceStdout, "trace", false, "emit trace spans to stdout")

	return cmd
}

// watchAndRun applies the playbook once, then re-applies on every change
// until the context is cancelled. A failed run keeps the watch alive.
func watchAndRun(ctx context.Context, logger *telemetry.Logger, path string, runOnce func(context.Context) error) error {
	if err := runOnce(ctx); err != nil {
		logger.WithError(err).Error("run failed, watching for changes")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	logger.Infof("watching %s", path)

	// Editors fire bursts of events per save; collapse them.
	var debounce *time.Timer
	runs := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case runs <- struct{}{}:
				default:
				}
			})

		case <-runs:
			logger.Infof("%s changed, re-applying", path)
			if err := runOnce(ctx); err != nil {
				logger.WithError(err).Error("run failed, watching for changes")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("watch error")
		}
	}
}

// printReport writes the per-target run summary to stdout.
func printReport(report *engine.Report) {
	fmt.Printf("\nRun %s (%s)\n", report.RunID, report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for _, target := range sortedTargets(report) {
		s := report.Targets[target]
		fmt.Printf("  %-20s ok=%d changed=%d skipped=%d failed=%d\n",
			target, s.OK, s.Changed, s.Skipped, s.Failed)
	}
}

func sortedTargets(report *engine.Report) []string {
	names := make([]string, 0, len(report.Targets))
	for name := range report.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
