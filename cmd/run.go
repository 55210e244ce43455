package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/sequencer/internal/browser"
	"github.com/xkilldash9x/sequencer/internal/config"
	"github.com/xkilldash9x/sequencer/internal/driver"
	"github.com/xkilldash9x/sequencer/internal/journal"
	"github.com/xkilldash9x/sequencer/internal/loop"
	"github.com/xkilldash9x/sequencer/internal/metrics"
	"github.com/xkilldash9x/sequencer/internal/observability"
	"github.com/xkilldash9x/sequencer/internal/processor"
	"github.com/xkilldash9x/sequencer/internal/scheduler"
	"github.com/xkilldash9x/sequencer/internal/script"
)

// sessionBackend is the automation backend a run drives.
type sessionBackend interface {
	processor.Backend
	Close(ctx context.Context) error
}

// Seams for tests.
var (
	newBackend = func(exec loop.Executor, cfg config.BrowserConfig, logger *zap.Logger) sessionBackend {
		return browser.New(exec, cfg, logger)
	}
	openJournal = openPostgresJournal
)

const shutdownTimeout = 15 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var outputDir string
	runCmd := &cobra.Command{
		Use:   "run <script.yaml>",
		Short: "Runs a script in a new browser session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			sc, err := script.Load(args[0])
			if err != nil {
				return err
			}

			logger.Info("Running script",
				zap.String("script", sc.Name),
				zap.Int("steps", len(sc.Steps)),
				zap.Bool("headless", a.cfg.Browser().Headless),
			)

			values, names, runErr := runScript(cmd.Context(), a.cfg, sc, logger)
			if err := printResults(cmd.OutOrStdout(), names, values, outputDir); err != nil {
				return err
			}
			if runErr != nil {
				if errors.Is(runErr, context.Canceled) {
					logger.Warn("Script aborted", zap.String("script", sc.Name))
				}
				return runErr
			}
			logger.Info("Script completed", zap.String("script", sc.Name))
			return nil
		},
	}

	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory for binary results such as screenshots")
	runCmd.Flags().Bool("headless", true, "Run the browser without a window. (Overrides config/env)")
	runCmd.Flags().String("exec-path", "", "Browser executable. (Overrides config/env)")
	runCmd.Flags().Bool("journal", false, "Persist finished commands to the journal database. (Overrides config/env)")
	runCmd.Flags().Bool("metrics", false, "Expose prometheus metrics while the script runs. (Overrides config/env)")
	runCmd.Flags().String("metrics-addr", "", "Metrics listen address. (Overrides config/env)")
	return runCmd
}

// sessionOutcome is what the session reports back to the run.
type sessionOutcome struct {
	failure *scheduler.UnhandledCommandFailure
}

// runScript drives sc through one session and returns the named results
// that resolved, in script order.
func runScript(ctx context.Context, cfg config.Interface, sc *script.Script, logger *zap.Logger) (map[string]any, []string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	l := loop.New(logger)
	g.Go(func() error { return l.Run(gctx) })

	reg := prometheus.NewRegistry()
	observers := []scheduler.Observer{metrics.NewCollector(reg)}

	if cfg.Journal().Enabled {
		sink, closeSink, err := openJournal(ctx, cfg.Journal(), logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return nil, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		defer closeSink()
		rec := journal.NewRecorder(sink, cfg.Journal(), logger)
		observers = append(observers, rec)
		g.Go(func() error { return rec.Run(gctx) })
	}

	if cfg.Metrics().Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics().ListenAddr, reg, logger) })
	}

	backend := newBackend(l, cfg.Browser(), logger)

	var (
		s       *scheduler.Scheduler
		results *script.Results
	)
	outcome := make(chan sessionOutcome, 1)
	report := func(o sessionOutcome) {
		select {
		case outcome <- o:
		default:
		}
	}

	err := l.Do(gctx, func() {
		s = scheduler.New(l, backend, logger, scheduler.Options{
			TickInterval: cfg.Scheduler().TickInterval,
			PollInterval: cfg.Wait().PollInterval,
			Observers:    observers,
		})
		s.On(scheduler.EventError, func(ev scheduler.Event) { report(sessionOutcome{failure: ev.Err}) })
		s.On(scheduler.EventIdle, func(scheduler.Event) { report(sessionOutcome{}) })

		d := driver.New(s, cfg.Wait().DefaultTimeout)
		d.NewSession()
		results = sc.Schedule(d)
		d.Quit()
		s.Start()
	})

	var runErr error
	if err == nil {
		select {
		case o := <-outcome:
			if o.failure != nil {
				runErr = fmt.Errorf("script %q halted: %w", sc.Name, o.failure)
			}
		case <-gctx.Done():
			runErr = fmt.Errorf("script %q aborted: %w", sc.Name, context.Cause(gctx))
		}
	} else {
		runErr = fmt.Errorf("failed to start session: %w", err)
	}

	var values map[string]any
	var names []string
	doCtx, doCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	_ = l.Do(doCtx, func() {
		if s != nil {
			s.Stop()
		}
		if results != nil {
			values, names = results.Values(), results.Names()
		}
	})
	doCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	if err := backend.Close(shutdownCtx); err != nil {
		logger.Warn("Error during backend shutdown", zap.Error(err))
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}
	return values, names, runErr
}

// printResults writes one line per resolved result. Byte results are
// written to outputDir instead.
func printResults(w io.Writer, names []string, values map[string]any, outputDir string) error {
	for _, name := range names {
		v, ok := values[name]
		if !ok {
			fmt.Fprintf(w, "%s: <not run>\n", name)
			continue
		}
		if data, ok := v.([]byte); ok {
			if outputDir == "" {
				fmt.Fprintf(w, "%s: <%d bytes>\n", name, len(data))
				continue
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			path := filepath.Join(outputDir, name+".png")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", name, err)
			}
			fmt.Fprintf(w, "%s: %s\n", name, path)
			continue
		}
		encoded, err := jsoniter.Marshal(v)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", name, v)
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", name, encoded)
	}
	return nil
}

// openPostgresJournal connects to the journal database and prepares its
// schema. The returned func closes the pool.
func openPostgresJournal(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (journal.Sink, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store, err := journal.NewStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}
