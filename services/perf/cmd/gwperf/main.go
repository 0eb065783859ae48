package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gwperf/pkg/archive"
	"gwperf/pkg/bus"
	"gwperf/pkg/db"
	"gwperf/pkg/metrics"
	"gwperf/pkg/report"
	"gwperf/pkg/s3"
	"gwperf/pkg/telemetry"
	"gwperf/services/loadrunner"
	"gwperf/services/mockapi"
	"gwperf/services/perf"
	"gwperf/services/perf/internal/config"
	"gwperf/services/workflows"
)

const serviceName = "gwperf"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand shares.
type app struct {
	configPath string
	env        config.Env
	logger     zerolog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "gwperf",
		Short:         "Load and performance tests for protection store gateways",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv(cmd.Context())
			if err != nil {
				return fmt.Errorf("load env: %w", err)
			}
			a.env = env
			if a.configPath == "" {
				a.configPath = env.TestConfig
			}
			a.logger = telemetry.NewLogger(serviceName, env.LogFormat, env.LogLevel)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Test configuration file, JSON or YAML (defaults to $TEST_CONFIG)")

	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newTokenCommand(a))
	cmd.AddCommand(newMockCommand(a))
	cmd.AddCommand(newWatchCommand(a))
	cmd.AddCommand(newHistoryCommand(a))
	cmd.AddCommand(newFetchCommand(a))
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	var opts perf.RunOptions
	cmd := &cobra.Command{
		Use:       "run <workflow>",
		Short:     "Run a workflow against the configured testbed",
		Long:      "Run one of: " + strings.Join(workflows.Names(), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: workflows.Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Identifier of the run (random when empty)")
	cmd.Flags().IntVar(&opts.VUs, "vus", 0, "Virtual users, overriding the test configuration")
	cmd.Flags().IntVar(&opts.Iterations, "iterations", 0, "Iterations shared by all VUs, overriding the test configuration")
	cmd.Flags().DurationVar(&opts.MaxDuration, "max-duration", 0, "Stop handing out iterations after this long")
	return cmd
}

func (a *app) run(ctx context.Context, name string, opts perf.RunOptions) error {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := a.logger.With().Str("run", opts.RunID).Logger()

	shutdown, err := telemetry.Init(ctx, serviceName, a.env.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	if addr := a.env.MetricsAddr; addr != "" {
		stopMetrics := serveMetrics(addr, logger)
		defer stopMetrics()
	}

	file, err := config.LoadFile(a.configPath)
	if err != nil {
		return err
	}
	stack, err := perf.Build(ctx, perf.Deps{Env: a.env, File: file, Logger: logger})
	if err != nil {
		return err
	}
	defer stack.Close()

	runner, err := stack.Runner(name, opts)
	if err != nil {
		return err
	}
	sum, err := runner.Run(ctx)
	if sum.Text != "" {
		fmt.Fprintln(os.Stdout, sum.Text)
	}
	if sum.ArchiveURL != "" {
		fmt.Fprintf(os.Stdout, "\narchive %s\n", sum.ArchiveURL)
	}
	if err != nil {
		return err
	}
	if !sum.OK() {
		return fmt.Errorf("%d of %d iterations did not pass", sum.Planned-sum.Passed, sum.Planned)
	}
	return nil
}

func serveMetrics(addr string, logger zerolog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown metrics server")
		}
	}
}

func newTokenCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Request a token for the configured account and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.LoadFile(a.configPath)
			if err != nil {
				return err
			}
			stack, err := perf.Build(cmd.Context(), perf.Deps{Env: a.env, File: file, Logger: a.logger})
			if err != nil {
				return err
			}
			defer stack.Close()

			token, exp, err := stack.Token(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			if !exp.IsZero() {
				a.logger.Info().Time("expires", exp).Msg("token issued")
			}
			return nil
		},
	}
}

func newMockCommand(a *app) *cobra.Command {
	var (
		addr         string
		runningPolls int
		healthyAfter int
	)
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve a fake management API, identity provider and report portal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.env.MockAddr
			}
			fake, err := mockapi.New(mockapi.Config{
				RunningPolls: runningPolls,
				HealthyAfter: healthyAfter,
				Secret:       []byte(a.env.MockSecret),
				Seed:         mockapi.DefaultSeed(),
				Logger:       a.logger,
			})
			if err != nil {
				return err
			}
			a.logger.Info().Str("addr", addr).Msg("serving mock api")
			return fake.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to $GWPERF_MOCK_ADDR)")
	cmd.Flags().IntVar(&runningPolls, "running-polls", 2, "Polls a task stays RUNNING")
	cmd.Flags().IntVar(&healthyAfter, "healthy-after", 1, "Reads before a new gateway reports connected")
	return cmd
}

func newWatchCommand(a *app) *cobra.Command {
	var durable string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow run events published on NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.env.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}
			events, err := bus.New(a.env.NATSURL, a.logger)
			if err != nil {
				return err
			}
			defer events.Close()
			if err := events.EnsureStream(ctx, a.env.EventsMaxAge); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			steps, err := events.Subscribe(ctx, bus.StepSubject, consumer(durable, "steps"), func(_ context.Context, data []byte) error {
				var ev report.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					return err
				}
				if ev.Type != "step" || ev.Kind != report.EventFinished {
					return nil
				}
				_, err := fmt.Fprintf(out, "%s step   %-40s %s\n", ev.Run, ev.Name, ev.Status)
				return err
			})
			if err != nil {
				return err
			}
			defer steps.Close()

			iterations, err := events.Subscribe(ctx, bus.IterationSubject, consumer(durable, "iterations"), func(_ context.Context, data []byte) error {
				var ev loadrunner.IterationEvent
				if err := json.Unmarshal(data, &ev); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "%s iter   #%-4d vu=%-3d %-11s %s %s\n", ev.Run, ev.Iteration, ev.VU, ev.Status, ev.Duration.Round(time.Second), ev.Error)
				return err
			})
			if err != nil {
				return err
			}
			defer iterations.Close()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&durable, "durable", "", "Durable consumer name to resume from")
	return cmd
}

// consumer derives one durable name per subject from the flag value.
func consumer(durable, subject string) string {
	if durable == "" {
		return ""
	}
	return durable + "-" + subject
}

func newHistoryCommand(a *app) *cobra.Command {
	var (
		workflow string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or the iterations of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := db.Open(ctx, a.env.DBDSN)
			if err != nil {
				return fmt.Errorf("open run history (GWPERF_DB_DSN): %w", err)
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool, a.logger); err != nil {
				return err
			}
			history, err := db.NewHistory(pool)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := history.Run(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s started %s passed %d/%d\n", run.ID, run.Workflow, run.StartedAt.Format(time.RFC3339), run.Passed, run.Planned)
				its, err := history.Iterations(ctx, args[0])
				if err != nil {
					return err
				}
				for _, it := range its {
					fmt.Fprintf(out, "  #%-4d vu=%-3d %-11s %8dms %s\n", it.Number, it.VU, it.Status, it.DurationMS, it.Error)
				}
				return nil
			}

			runs, err := history.Recent(ctx, workflow, limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %-22s %s  %3d/%-3d passed  %d failed  %d interrupted\n",
					r.ID, r.Workflow, r.StartedAt.Format(time.RFC3339), r.Passed, r.Planned, r.Failed, r.Interrupted)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "Only list runs of this workflow")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")
	return cmd
}

func newFetchCommand(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "fetch <workflow> <run-id>",
		Short: "Download the archive of a run and print its summary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := s3.NewClient(ctx, a.env.S3)
			if err != nil {
				return err
			}
			data, err := store.Fetch(ctx, a.env.S3.Bucket, loadrunner.ArchiveKey(args[0], args[1]))
			if err != nil {
				return err
			}
			entries, err := archive.Unpack(bytes.NewReader(data))
			if err != nil {
				return err
			}

			if dir == "" {
				for _, e := range entries {
					if e.Name == loadrunner.SummaryText {
						_, err := cmd.OutOrStdout().Write(e.Data)
						return err
					}
				}
				return fmt.Errorf("archive has no %s", loadrunner.SummaryText)
			}
			for _, e := range entries {
				target := filepath.Join(dir, filepath.FromSlash(e.Name))
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(target, e.Data, 0o644); err != nil {
					return err
				}
				a.logger.Info().Str("file", target).Msg("extracted")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "out", "", "Extract every file of the archive into this directory")
	return cmd
}
