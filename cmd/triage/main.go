package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tracetriage/internal/config"
	"tracetriage/internal/logging"
	"tracetriage/internal/store"
	"tracetriage/internal/trace"
	"tracetriage/internal/triage"
	"tracetriage/internal/watch"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "TraceTriage - self-improvement pipeline for agent execution traces",
	Long: `TraceTriage ingests execution traces from the agent pipeline
(tester/triage/fixer/verifier), classifies failures, detects recurring
failure patterns, proposes and A/B-tests corrective prompt changes, and
tracks session-level improvement metrics over time.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, _ = os.Getwd()
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("Categorized logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// analyzeCmd runs one analysis session over trace files.
var analyzeCmd = &cobra.Command{
	Use:   "analyze [file|dir]...",
	Short: "Analyze trace files and report failures, patterns, and actions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalyze,
}

// improveCmd runs analysis followed by prompt improvement for one agent.
var improveCmd = &cobra.Command{
	Use:   "improve [agent] [file|dir]...",
	Short: "Analyze traces and propose a prompt improvement for an agent",
	Long: `Runs failure analysis over the given traces, then synthesizes an
improved prompt for the named agent (Tester, Triage, Fixer, Verifier,
Crawler). When A/B testing is enabled the improvement is validated against
the current prompt over recent failures.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runImprove,
}

// watchCmd watches a directory and analyzes trace batches as they land.
var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a directory and analyze trace files as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

// reportCmd prints archived session history.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print archived session history and aggregate statistics",
	RunE:  runReport,
}

// promptsCmd prints the prompt version history for an agent.
var promptsCmd = &cobra.Command{
	Use:   "prompts [agent]",
	Short: "Print the prompt version history for an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrompts,
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")

	rootCmd.AddCommand(analyzeCmd, improveCmd, watchCmd, reportCmd, promptsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newTriage builds the orchestrator from the workspace config.
func newTriage() (*triage.TraceTriage, *config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}

	tt := triage.New(triage.Config{
		AutoApplySafe:             cfg.Triage.AutoApplySafe,
		MinConfidenceForAutoApply: cfg.Triage.MinConfidenceForAutoApply,
		MaxActionsPerSession:      cfg.Triage.MaxActionsPerSession,
		EnableABTesting:           cfg.Triage.EnableABTesting,
	}, triage.WithTracer(triage.LogTracer{}))

	return tt, cfg, nil
}

// loadTraces loads traces from every file or directory argument.
func loadTraces(ctx context.Context, args []string) ([]*trace.Trace, error) {
	var traces []*trace.Trace
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}

		if info.IsDir() {
			loaded, err := trace.LoadDir(ctx, arg)
			if err != nil {
				return nil, err
			}
			traces = append(traces, loaded...)
		} else {
			loaded, err := trace.LoadFile(arg)
			if err != nil {
				return nil, err
			}
			traces = append(traces, loaded...)
		}
	}
	return traces, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tt, cfg, err := newTriage()
	if err != nil {
		return err
	}

	traces, err := loadTraces(ctx, args)
	if err != nil {
		return err
	}
	logger.Info("Traces loaded", zap.Int("count", len(traces)))

	tt.StartSession()
	result, err := tt.Analyze(ctx, traces)
	if err != nil {
		return err
	}

	if cfg.Triage.AutoApplySafe {
		applied, err := tt.AutoApplySafeImprovements(ctx)
		if err != nil {
			return err
		}
		logger.Info("Safe actions auto-applied", zap.Int("count", len(applied)))
	}

	ended := tt.EndSession()
	printAnalysis(result, ended)

	return archive(cfg, ended, result)
}

func runImprove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	agent := trace.Agent(args[0])

	tt, cfg, err := newTriage()
	if err != nil {
		return err
	}

	traces, err := loadTraces(ctx, args[1:])
	if err != nil {
		return err
	}

	tt.StartSession()
	if _, err := tt.Analyze(ctx, traces); err != nil {
		return err
	}

	result, err := tt.ImprovePrompt(ctx, agent)
	if err != nil {
		return err
	}
	tt.EndSession()

	fmt.Printf("Agent: %s\n", agent)
	if len(result.Improvement.Changes) == 0 {
		fmt.Println("No changes needed; prompt left as-is.")
		return nil
	}

	fmt.Printf("Changes (%d):\n", len(result.Improvement.Changes))
	for _, c := range result.Improvement.Changes {
		fmt.Printf("  - %s\n", c)
	}
	fmt.Printf("Confidence: %.2f\n", result.Improvement.Confidence)

	if ab := result.ABResult; ab != nil {
		fmt.Printf("A/B: winner=%s confidence=%.2f (%s)\n", ab.Winner, ab.Confidence, ab.Recommendation)
		fmt.Printf("Adopted: %v\n", result.Adopted)

		if cfg.Store.Enabled {
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SaveABResult(agent, ab); err != nil {
				return err
			}
		}
	}

	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	tt, cfg, err := newTriage()
	if err != nil {
		return err
	}

	handler := func(ctx context.Context, traces []*trace.Trace) {
		result, err := tt.Analyze(ctx, traces)
		if err != nil {
			logger.Error("Analysis failed", zap.Error(err))
			return
		}
		logger.Info("Batch analyzed",
			zap.Int("traces", len(traces)),
			zap.Int("failures", len(result.Failures)),
			zap.Int("patterns", len(result.Patterns)))
	}

	w, err := watch.New(args[0], time.Duration(cfg.Watch.DebounceMs)*time.Millisecond, handler)
	if err != nil {
		return err
	}

	tt.StartSession()
	if err := w.Start(ctx); err != nil {
		return err
	}

	logger.Info("Watching for traces", zap.String("dir", args[0]))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	w.Stop()
	ended := tt.EndSession()

	stats := w.Statistics()
	logger.Info("Watch session complete",
		zap.Int("files", stats.FilesSeen),
		zap.Int("traces", stats.TracesIngested),
		zap.Int("decode_errors", stats.DecodeErrors))

	analyzer, _, _ := tt.Components()
	return archive(cfg, ended, &triage.AnalysisResult{Failures: analyzer.Failures()})
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Archive: %d session(s), %d failure record(s), %d A/B result(s)\n",
		stats.Sessions, stats.Failures, stats.ABResults)

	sessions, err := st.RecentSessions(10)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		end := "active"
		if s.EndTime != nil {
			end = s.EndTime.Format(time.RFC3339)
		}
		fmt.Printf("  %s  traces=%d failures=%d actions=%d/%d  ended=%s\n",
			s.ID[:8], s.TracesAnalyzed, s.FailuresFound,
			s.ActionsApplied, s.ActionsGenerated, end)
	}
	return nil
}

func runPrompts(cmd *cobra.Command, args []string) error {
	tt, _, err := newTriage()
	if err != nil {
		return err
	}

	_, improver, _ := tt.Components()
	agent := trace.Agent(args[0])

	versions := improver.Versions(agent)
	if len(versions) == 0 {
		return fmt.Errorf("unknown agent %q", args[0])
	}

	for _, v := range versions {
		fmt.Printf("%s  %s  (%s)\n", v.Version, v.Name, v.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// printAnalysis renders one analysis cycle for the terminal.
func printAnalysis(result *triage.AnalysisResult, session *triage.Session) {
	fmt.Printf("Session %s\n", session.ID[:8])
	fmt.Printf("  Traces analyzed: %d\n", session.TracesAnalyzed)
	fmt.Printf("  Failure records: %d\n", len(result.Failures))
	fmt.Printf("  Patterns:        %d\n", len(result.Patterns))
	fmt.Printf("  Actions:         %d\n", len(result.Actions))

	for _, f := range result.Failures {
		fmt.Printf("  [%s] %s x%d: %s\n", f.Agent, f.Cause, f.Frequency, f.ErrorMessage)
	}
	for _, p := range result.Patterns {
		fmt.Printf("  PATTERN %s (%d occurrences): %s\n", p.Name, p.Occurrences, p.Description)
	}
}

// archive persists the session when the store is enabled.
func archive(cfg *config.Config, session *triage.Session, result *triage.AnalysisResult) error {
	if !cfg.Store.Enabled || session == nil {
		return nil
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SaveSession(session); err != nil {
		return err
	}
	return st.SaveFailures(session.ID, result.Failures)
}
