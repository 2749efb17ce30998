package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/table-comparator/cmd/comparator"
	"github.com/airframesio/table-comparator/cmd/jobs"
)

// Exit codes for the compare command
const (
	exitOK          = 0
	exitError       = 1
	exitDifferences = 3
	exitCancelled   = 130
)

var (
	pairFlags  []string
	jobIDFlag  string
	noTUI      bool
	failOnDiff bool
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare PROD and DEV table pairs",
	Long: `Compares the configured table pairs between the source (PROD) and target (DEV)
databases. Pairs come from the "pairs" config section or from repeated --pair
flags ("table" or "prod_table:dev_table"). Press q or Ctrl+C to cancel after the
current table.

Exit codes: 0 success, 1 error or failed pair, 3 differences found with
--fail-on-diff, 130 cancelled.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, viper.GetViper())
	},
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(runCompare())
	},
}

func init() {
	compareCmd.Flags().StringArrayVar(&pairFlags, "pair", nil, "table pair to compare, \"table\" or \"prod_table:dev_table\" (repeatable, overrides config pairs)")
	compareCmd.Flags().StringVar(&jobIDFlag, "job-id", "", "job id used in logs and report names (default: random UUID)")
	compareCmd.Flags().BoolVar(&noTUI, "no-tui", false, "print log lines instead of the interactive progress view")
	compareCmd.Flags().BoolVar(&failOnDiff, "fail-on-diff", false, "exit with code 3 when any table differs")

	addDatabaseFlags(compareCmd)
	addComparisonFlags(compareCmd)
	addReportFlags(compareCmd)
}

func runCompare() int {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(exitError)
		}
	}()

	v := viper.GetViper()
	config, err := loadConfig(v)
	if err != nil {
		initLogger(debug, logFormat, os.Stdout)
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitError
	}
	if len(pairFlags) > 0 {
		config.Pairs = make([]comparator.TablePairConfig, 0, len(pairFlags))
		for _, p := range pairFlags {
			config.Pairs = append(config.Pairs, parsePairFlag(p))
		}
	}

	// The TUI owns the terminal, so logs only reach it through logBroadcast
	useTUI := !noTUI && !config.Debug
	var out io.Writer = os.Stdout
	if useTUI {
		out = io.Discard
	}
	initLogger(config.Debug, config.LogFormat, out)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Table Comparator v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	catalog, err := loadCatalog(v)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Ignoring table catalog: %v", err))
	}
	config.Pairs = catalog.ApplyAll(config.Pairs)

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		initLogger(config.Debug, config.LogFormat, os.Stdout)
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitError
	}
	sampling, _ := config.Sampling.Sampling()

	var reports *reportWriter
	if config.Report.Enabled() {
		if reports, err = newReportWriter(config.Report, logger); err != nil {
			logger.Error(fmt.Sprintf("❌ Report setup failed: %s", err.Error()))
			return exitError
		}
	}

	ctx, stop := commandContext()
	defer stop()

	// Jobs run on their own context: cancellation is cooperative between
	// tables and never interrupts a query in flight
	manager := jobs.NewManager(context.Background(), jobs.Options{
		Sampling: sampling,
		Batch:    config.Batch.Options(),
		MaxAge:   config.Jobs.MaxAge,
		MaxCount: config.Jobs.MaxCount,
		Logger:   logger,
	})

	source, target := config.Source.Environment(), config.Target.Environment()
	job, err := manager.Submit(jobs.Request{ID: jobIDFlag, Source: source, Target: target, Pairs: config.Pairs})
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to start comparison: %s", err.Error()))
		return exitError
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("")
			logger.Info("⚠️  Interrupt signal received, stopping after the current table (repeat to force exit)...")
			stop()
			if err := manager.RequestCancel(job.ID()); err != nil {
				logger.Debug(fmt.Sprintf("Cancel not accepted: %v", err))
			}
		case <-job.Done():
		}
	}()

	labels := comparator.Labels{Source: source.Label, Target: target.Label}
	if useTUI {
		forced, err := runProgressUI(manager, job.ID(), labels)
		initLogger(config.Debug, config.LogFormat, os.Stdout)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ %s", err.Error()))
			return exitError
		}
		if forced {
			logger.Info("⚠️  Comparison abandoned by user")
			return exitCancelled
		}
	} else {
		followJob(manager, job, time.Second)
	}

	status, err := manager.Wait(context.Background(), job.ID())
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return exitError
	}
	result, _ := manager.Result(job.ID())
	printSummary(logger, status, result, labels)

	if reports != nil && result != nil {
		if _, err := reports.Write(context.Background(), job.ID(), result); err != nil {
			logger.Error(fmt.Sprintf("❌ %s", err.Error()))
			return exitError
		}
	}

	return compareExitCode(status.State, result, failOnDiff)
}

// runProgressUI shows the progress view until the job finishes. forced is
// true when the user left before the job reached a terminal state.
func runProgressUI(manager *jobs.Manager, jobID string, labels comparator.Labels) (bool, error) {
	model := newProgressModel(
		func() (jobs.StatusSnapshot, error) { return manager.Status(jobID) },
		func() error { return manager.RequestCancel(jobID) },
		logBroadcast,
		labels,
	)

	// Disable Bubble Tea's signal handler so SIGTERM still reaches the signal context
	program := tea.NewProgram(model, tea.WithoutSignalHandler())
	final, err := program.Run()
	if err != nil {
		return false, fmt.Errorf("error running progress display: %w", err)
	}
	if m, ok := final.(progressModel); ok {
		if m.err != nil {
			return false, m.err
		}
		return m.forced, nil
	}
	return false, nil
}

// followJob logs every progress message change until the job is done.
func followJob(manager *jobs.Manager, job *jobs.Job, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-job.Done():
			return
		case <-ticker.C:
			status, err := manager.Status(job.ID())
			if err != nil {
				return
			}
			if status.Message != last {
				last = status.Message
				logger.Info(fmt.Sprintf("⏳ %s", status.Message))
			}
		}
	}
}

// printSummary logs the per-table outcome and the batch totals.
func printSummary(log *slog.Logger, status jobs.StatusSnapshot, result *comparator.BatchResult, labels comparator.Labels) {
	log.Info("")
	log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info(fmt.Sprintf("📈 Summary: %s", status.Message))

	for _, t := range status.Tables {
		switch t.Status {
		case jobs.TableIdentical:
			log.Info(fmt.Sprintf("✅ %s", t.DisplayName))
		case jobs.TableDifferent:
			log.Warn(fmt.Sprintf("⚠️  %s: %s", t.DisplayName, t.StatusDetail))
		case jobs.TableError:
			log.Error(fmt.Sprintf("❌ %s: %s", t.DisplayName, t.StatusDetail))
		case jobs.TablePending, jobs.TableRunning:
			log.Info(fmt.Sprintf("⏸  %s: not compared", t.DisplayName))
		}
	}

	if result == nil {
		return
	}
	log.Info("")
	log.Info(fmt.Sprintf("🔢 Compared: %d of %d pairs (%s vs %s)", result.TotalPairs, result.RequestedPairs, labels.Source, labels.Target))
	log.Info(fmt.Sprintf("✅ Identical: %d", result.Identical))
	if result.Different > 0 {
		log.Info(fmt.Sprintf("⚠️  Different: %d", result.Different))
	}
	if result.Failed > 0 {
		log.Info(fmt.Sprintf("❌ Failed: %d", result.Failed))
	}
	log.Info(fmt.Sprintf("📊 Success rate: %.1f%%, identical rate: %.1f%%", result.SuccessRate, result.IdenticalRate))
	log.Info(fmt.Sprintf("⏱️  Duration: %s", result.Duration.Round(time.Millisecond)))

	var limited []string
	for _, res := range result.Results {
		if res.Sampling.WasLimited {
			limited = append(limited, res.DisplayName)
		}
	}
	if len(limited) > 0 {
		log.Info(fmt.Sprintf("✂️  Row limit applied to: %s", strings.Join(limited, ", ")))
	}
}

// compareExitCode maps the job outcome to the process exit code.
func compareExitCode(state jobs.State, result *comparator.BatchResult, failOnDiff bool) int {
	switch {
	case state == jobs.StateCancelled:
		return exitCancelled
	case state == jobs.StateError, result == nil:
		return exitError
	case result.Failed > 0:
		return exitError
	case failOnDiff && result.Different > 0:
		return exitDifferences
	default:
		return exitOK
	}
}
