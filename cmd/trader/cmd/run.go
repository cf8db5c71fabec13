package cmd

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rustyeddy/tradecycle/account"
	"github.com/rustyeddy/tradecycle/cycle"
	"github.com/rustyeddy/tradecycle/executor"
	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/rustyeddy/tradecycle/pkg/id"
	"github.com/rustyeddy/tradecycle/signal"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run trading cycles",
	Long: `Run one or more trading cycles. Each cycle reads the intents file,
fetches an account snapshot, applies the risk limits, executes admitted
orders and records everything in the ledger.

The intents file is re-read every cycle, so an external analyser can
rewrite it between cycles.

Examples:
  trader run --intents intents.json
  trader run -c trader.yaml --cycles 0 --interval 1h
  trader run -c trader.yaml --intents intents.json --cycle-time 2025-06-01T12:00:00Z`,
	RunE: runRun,
}

var (
	runIntents   string
	runCycles    int
	runInterval  time.Duration
	runCycleTime string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runIntents, "intents", "i", "", "JSON file with trade intents (default from config)")
	runCmd.Flags().IntVarP(&runCycles, "cycles", "n", 1, "number of cycles, 0 runs until interrupted")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "time between cycle starts (default from config)")
	runCmd.Flags().StringVar(&runCycleTime, "cycle-time", "", "RFC3339 cycle time for a single replayable cycle")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	intents := cfg.Cycle.Intents
	if cmd.Flags().Changed("intents") {
		intents = runIntents
	}
	if intents == "" {
		return fmt.Errorf("no intents file: pass --intents or set cycle.intents")
	}
	cycles := cfg.Cycle.Count
	if cmd.Flags().Changed("cycles") {
		cycles = runCycles
	}
	interval := cfg.Cycle.Interval
	if cmd.Flags().Changed("interval") {
		interval = runInterval
	}

	var at time.Time
	if runCycleTime != "" {
		if at, err = parseCycleTime(runCycleTime); err != nil {
			return err
		}
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	venue, err := buildVenue(cfg, registry, log)
	if err != nil {
		return err
	}

	l, err := ledger.Open(ctx, cfg.Ledger.Path, ledger.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	orch := cycle.New(
		account.NewReader(venue, cfg.Snapshot, log),
		executor.New(venue, executor.FromLedger(l), cfg.Executor.Submit, cfg.Executor.Poll, log),
		l,
		cfg.RiskConfig(registry),
		cfg.CyclePolicy(),
		cycle.WithLogger(log),
		cycle.WithReportHandler(printReport),
	)
	src := signal.FileSource{Path: intents}

	fmt.Printf("Running on %s venue, ledger %s\n", cfg.Venue.Name, cfg.Ledger.Path)

	if !at.IsZero() {
		in, err := src.Intents(ctx, at)
		if err != nil {
			return fmt.Errorf("read intents: %w", err)
		}
		rep, err := orch.RunCycleAt(ctx, at, in)
		printReport(rep)
		return err
	}

	sum, err := orch.RunCycles(ctx, cycles, interval, src)
	fmt.Printf("\n%d/%d cycles succeeded (%.0f%%), %d orders submitted\n",
		sum.Succeeded, sum.Cycles, sum.SuccessRate()*100, sum.Submitted)
	if sum.Quote != "" {
		fmt.Printf("Equity: %s %s\n", sum.LastEquity.StringFixed(2), sum.Quote)
	}
	return err
}

// parseCycleTime accepts an RFC3339 time a cycle ID can carry.
func parseCycleTime(s string) (time.Time, error) {
	at, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cycle-time: %w", err)
	}
	if err := id.CheckTime(at); err != nil {
		return time.Time{}, fmt.Errorf("cycle-time: %w", err)
	}
	return at, nil
}

func printReport(rep cycle.Report) {
	fmt.Printf("\nCycle %s at %s: %s\n", rep.CycleID, rep.CycleTime.Format(time.RFC3339), rep.State)
	fmt.Printf("  Intents: %d, admitted: %d\n", rep.Intents, rep.Admitted())

	counts := rep.ResultCounts()
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Printf("  %s: %d\n", s, counts[executor.State(s)])
	}
	if rep.Equity != nil {
		fmt.Printf("  Equity: %s %s\n", rep.Equity.TotalEquity.StringFixed(2), rep.Equity.Quote)
	}
	if rep.Error != "" {
		fmt.Printf("  Error: %s\n", rep.Error)
	}
}
