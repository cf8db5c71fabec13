package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query the trade ledger",
	Long: `Query and export records from the SQLite trade ledger.

Subcommands:
  history - List ledger entries, optionally for one cycle or time window
  equity  - List the equity series
  export  - Write entries or equity as CSV

Examples:
  trader ledger history --cycle 01J0000000000000000000000
  trader ledger history --from 2025-06-01 --to 2025-06-02
  trader ledger equity --limit 20
  trader ledger export --equity -o equity.csv`,
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List ledger entries in timestamp order",
	Args:  cobra.NoArgs,
	RunE:  runLedgerHistory,
}

var ledgerEquityCmd = &cobra.Command{
	Use:   "equity",
	Short: "List equity samples",
	Args:  cobra.NoArgs,
	RunE:  runLedgerEquity,
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export entries or equity as CSV",
	Args:  cobra.NoArgs,
	RunE:  runLedgerExport,
}

var (
	ledgerDBPath string
	ledgerCycle  string
	ledgerFrom   string
	ledgerTo     string
	ledgerLimit  int
	ledgerEquity bool
	ledgerOutput string
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerHistoryCmd)
	ledgerCmd.AddCommand(ledgerEquityCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)

	ledgerCmd.PersistentFlags().StringVarP(&ledgerDBPath, "db", "d", "", "path to SQLite ledger (default from config)")
	ledgerCmd.PersistentFlags().StringVar(&ledgerFrom, "from", "", "start day (YYYY-MM-DD) or RFC3339 time, inclusive")
	ledgerCmd.PersistentFlags().StringVar(&ledgerTo, "to", "", "end day (YYYY-MM-DD) or RFC3339 time, exclusive")

	ledgerHistoryCmd.Flags().StringVar(&ledgerCycle, "cycle", "", "only entries of this cycle")
	ledgerEquityCmd.Flags().IntVar(&ledgerLimit, "limit", 1000, "most recent samples to show")

	ledgerExportCmd.Flags().StringVar(&ledgerCycle, "cycle", "", "only entries of this cycle")
	ledgerExportCmd.Flags().BoolVar(&ledgerEquity, "equity", false, "export the equity series instead of entries")
	ledgerExportCmd.Flags().IntVar(&ledgerLimit, "limit", 1000, "most recent equity samples to export")
	ledgerExportCmd.Flags().StringVarP(&ledgerOutput, "output", "o", "", "output file (default stdout)")
}

func openLedger(ctx context.Context) (*ledger.Ledger, error) {
	path := ledgerDBPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Ledger.Path
	}
	l, err := ledger.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return l, nil
}

func ledgerRange() (ledger.CycleRange, error) {
	from, err := parseBound(ledgerFrom)
	if err != nil {
		return ledger.CycleRange{}, fmt.Errorf("from: %w", err)
	}
	to, err := parseBound(ledgerTo)
	if err != nil {
		return ledger.CycleRange{}, fmt.Errorf("to: %w", err)
	}
	return ledger.CycleRange{CycleID: ledgerCycle, From: from, To: to}, nil
}

func runLedgerHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	l, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	r, err := ledgerRange()
	if err != nil {
		return err
	}

	n := 0
	for e, err := range l.ReadHistory(ctx, r) {
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		n++
		fmt.Printf("%s  %-9s  %s  %-9s %s\n",
			e.Timestamp.Format(time.RFC3339Nano), e.Kind, e.CycleID, e.Instrument, e.Payload)
	}
	fmt.Printf("\n%d entries\n", n)
	return nil
}

func runLedgerEquity(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	l, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	r, err := ledgerRange()
	if err != nil {
		return err
	}
	samples, err := l.EquitySeries(ctx, r.From, r.To, ledgerLimit)
	if err != nil {
		return fmt.Errorf("read equity: %w", err)
	}
	for _, s := range samples {
		fmt.Printf("%s  %s  %14s %s\n", s.Timestamp.Format(time.RFC3339), s.CycleID, s.TotalEquity.StringFixed(2), s.Quote)
	}
	return nil
}

func runLedgerExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	l, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	r, err := ledgerRange()
	if err != nil {
		return err
	}

	out := os.Stdout
	if ledgerOutput != "" {
		f, err := os.Create(ledgerOutput)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	if ledgerEquity {
		samples, err := l.EquitySeries(ctx, r.From, r.To, ledgerLimit)
		if err != nil {
			return fmt.Errorf("read equity: %w", err)
		}
		return ledger.WriteEquityCSV(out, samples)
	}
	return ledger.WriteEntriesCSV(out, l.ReadHistory(ctx, r))
}

// parseBound accepts a local calendar day or an RFC3339 timestamp.
func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
