package cmd

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/rustyeddy/tradecycle/report"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ledger read-only over HTTP",
	Long: `Start an HTTP server exposing ledger entries and the equity series as
JSON for external reporting.

Endpoints:
  GET /healthz
  GET /v1/entries?cycle=&from=&to=&limit=
  GET /v1/cycles/:id
  GET /v1/equity?from=&to=&limit=

Example:
  trader serve -c trader.yaml --addr :8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	addr := cfg.Report.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := ledger.Open(ctx, cfg.Ledger.Path, ledger.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	fmt.Printf("Serving %s on %s\n", cfg.Ledger.Path, addr)
	return report.New(l, log).Serve(ctx, addr)
}
