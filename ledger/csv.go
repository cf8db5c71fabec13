package ledger

import (
	"encoding/csv"
	"io"
	"iter"
	"slices"
	"time"

	"github.com/samber/lo"
)

var (
	entryHeader  = []string{"id", "timestamp", "kind", "cycle_id", "instrument", "idempotency_key", "payload"}
	equityHeader = []string{"cycle_id", "timestamp", "quote", "total_equity"}
)

// WriteEntriesCSV writes entries from seq as CSV, one row per entry.
func WriteEntriesCSV(w io.Writer, seq iter.Seq2[Entry, error]) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(entryHeader); err != nil {
		return err
	}
	for e, err := range seq {
		if err != nil {
			return err
		}
		if err := cw.Write([]string{
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			string(e.Kind),
			e.CycleID,
			e.Instrument,
			e.IdempotencyKey,
			string(e.Payload),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquityCSV writes the equity series. Per-asset columns follow the
// fixed ones, sorted by asset, blank where a sample lacks that asset.
func WriteEquityCSV(w io.Writer, samples []EquitySample) error {
	assets := lo.Uniq(lo.FlatMap(samples, func(s EquitySample, _ int) []string {
		return lo.Keys(s.Assets)
	}))
	slices.Sort(assets)

	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string{}, equityHeader...), assets...)); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			s.CycleID,
			s.Timestamp.Format(time.RFC3339Nano),
			s.Quote,
			s.TotalEquity.String(),
		}
		for _, a := range assets {
			v, ok := s.Assets[a]
			row = append(row, lo.Ternary(ok, v.String(), ""))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
