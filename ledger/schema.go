package ledger

// Schema creates the ledger tables. Timestamps are unix nanoseconds so
// ordering is exact; decimals are stored as text.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	kind TEXT NOT NULL,
	cycle_id TEXT NOT NULL,
	instrument TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_entries_ts ON ledger_entries(ts);
CREATE INDEX IF NOT EXISTS idx_entries_cycle ON ledger_entries(cycle_id, ts);
CREATE INDEX IF NOT EXISTS idx_entries_key ON ledger_entries(idempotency_key, kind, ts);

CREATE TABLE IF NOT EXISTS equity_samples (
	cycle_id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	quote TEXT NOT NULL,
	total_equity TEXT NOT NULL,
	assets TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_equity_ts ON equity_samples(ts);

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
BEFORE UPDATE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
BEFORE DELETE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;

CREATE TRIGGER IF NOT EXISTS equity_samples_no_update
BEFORE UPDATE ON equity_samples
BEGIN SELECT RAISE(ABORT, 'equity_samples is append-only'); END;

CREATE TRIGGER IF NOT EXISTS equity_samples_no_delete
BEFORE DELETE ON equity_samples
BEGIN SELECT RAISE(ABORT, 'equity_samples is append-only'); END;
`
