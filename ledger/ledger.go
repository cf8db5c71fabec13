package ledger

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rustyeddy/tradecycle/pkg/id"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Ledger is the single writer in front of a Store. It assigns ids and
// strictly increasing timestamps; readers go straight to the store.
type Ledger struct {
	mu    sync.Mutex
	store Store
	last  time.Time
	now   func() time.Time
	log   logrus.FieldLogger
}

type Option func(*Ledger)

// WithClock replaces time.Now for timestamp assignment.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// New wraps store. The newest stored timestamp seeds the ordering so
// entries stay ordered across restarts.
func New(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{store: store, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.log = logger.OrStandard(l.log).WithField("component", "ledger")

	last, err := store.LastTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read last timestamp: %w", ErrStorage, err)
	}
	l.last = last
	return l, nil
}

// Open creates a sqlite-backed ledger at path.
func Open(ctx context.Context, path string, opts ...Option) (*Ledger, error) {
	s, err := NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, path, err)
	}
	l, err := New(ctx, s, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return l, nil
}

// Append records e and returns it as stored. The caller's ID is ignored;
// a timestamp at or before the previous entry's is moved just after it.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if !e.Kind.Valid() {
		return Entry{}, fmt.Errorf("%w: invalid entry kind %q", ErrStorage, e.Kind)
	}
	if e.CycleID == "" {
		return Entry{}, fmt.Errorf("%w: entry without cycle id", ErrStorage)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	ts = ts.UTC()
	if !ts.After(l.last) {
		ts = l.last.Add(time.Nanosecond)
	}
	e.Timestamp = ts
	eid, err := id.NewAt(ts)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: append %s: %w", ErrStorage, e.Kind, err)
	}
	e.ID = eid

	if err := l.store.InsertEntry(ctx, e); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"kind":  e.Kind,
			"cycle": e.CycleID,
		}).Error("ledger append failed")
		return Entry{}, fmt.Errorf("%w: append %s: %w", ErrStorage, e.Kind, err)
	}
	l.last = ts
	return e, nil
}

// AppendEquitySample records the equity of a completed cycle. A cycle has
// at most one sample.
func (l *Ledger) AppendEquitySample(ctx context.Context, s EquitySample) error {
	if s.CycleID == "" {
		return fmt.Errorf("%w: equity sample without cycle id", ErrStorage)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if s.Timestamp.IsZero() {
		s.Timestamp = l.now()
	}
	s.Timestamp = s.Timestamp.UTC()

	if err := l.store.InsertEquity(ctx, s); err != nil {
		l.log.WithError(err).WithField("cycle", s.CycleID).Error("equity append failed")
		return fmt.Errorf("%w: append equity sample: %w", ErrStorage, err)
	}
	return nil
}

// ReadHistory returns the entries in r in timestamp order. The sequence
// is lazy and can be ranged over more than once; each pass re-reads the
// store. The loop body may query the ledger.
func (l *Ledger) ReadHistory(ctx context.Context, r CycleRange) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		stopped := false
		err := l.store.ScanEntries(ctx, r, func(e Entry) bool {
			if !yield(e, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(Entry{}, fmt.Errorf("%w: read history: %w", ErrStorage, err))
		}
	}
}

// Collect drains a history sequence.
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LookupExecution returns the latest execution entry recorded for key.
func (l *Ledger) LookupExecution(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := l.store.LatestByKey(ctx, Execution, key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: lookup %s: %w", ErrStorage, key, err)
	}
	return e, ok, nil
}

// EquitySeries returns up to limit samples in [from, to), oldest first.
func (l *Ledger) EquitySeries(ctx context.Context, from, to time.Time, limit int) ([]EquitySample, error) {
	out, err := l.store.EquitySamples(ctx, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: equity series: %w", ErrStorage, err)
	}
	return out, nil
}

func (l *Ledger) Close() error {
	return l.store.Close()
}
