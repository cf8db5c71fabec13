package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and paper runs.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	equity  []EquitySample
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{}
}

var errClosed = errors.New("memory store closed")

func (m *Memory) InsertEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	for _, x := range m.entries {
		if x.ID == e.ID {
			return fmt.Errorf("duplicate entry id %s", e.ID)
		}
	}
	e.Payload = append([]byte(nil), e.Payload...)
	m.entries = append(m.entries, e)
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].Timestamp.Before(m.entries[j].Timestamp)
	})
	return nil
}

func (m *Memory) InsertEquity(_ context.Context, s EquitySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	for _, x := range m.equity {
		if x.CycleID == s.CycleID {
			return fmt.Errorf("equity sample for cycle %s already recorded", s.CycleID)
		}
	}
	s.Assets = maps.Clone(s.Assets)
	m.equity = append(m.equity, s)
	sort.SliceStable(m.equity, func(i, j int) bool {
		return m.equity[i].Timestamp.Before(m.equity[j].Timestamp)
	})
	return nil
}

// ScanEntries iterates over a copy taken under the read lock, so fn may
// call back into the store.
func (m *Memory) ScanEntries(ctx context.Context, r CycleRange, fn func(Entry) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errClosed
	}
	var matched []Entry
	for _, e := range m.entries {
		if r.contains(e) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

func (m *Memory) LatestByKey(_ context.Context, kind Kind, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, false, errClosed
	}
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.Kind == kind && e.IdempotencyKey == key {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *Memory) EquitySamples(_ context.Context, from, to time.Time, limit int) ([]EquitySample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	var out []EquitySample
	for _, s := range m.equity {
		if !from.IsZero() && s.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !s.Timestamp.Before(to) {
			continue
		}
		out = append(out, s)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) LastTimestamp(context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return time.Time{}, nil
	}
	return m.entries[len(m.entries)-1].Timestamp, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
