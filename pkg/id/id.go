package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// Seed a PRNG from crypto/rand so ULID entropy is unpredictable.
	// ulid.Monotonic keeps IDs generated within the same millisecond
	// lexicographically increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// ErrTimeRange is returned for times a ULID cannot encode: before the
// Unix epoch or past year 10889.
var ErrTimeRange = errors.New("id: time outside ulid range")

// New returns a ULID string for the current time.
func New() string {
	s, err := NewAt(time.Now())
	if err != nil {
		// The wall clock is always inside the ULID range.
		panic(err)
	}
	return s
}

// NewAt returns a ULID whose timestamp component is t.
//
// Ledger entries and cycles use these as primary keys: they sort by
// creation time, which keeps sqlite index scans in append order.
func NewAt(t time.Time) (string, error) {
	if err := CheckTime(t); err != nil {
		return "", err
	}

	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		return "", fmt.Errorf("id: %w", err)
	}
	return id.String(), nil
}

// CheckTime reports whether t can be the timestamp of a ULID.
func CheckTime(t time.Time) error {
	if t.Before(time.Unix(0, 0)) || t.After(ulid.Time(ulid.MaxTime())) {
		return fmt.Errorf("%w: %s", ErrTimeRange, t.UTC().Format(time.RFC3339))
	}
	return nil
}

// Time extracts the timestamp component of a ULID produced by New.
func Time(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
