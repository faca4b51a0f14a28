package forensic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Concord-Labs/concord/pkg/canonical"
)

// ErrTamperDetected signals a broken hash chain. It is fatal: the ledger
// refuses all further appends until the halt is lifted by manual forensic
// review (there is no programmatic un-halt).
var ErrTamperDetected = errors.New("forensic: tamper detected")

// ErrHalted is returned for appends attempted after a tamper halt.
var ErrHalted = errors.New("forensic: ledger halted pending forensic review")

// VerifyReport is the result of a full chain verification.
type VerifyReport struct {
	Valid    bool    `json:"valid"`
	BrokenAt *uint64 `json:"broken_at,omitempty"`
	Entries  uint64  `json:"entries"`
}

// Ledger is the single-writer, append-only hash chain. All subsystems
// serialize their appends through one Ledger instance regardless of origin;
// reads against committed entries are unrestricted.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	headHash string
	nextSeq  uint64
	halted   atomic.Bool
	clock    func() time.Time
	eventID  func() string
}

// Open creates a ledger over the given store, recovering the chain head
// from the highest committed entry.
func Open(ctx context.Context, store Store) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		headHash: GenesisHash,
		nextSeq:  1,
		clock:    time.Now,
		eventID:  func() string { return uuid.New().String() },
	}

	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("forensic: recover head: %w", err)
	}
	if last != nil {
		l.headHash = last.CurrHash
		l.nextSeq = last.Sequence + 1
	}

	return l, nil
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append computes the chained hash for rec and persists it atomically.
// Returns the assigned sequence number.
func (l *Ledger) Append(ctx context.Context, rec Record) (uint64, error) {
	if l.halted.Load() {
		return 0, ErrHalted
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:    l.nextSeq,
		EventID:     l.eventID(),
		Timestamp:   l.clock().UTC(),
		ActorID:     rec.ActorID,
		ActorRole:   rec.ActorRole,
		Action:      rec.Action,
		Target:      rec.Target,
		StateBefore: rec.StateBefore,
		StateAfter:  rec.StateAfter,
		Payload:     rec.Payload,
		PrevHash:    l.headHash,
	}

	currHash, err := canonical.ChainHash(entry.PrevHash, entry.hashInput())
	if err != nil {
		return 0, fmt.Errorf("forensic: hash entry %d: %w", entry.Sequence, err)
	}
	entry.CurrHash = currHash

	if err := l.store.Append(ctx, entry); err != nil {
		return 0, fmt.Errorf("forensic: persist entry %d: %w", entry.Sequence, err)
	}

	l.headHash = entry.CurrHash
	l.nextSeq++
	return entry.Sequence, nil
}

// Verify walks the whole chain once, recomputing every hash. On the first
// mismatch it halts the ledger and reports the broken sequence number.
func (l *Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	report := VerifyReport{Valid: true}

	prevHash := GenesisHash
	err := l.store.Scan(ctx, func(e Entry) error {
		report.Entries++

		if e.PrevHash != prevHash {
			seq := e.Sequence
			report.Valid = false
			report.BrokenAt = &seq
			return errStopScan
		}

		computed, err := canonical.ChainHash(e.PrevHash, e.hashInput())
		if err != nil {
			return fmt.Errorf("rehash entry %d: %w", e.Sequence, err)
		}
		if computed != e.CurrHash {
			seq := e.Sequence
			report.Valid = false
			report.BrokenAt = &seq
			return errStopScan
		}

		prevHash = e.CurrHash
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return report, fmt.Errorf("forensic: verify: %w", err)
	}

	if !report.Valid {
		l.halted.Store(true)
		return report, fmt.Errorf("%w: chain broken at sequence %d", ErrTamperDetected, *report.BrokenAt)
	}
	return report, nil
}

// Halt stops all further appends. Used by operators alongside automatic
// tamper halts; there is no programmatic un-halt.
func (l *Ledger) Halt() {
	l.halted.Store(true)
}

// Halted reports whether the ledger has been halted by tamper detection.
func (l *Ledger) Halted() bool {
	return l.halted.Load()
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// Get retrieves a committed entry by sequence number.
func (l *Ledger) Get(ctx context.Context, seq uint64) (*Entry, error) {
	return l.store.Get(ctx, seq)
}

// Len returns the number of committed entries.
func (l *Ledger) Len(ctx context.Context) (uint64, error) {
	return l.store.Len(ctx)
}

// errStopScan terminates a scan early without signalling failure.
var errStopScan = errors.New("forensic: stop scan")
