// Package scanner implements the adaptive register scanner: given a set
// of candidate address ranges, it discovers which holding registers a
// device answers to by issuing batched reads and bisecting failures down
// to single registers, persisting every determination through a
// storage.ResultStore.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/edgeflow/psdiscover/internal/storage"
	"go.uber.org/zap"
)

// maxChunkRegisters is the protocol's per-request register ceiling (spec
// §4.5); chunks larger than this are split before any read is attempted.
const maxChunkRegisters = 7

// Range is a half-open register address range: [Start, End).
type Range struct {
	Start uint16
	End   uint16
}

// size returns the number of addresses the range covers.
func (r Range) size() int { return int(r.End) - int(r.Start) }

// Progress reports cumulative scan state: Scanned counts addresses whose
// outcome (readable or not) has been fully resolved; Total is the sum of
// the original input ranges' sizes.
type Progress struct {
	Scanned int
	Total   int
}

// RegisterReader is the subset of ble.Client this package depends on,
// kept as an interface so tests can drive the scanner against a fake
// without importing the BLE transport.
type RegisterReader interface {
	ReadRegisters(ctx context.Context, start, count uint16) ([]byte, error)
}

// Scanner discovers register readability over a set of ranges for one
// device, persisting results as it goes.
type Scanner struct {
	deviceID string
	reader   RegisterReader
	store    storage.ResultStore
	log      *zap.Logger

	stack []Range // LIFO work stack; subdivisions are pushed to the back

	mu      sync.Mutex
	scanned int
	total   int
}

// New builds a Scanner over ranges for deviceID. Ranges are chunked into
// pieces of at most maxChunkRegisters registers before scanning begins.
func New(deviceID string, reader RegisterReader, store storage.ResultStore, ranges []Range, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	total := 0
	for _, r := range ranges {
		total += r.size()
	}
	return &Scanner{
		deviceID: deviceID,
		reader:   reader,
		store:    store,
		log:      log,
		stack:    chunk(ranges),
		total:    total,
	}
}

// chunk splits ranges into pieces of at most maxChunkRegisters registers,
// dropping empty ranges. Pieces are appended in input order; since Step
// pops from the back, the last piece of the last range is scanned first.
func chunk(ranges []Range) []Range {
	var out []Range
	for _, r := range ranges {
		for start := r.Start; start < r.End; {
			end := start + maxChunkRegisters
			if end > r.End {
				end = r.End
			}
			out = append(out, Range{Start: start, End: end})
			start = end
		}
	}
	return out
}

// Progress returns the scanner's current cumulative progress.
func (s *Scanner) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{Scanned: s.scanned, Total: s.total}
}

// Done reports whether every chunk (including ones produced by
// bisection) has been resolved.
func (s *Scanner) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack) == 0
}

// Step processes exactly one chunk off the work stack: it attempts a
// single batched read, and on failure either records a lone register as
// unreadable or bisects the chunk and pushes the two halves back for
// later steps. Step is a no-op returning (true, nil) once the stack is
// empty.
func (s *Scanner) Step(ctx context.Context) (done bool, err error) {
	s.mu.Lock()
	if len(s.stack) == 0 {
		s.mu.Unlock()
		return true, nil
	}
	r := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.mu.Unlock()

	if r.size() == 0 {
		return s.Done(), nil
	}

	if err := s.attempt(ctx, r); err != nil {
		return false, err
	}
	return s.Done(), nil
}

// attempt reads one chunk. On success every register in the chunk is
// recorded readable with its two-byte value. On failure, a single
// register is recorded unreadable; a wider chunk is split in half at
// mid = floor(n/2) and both halves are pushed back onto the stack so the
// next Step call processes them before whatever was queued underneath.
func (s *Scanner) attempt(ctx context.Context, r Range) error {
	n := r.size()
	data, readErr := s.reader.ReadRegisters(ctx, r.Start, uint16(n))
	if readErr == nil {
		for i := 0; i < n; i++ {
			addr := r.Start + uint16(i)
			value := [2]byte{data[2*i], data[2*i+1]}
			if err := s.upsert(ctx, addr, true, &value); err != nil {
				return err
			}
		}
		s.advance(n)
		return nil
	}

	s.log.Debug("chunk read failed",
		zap.Uint16("start", r.Start),
		zap.Int("size", n),
		zap.Error(readErr),
	)

	if n == 1 {
		if err := s.upsert(ctx, r.Start, false, nil); err != nil {
			return err
		}
		s.advance(1)
		return nil
	}

	mid := n / 2
	lo := Range{Start: r.Start, End: r.Start + uint16(mid)}
	hi := Range{Start: r.Start + uint16(mid), End: r.End}

	s.mu.Lock()
	s.stack = append(s.stack, hi, lo)
	s.mu.Unlock()
	return nil
}

func (s *Scanner) upsert(ctx context.Context, addr uint16, readable bool, value *[2]byte) error {
	result := storage.RegisterResult{
		DeviceID:  s.deviceID,
		Register:  addr,
		Readable:  readable,
		ScannedAt: time.Now(),
		Value:     value,
	}
	return s.store.Upsert(ctx, result)
}

func (s *Scanner) advance(n int) {
	s.mu.Lock()
	s.scanned += n
	s.mu.Unlock()
}

// Run drives Step to completion, invoking onProgress after every Step,
// including steps that only bisect a chunk and leave Scanned unchanged.
// onProgress may be nil. Run returns early,
// without error, if ctx is cancelled; results persisted so far remain
// intact and a final progress report is emitted before returning.
func (s *Scanner) Run(ctx context.Context, onProgress func(Progress)) error {
	for {
		select {
		case <-ctx.Done():
			if onProgress != nil {
				onProgress(s.Progress())
			}
			return nil
		default:
		}

		done, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(s.Progress())
		}
		if done {
			return nil
		}
	}
}

// DefaultRange returns the spec's default scan range for a device's
// reported protocol version: {0, 8000} below version 2000, else
// {0, 20000}.
func DefaultRange(protocolVersion int) Range {
	if protocolVersion < 2000 {
		return Range{Start: 0, End: 8000}
	}
	return Range{Start: 0, End: 20000}
}

// CalculatePendingRanges returns the minimal contiguous ranges in
// [start, end) whose addresses are absent from scannedSorted (which must
// already be sorted ascending), letting a resumed scan skip everything
// already recorded.
func CalculatePendingRanges(start, end uint16, scannedSorted []uint16) []Range {
	if end <= start {
		return nil
	}

	scanned := make(map[uint16]struct{}, len(scannedSorted))
	for _, addr := range scannedSorted {
		if addr >= start && addr < end {
			scanned[addr] = struct{}{}
		}
	}

	var pending []Range
	inGap := false
	var gapStart uint16

	for addr := start; addr < end; addr++ {
		if _, ok := scanned[addr]; ok {
			if inGap {
				pending = append(pending, Range{Start: gapStart, End: addr})
				inGap = false
			}
			continue
		}
		if !inGap {
			inGap = true
			gapStart = addr
		}
	}
	if inGap {
		pending = append(pending, Range{Start: gapStart, End: end})
	}
	return pending
}
