// Package qtuple implements the fixed-width row format QPipe packets
// exchange: a Tuple is a (ptr, size) view into a TuplePage, itself a
// decoration over a qpage.Page.
//
// How: the sub-header written after the common page header stamps
// fixed-offset fields with encoding/binary rather than overlaying a Go
// struct on the raw bytes, fixed-width rather than slotted, since a
// TuplePage never mixes tuple sizes.
package qtuple

import (
	"encoding/binary"
	"fmt"

	"github.com/qpipe/qpipe/internal/qerr"
	"github.com/qpipe/qpipe/internal/qpage"
)

// subHeaderSize is the size, in bytes, of the TuplePage-specific header
// stamped just after the common qpage.Page header:
//
//	[0:4]  TupleSize   (uint32 LE)
//	[4:8]  TupleCount  (uint32 LE)
//	[8:12] EndOffset   (uint32 LE)
const subHeaderSize = 12

// Tuple is a (ptr, size) pair pointing into a TuplePage's backing buffer. It
// does not own its bytes; its lifetime is bounded by the owning page.
// Callers that need a tuple to outlive the next fifo operation must copy
// it with Clone.
type Tuple struct {
	data []byte
}

// Bytes returns the tuple's bytes. The slice aliases the owning TuplePage
// and must not be retained past the page's lifetime.
func (t Tuple) Bytes() []byte { return t.data }

// Size returns the tuple's byte length.
func (t Tuple) Size() int { return len(t.data) }

// Clone copies the tuple's bytes into a new, independently owned slice.
func (t Tuple) Clone() Tuple {
	cp := make([]byte, len(t.data))
	copy(cp, t.data)
	return Tuple{data: cp}
}

// TuplePage is a view over a qpage.Page holding a packed array of
// fixed-width tuples. Invariants: tuple_count*tuple_size == end_offset;
// end_offset <= page capacity.
type TuplePage struct {
	page      *qpage.Page
	tupleSize int
}

// Init stamps a freshly allocated page as an empty TuplePage for tuples of
// tupleSize bytes.
func Init(page *qpage.Page, tupleSize int) (*TuplePage, error) {
	if tupleSize <= 0 {
		return nil, fmt.Errorf("qtuple: tuple size must be positive")
	}
	if subHeaderSize+tupleSize > len(page.Data()) {
		return nil, fmt.Errorf("qtuple: tuple size %d does not fit in page of %d bytes", tupleSize, page.Size())
	}
	tp := &TuplePage{page: page, tupleSize: tupleSize}
	tp.setTupleSize(tupleSize)
	tp.setTupleCount(0)
	tp.setEndOffset(0)
	return tp, nil
}

// Wrap re-derives a TuplePage view over a page that was previously Init'd,
// e.g. after it comes back out of a TupleFifo.
func Wrap(page *qpage.Page) *TuplePage {
	tp := &TuplePage{page: page}
	tp.tupleSize = tp.readTupleSize()
	return tp
}

func (tp *TuplePage) header() []byte { return tp.page.Data()[:subHeaderSize] }
func (tp *TuplePage) body() []byte   { return tp.page.Data()[subHeaderSize:] }

func (tp *TuplePage) readTupleSize() int {
	return int(binary.LittleEndian.Uint32(tp.header()[0:4]))
}
func (tp *TuplePage) setTupleSize(n int) {
	binary.LittleEndian.PutUint32(tp.header()[0:4], uint32(n))
}

// TupleSize returns the fixed width of every tuple stored on this page.
func (tp *TuplePage) TupleSize() int { return tp.tupleSize }

// TupleCount returns the number of tuples currently stored.
func (tp *TuplePage) TupleCount() int {
	return int(binary.LittleEndian.Uint32(tp.header()[4:8]))
}
func (tp *TuplePage) setTupleCount(n int) {
	binary.LittleEndian.PutUint32(tp.header()[4:8], uint32(n))
}

// EndOffset returns the byte offset, within the tuple body, past the last
// stored tuple.
func (tp *TuplePage) EndOffset() int {
	return int(binary.LittleEndian.Uint32(tp.header()[8:12]))
}
func (tp *TuplePage) setEndOffset(n int) {
	binary.LittleEndian.PutUint32(tp.header()[8:12], uint32(n))
}

// Page returns the underlying page, e.g. to return it to a PagePool.
func (tp *TuplePage) Page() *qpage.Page { return tp.page }

// Capacity returns how many tuples the page can hold in total.
func (tp *TuplePage) Capacity() int {
	if tp.tupleSize == 0 {
		return 0
	}
	return len(tp.body()) / tp.tupleSize
}

// Full reports whether the page has no room for another tuple.
func (tp *TuplePage) Full() bool {
	return tp.TupleCount() >= tp.Capacity()
}

// checkInvariant enforces tuple_count*tuple_size == end_offset.
func (tp *TuplePage) checkInvariant() error {
	if tp.TupleCount()*tp.tupleSize != tp.EndOffset() {
		return fmt.Errorf("%w: tuple_count*tuple_size != end_offset", qerr.ErrInvariantViolation)
	}
	return nil
}

// Append copies src (which must be exactly TupleSize() bytes) into the next
// free slot. It reports false, with no error, when the page is full —
// callers are expected to flush and retry on a fresh page.
func (tp *TuplePage) Append(src []byte) (bool, error) {
	if len(src) != tp.tupleSize {
		return false, fmt.Errorf("qtuple: tuple size mismatch: got %d want %d", len(src), tp.tupleSize)
	}
	if tp.Full() {
		return false, nil
	}
	off := tp.EndOffset()
	copy(tp.body()[off:off+tp.tupleSize], src)
	tp.setEndOffset(off + tp.tupleSize)
	tp.setTupleCount(tp.TupleCount() + 1)
	return true, tp.checkInvariant()
}

// Allocate reserves the next free slot for in-place assembly by the caller
// and returns a Tuple view over it. It reports ok=false when the page is
// full, same trigger as Append.
func (tp *TuplePage) Allocate() (Tuple, bool) {
	if tp.Full() {
		return Tuple{}, false
	}
	off := tp.EndOffset()
	slot := tp.body()[off : off+tp.tupleSize]
	tp.setEndOffset(off + tp.tupleSize)
	tp.setTupleCount(tp.TupleCount() + 1)
	return Tuple{data: slot}, true
}

// At returns the i'th tuple on the page (0-indexed).
func (tp *TuplePage) At(i int) Tuple {
	off := i * tp.tupleSize
	return Tuple{data: tp.body()[off : off+tp.tupleSize]}
}

// Each iterates every tuple in order, stopping early if fn returns false.
func (tp *TuplePage) Each(fn func(Tuple) bool) {
	n := tp.TupleCount()
	for i := 0; i < n; i++ {
		if !fn(tp.At(i)) {
			return
		}
	}
}

// Clear empties the page for reuse, keeping its tuple size (a TuplePage
// never stores tuples of mixed sizes).
func (tp *TuplePage) Clear() {
	tp.setTupleCount(0)
	tp.setEndOffset(0)
}
