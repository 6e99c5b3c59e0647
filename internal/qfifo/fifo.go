// Package qfifo implements TupleFifo, the single-producer/single-consumer
// bounded channel of tuple pages that carries rows between packets
// (spec §3, §4.2).
//
// How: a ring buffer of published pages guarded by one mutex and two
// condition variables (one per direction), in the style of
// internal/storage/concurrency.go's WorkerPool — that package coordinates
// goroutines with buffered channels and a semaphore; TupleFifo needs the
// coarser-grained "wait for N slots, not 1" hysteresis spec §4.2 calls for,
// which a condition variable expresses more directly than a channel select.
package qfifo

import (
	"fmt"
	"sync"

	"github.com/qpipe/qpipe/internal/qerr"
	"github.com/qpipe/qpipe/internal/qpage"
	"github.com/qpipe/qpipe/internal/qtuple"
)

// Fifo is a bounded, single-producer/single-consumer channel of TuplePages.
// Zero value is not usable; construct with New.
type Fifo struct {
	pool qpage.PagePool

	tupleSize int
	pageSize  int
	capacity  int
	threshold int

	mu      sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	ring []*qtuple.TuplePage // published pages: ring[readPnum % capacity .. writePnum % capacity)

	readPnum, writePnum uint64

	doneWriting bool
	terminated  bool

	writePage *qtuple.TuplePage // producer-local, never in ring
	readPage  *qtuple.TuplePage // consumer-local, never in ring
	readIdx   int
}

// New constructs a Fifo carrying tuples of tupleSize bytes, backed by pages
// of pageSize bytes allocated from pool. capacity is the max number of
// pages in flight; threshold (<= capacity) is the batching hysteresis from
// spec §4.2.
func New(pool qpage.PagePool, tupleSize, pageSize, capacity, threshold int) (*Fifo, error) {
	if tupleSize <= 0 {
		return nil, fmt.Errorf("qfifo: tuple size must be positive")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("qfifo: capacity must be at least 1")
	}
	if threshold < 1 || threshold > capacity {
		return nil, fmt.Errorf("qfifo: threshold must be in [1, capacity]")
	}
	f := &Fifo{
		pool:      pool,
		tupleSize: tupleSize,
		pageSize:  pageSize,
		capacity:  capacity,
		threshold: threshold,
		ring:      make([]*qtuple.TuplePage, capacity),
	}
	f.notEmpty = sync.NewCond(&f.mu)
	f.notFull = sync.NewCond(&f.mu)
	return f, nil
}

// TupleSize, PageSize, Capacity, Threshold expose the fifo's fixed
// configuration.
func (f *Fifo) TupleSize() int { return f.tupleSize }
func (f *Fifo) PageSize() int  { return f.pageSize }
func (f *Fifo) Capacity() int  { return f.capacity }
func (f *Fifo) Threshold() int { return f.threshold }

// availableReads/availableWrites must be called with f.mu held.
func (f *Fifo) availableReads() int  { return int(f.writePnum - f.readPnum) }
func (f *Fifo) availableWrites() int { return f.capacity - f.availableReads() }

// ReadPnum and WritePnum expose the monotonic page counters for invariant
// checks (spec §8: write_pnum >= read_pnum; write_pnum-read_pnum <= capacity).
func (f *Fifo) ReadPnum() uint64  { f.mu.Lock(); defer f.mu.Unlock(); return f.readPnum }
func (f *Fifo) WritePnum() uint64 { f.mu.Lock(); defer f.mu.Unlock(); return f.writePnum }

func (f *Fifo) ensureWritePage() error {
	if f.writePage != nil {
		return nil
	}
	pg, err := f.pool.Alloc(f.pageSize)
	if err != nil {
		return fmt.Errorf("qfifo: %w: %v", qerr.ErrBadAlloc, err)
	}
	f.pool.Pin(pg)
	tp, err := qtuple.Init(pg, f.tupleSize)
	if err != nil {
		f.pool.Unpin(pg, false)
		f.pool.Free(pg)
		return err
	}
	f.writePage = tp
	return nil
}

// publish takes a filled (or partially-filled, at EOF) write page off the
// producer's hands and makes it visible to the consumer, applying the
// producer-side half of the backpressure protocol (spec §4.2).
func (f *Fifo) publish(tp *qtuple.TuplePage) error {
	f.pool.Unpin(tp.Page(), true) // producer unpins with "keep"

	f.mu.Lock()
	if f.terminated {
		f.mu.Unlock()
		return qerr.ErrTerminatedFifo
	}
	if f.availableWrites() == 0 {
		for f.availableWrites() < f.threshold && !f.terminated {
			f.notFull.Wait()
		}
		if f.terminated {
			f.mu.Unlock()
			return qerr.ErrTerminatedFifo
		}
	}
	idx := int(f.writePnum % uint64(f.capacity))
	f.ring[idx] = tp
	f.writePnum++
	if f.availableReads() >= f.threshold || f.doneWriting {
		f.notEmpty.Signal()
	}
	f.mu.Unlock()
	return nil
}

// Append copies tuple_size bytes into the current write page, flushing (and
// allocating a fresh write page) if it is full.
func (f *Fifo) Append(src []byte) error {
	f.mu.Lock()
	done := f.doneWriting
	term := f.terminated
	f.mu.Unlock()
	if term {
		return qerr.ErrTerminatedFifo
	}
	if done {
		return fmt.Errorf("qfifo: append after send_eof")
	}

	if err := f.ensureWritePage(); err != nil {
		return err
	}
	ok, err := f.writePage.Append(src)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	full := f.writePage
	f.writePage = nil
	if err := f.publish(full); err != nil {
		return err
	}
	if err := f.ensureWritePage(); err != nil {
		return err
	}
	ok, err = f.writePage.Append(src)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("qfifo: tuple of %d bytes does not fit a fresh page", len(src))
	}
	return nil
}

// Allocate reserves a slot on the current write page for in-place assembly,
// flushing first if the current page is full. Same flush trigger as Append.
func (f *Fifo) Allocate() (qtuple.Tuple, error) {
	f.mu.Lock()
	done := f.doneWriting
	term := f.terminated
	f.mu.Unlock()
	if term {
		return qtuple.Tuple{}, qerr.ErrTerminatedFifo
	}
	if done {
		return qtuple.Tuple{}, fmt.Errorf("qfifo: allocate after send_eof")
	}

	if err := f.ensureWritePage(); err != nil {
		return qtuple.Tuple{}, err
	}
	t, ok := f.writePage.Allocate()
	if ok {
		return t, nil
	}

	full := f.writePage
	f.writePage = nil
	if err := f.publish(full); err != nil {
		return qtuple.Tuple{}, err
	}
	if err := f.ensureWritePage(); err != nil {
		return qtuple.Tuple{}, err
	}
	t, ok = f.writePage.Allocate()
	if !ok {
		return qtuple.Tuple{}, fmt.Errorf("qfifo: tuple does not fit a fresh page")
	}
	return t, nil
}

// popNextPage applies the consumer-side half of the backpressure protocol
// and returns the next published page, or nil on a clean EOF.
func (f *Fifo) popNextPage() (*qtuple.TuplePage, error) {
	f.mu.Lock()
	if f.terminated {
		f.mu.Unlock()
		return nil, qerr.ErrTerminatedFifo
	}
	if f.availableReads() == 0 {
		for f.availableReads() < f.threshold && !f.doneWriting && !f.terminated {
			f.notEmpty.Wait()
		}
		if f.terminated {
			f.mu.Unlock()
			return nil, qerr.ErrTerminatedFifo
		}
	}
	if f.availableReads() == 0 {
		f.mu.Unlock()
		return nil, nil
	}
	idx := int(f.readPnum % uint64(f.capacity))
	pg := f.ring[idx]
	f.ring[idx] = nil
	f.readPnum++
	if f.availableWrites() >= f.threshold {
		f.notFull.Signal()
	}
	f.mu.Unlock()
	return pg, nil
}

// GetTuple advances to the next tuple, returning ok=false on a clean EOF. It
// returns an error if the fifo is (or becomes) terminated.
func (f *Fifo) GetTuple() (qtuple.Tuple, bool, error) {
	for {
		if f.readPage != nil && f.readIdx < f.readPage.TupleCount() {
			t := f.readPage.At(f.readIdx)
			f.readIdx++
			return t, true, nil
		}
		if f.readPage != nil {
			f.pool.Unpin(f.readPage.Page(), false) // consumer unpins with "discard"
			f.pool.Free(f.readPage.Page())
			f.readPage = nil
		}
		pg, err := f.popNextPage()
		if err != nil {
			return qtuple.Tuple{}, false, err
		}
		if pg == nil {
			return qtuple.Tuple{}, false, nil
		}
		f.readPage = pg
		f.readIdx = 0
	}
}

// GetPage transfers ownership of the next full page to the caller (spec
// §4.2). Must not be interleaved with GetTuple if exact tuple-by-tuple
// accounting matters to the caller.
func (f *Fifo) GetPage() (*qtuple.TuplePage, error) {
	return f.popNextPage()
}

// SendEOF flushes the current write page (even if partial) and marks the
// fifo done-writing. It returns false — meaning the caller is now the sole
// owner responsible for releasing the fifo's resources — if the fifo was
// already terminated or already done-writing (spec §4.2, §7).
func (f *Fifo) SendEOF() bool {
	f.mu.Lock()
	if f.terminated {
		f.mu.Unlock()
		return false
	}
	f.mu.Unlock()

	if f.writePage != nil && f.writePage.TupleCount() > 0 {
		full := f.writePage
		f.writePage = nil
		if err := f.publish(full); err != nil {
			return false
		}
	} else if f.writePage != nil {
		f.pool.Unpin(f.writePage.Page(), false)
		f.pool.Free(f.writePage.Page())
		f.writePage = nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated || f.doneWriting {
		return false
	}
	f.doneWriting = true
	f.notEmpty.Broadcast()
	return true
}

// Terminate is the sticky abort: it wakes both sides. It returns false —
// same ownership-transfer meaning as SendEOF — if the fifo already has
// done_writing set or was already terminated (spec §4.2, §7: "terminate on
// a fifo that already has done_writing returns false").
func (f *Fifo) Terminate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doneWriting || f.terminated {
		return false
	}
	f.terminated = true
	f.notEmpty.Broadcast()
	f.notFull.Broadcast()
	return true
}

// Eof reports true iff the fifo is fully drained, done writing, and was
// never terminated (spec §4.2).
func (f *Fifo) Eof() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	drained := f.availableReads() == 0 && (f.readPage == nil || f.readIdx >= f.readPage.TupleCount())
	return drained && f.doneWriting && !f.terminated
}

// CheckReadReady is a non-blocking poll: true if the next GetTuple call
// would not block (data ready, EOF, or terminated).
func (f *Fifo) CheckReadReady() bool {
	if f.readPage != nil && f.readIdx < f.readPage.TupleCount() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated || f.doneWriting || f.availableReads() > 0
}

// CheckWriteReady is a non-blocking poll: true if the next Append/Allocate
// call would not block.
func (f *Fifo) CheckWriteReady() bool {
	if f.writePage != nil && !f.writePage.Full() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated || f.availableWrites() > 0
}

// Close releases every page the fifo currently holds (the producer's
// unpublished write page, the consumer's partially-read page, and any
// published-but-unconsumed pages) back to the pool. The sole owner — the
// party that received false from SendEOF or Terminate — must call this
// exactly once.
func (f *Fifo) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writePage != nil {
		f.pool.Unpin(f.writePage.Page(), false)
		f.pool.Free(f.writePage.Page())
		f.writePage = nil
	}
	if f.readPage != nil {
		f.pool.Free(f.readPage.Page())
		f.readPage = nil
	}
	for f.readPnum < f.writePnum {
		idx := int(f.readPnum % uint64(f.capacity))
		if pg := f.ring[idx]; pg != nil {
			f.pool.Unpin(pg.Page(), false)
			f.pool.Free(pg.Page())
			f.ring[idx] = nil
		}
		f.readPnum++
	}
}
