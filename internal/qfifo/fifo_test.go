package qfifo

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qpipe/qpipe/internal/qerr"
	"github.com/qpipe/qpipe/internal/qpage"
)

const (
	testTupleSize = 8
	testPageSize  = 128 // header(16) + subheader(12) + 100 bytes body -> 12 tuples/page
)

func newTestFifo(t *testing.T, capacity, threshold int) *Fifo {
	t.Helper()
	pool := qpage.NewPool(testPageSize)
	f, err := New(pool, testTupleSize, testPageSize, capacity, threshold)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func tuple(b byte) []byte {
	return []byte{b, b, b, b, b, b, b, b}
}

func TestNewRejectsBadConfig(t *testing.T) {
	pool := qpage.NewPool(testPageSize)
	if _, err := New(pool, 0, testPageSize, 4, 2); err == nil {
		t.Fatalf("expected error for zero tuple size")
	}
	if _, err := New(pool, 8, testPageSize, 0, 1); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
	if _, err := New(pool, 8, testPageSize, 4, 5); err == nil {
		t.Fatalf("expected error for threshold > capacity")
	}
}

func TestAppendAndGetTupleSingleProducerConsumer(t *testing.T) {
	f := newTestFifo(t, 4, 1)
	for i := 0; i < 20; i++ {
		if err := f.Append(tuple(byte(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if !f.SendEOF() {
		t.Fatalf("SendEOF returned false on first call")
	}

	var got []byte
	for {
		tup, ok, err := f.GetTuple()
		if err != nil {
			t.Fatalf("GetTuple: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, tup.Bytes()[0])
	}
	if len(got) != 20 {
		t.Fatalf("got %d tuples, want 20", len(got))
	}
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("tuple order broken at %d: got %d", i, b)
		}
	}
	if !f.Eof() {
		t.Fatalf("Eof() = false after full drain")
	}
}

func TestSendEOFFlushesPartialPage(t *testing.T) {
	f := newTestFifo(t, 4, 1)
	if err := f.Append(tuple(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f.SendEOF()
	tup, ok, err := f.GetTuple()
	if err != nil || !ok {
		t.Fatalf("GetTuple: ok=%v err=%v", ok, err)
	}
	if tup.Bytes()[0] != 1 {
		t.Fatalf("got %v, want partial-page tuple", tup.Bytes())
	}
	_, ok, err = f.GetTuple()
	if err != nil {
		t.Fatalf("GetTuple second call: %v", err)
	}
	if ok {
		t.Fatalf("expected clean EOF after single tuple")
	}
}

func TestSendEOFReturnsFalseWhenAlreadyDone(t *testing.T) {
	f := newTestFifo(t, 4, 1)
	f.Append(tuple(1))
	if !f.SendEOF() {
		t.Fatalf("first SendEOF should return true")
	}
	if f.SendEOF() {
		t.Fatalf("second SendEOF should return false (ownership transfer)")
	}
}

func TestTerminateWakesBlockedProducerAndConsumer(t *testing.T) {
	f := newTestFifo(t, 2, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	producerErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		// Fill past capacity so the producer blocks in publish().
		for i := 0; i < 64; i++ {
			if err := f.Append(tuple(byte(i))); err != nil {
				producerErr <- err
				return
			}
		}
		producerErr <- nil
	}()

	// Give the producer a moment to actually block.
	time.Sleep(20 * time.Millisecond)
	if !f.Terminate() {
		t.Fatalf("Terminate returned false on first call")
	}

	wg.Wait()
	err := <-producerErr
	if !errors.Is(err, qerr.ErrTerminatedFifo) {
		t.Fatalf("producer err = %v, want ErrTerminatedFifo", err)
	}

	if _, _, err := f.GetTuple(); !errors.Is(err, qerr.ErrTerminatedFifo) {
		t.Fatalf("consumer err = %v, want ErrTerminatedFifo", err)
	}
}

func TestTerminateReturnsFalseAfterDoneWriting(t *testing.T) {
	f := newTestFifo(t, 4, 1)
	f.Append(tuple(1))
	f.SendEOF()
	if f.Terminate() {
		t.Fatalf("Terminate should return false once done_writing is set")
	}
}

func TestAppendAfterSendEOFFails(t *testing.T) {
	f := newTestFifo(t, 4, 1)
	f.SendEOF()
	if err := f.Append(tuple(1)); err == nil {
		t.Fatalf("expected error appending after send_eof")
	}
}

func TestBackpressureBlocksProducerUntilThresholdFree(t *testing.T) {
	// One tuple exactly fills one page (tupleSize == page body capacity),
	// so each Append after the first on a page publishes the prior one.
	// With capacity 4, threshold 2: 5 synchronous appends leave the ring
	// at capacity (4 published pages) and a 5th, full-but-unpublished page
	// sitting in write_page. The 6th append must block in publish() until
	// the consumer frees 2 pages (the threshold), not just 1.
	const tupleSize = 36 // == pageSize(64) - header(16) - subheader(12)
	pool := qpage.NewPool(64)
	f, err := New(pool, tupleSize, 64, 4, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := f.Append(make([]byte, tupleSize)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	blocked := make(chan struct{})
	unblocked := make(chan struct{})
	go func() {
		close(blocked)
		if err := f.Append(make([]byte, tupleSize)); err != nil {
			t.Error(err)
		}
		close(unblocked)
	}()
	<-blocked
	time.Sleep(20 * time.Millisecond)
	select {
	case <-unblocked:
		t.Fatalf("producer should still be blocked with 0 available writes")
	default:
	}

	// Consuming one page is not enough (threshold is 2).
	if _, err := f.GetPage(); err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	select {
	case <-unblocked:
		t.Fatalf("producer resumed after only 1 page freed, want threshold 2")
	default:
	}

	if _, err := f.GetPage(); err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatalf("producer did not resume after threshold pages freed")
	}
}

func TestGetPageTransfersOwnership(t *testing.T) {
	f := newTestFifo(t, 4, 1)
	f.Append(tuple(9))
	f.SendEOF()
	pg, err := f.GetPage()
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if pg.TupleCount() != 1 {
		t.Fatalf("TupleCount = %d, want 1", pg.TupleCount())
	}
}

func TestCloseReleasesAllHeldPages(t *testing.T) {
	pool := qpage.NewPool(testPageSize)
	f, _ := New(pool, testTupleSize, testPageSize, 4, 1)
	f.Append(tuple(1))
	f.SendEOF()
	before := pool.Stats().InFlight
	f.Close()
	after := pool.Stats().InFlight
	if after >= before {
		t.Fatalf("InFlight did not decrease after Close: before=%d after=%d", before, after)
	}
}

// Spec §8 boundary behavior: a single-slot fifo (capacity=1, threshold=1)
// still lets producer and consumer make progress without deadlocking.
func TestSingleSlotFifoProgressesWithoutDeadlock(t *testing.T) {
	f := newTestFifo(t, 1, 1)

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 50; i++ {
			if err := f.Append(tuple(byte(i))); err != nil {
				done <- err
				return
			}
		}
		if !f.SendEOF() {
			done <- errors.New("SendEOF returned false")
			return
		}
		done <- nil
	}()

	var got []byte
	for {
		tup, ok, err := f.GetTuple()
		if err != nil {
			t.Fatalf("GetTuple: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, tup.Bytes()[0])
	}
	if err := <-done; err != nil {
		t.Fatalf("producer: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("got %d tuples, want 50", len(got))
	}
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("order broken at %d: got %d", i, b)
		}
	}
}

func TestCheckReadWriteReady(t *testing.T) {
	f := newTestFifo(t, 4, 1)
	if f.CheckReadReady() {
		t.Fatalf("CheckReadReady true on empty, not-done fifo")
	}
	if !f.CheckWriteReady() {
		t.Fatalf("CheckWriteReady false on fresh fifo")
	}
	f.Append(tuple(1))
	f.SendEOF()
	if !f.CheckReadReady() {
		t.Fatalf("CheckReadReady false after data published and EOF sent")
	}
}
