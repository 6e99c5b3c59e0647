// Package qstage implements the StageAdaptor/StageContainer scheduler and
// the Stage contract operator bodies satisfy (spec §3, §4.4, §4.5, §4.7).
package qstage

import (
	"sync"
	"sync/atomic"

	"github.com/qpipe/qpipe/internal/qerr"
	"github.com/qpipe/qpipe/internal/qpacket"
	"github.com/qpipe/qpipe/internal/qtuple"
)

// NextTupleInitialValue is the adaptor's next_tuple counter's starting
// value (spec §3), and the NextTupleOnMerge value assigned to every packet
// present when an adaptor begins a run.
const NextTupleInitialValue int64 = 1

// Adaptor is the only thing a Stage body talks to. It owns the merged
// packet list for one execution (spec §4.4).
type Adaptor struct {
	mu sync.Mutex

	// primary never changes after construction: it is the packet whose
	// input sub-tree this run actually executes. packets holds primary at
	// index 0 until Output drops it as finished; newly merged packets are
	// appended after it. The
	// source's "push new mergees to the front of the list" detail has no
	// observable effect on correctness (mergeability is an equality
	// relation and the finish/recycle logic keys off NextTupleOnMerge, not
	// list position) so QPipe keeps the simpler invariant instead
	// (see DESIGN.md).
	primary *qpacket.Packet
	packets []*qpacket.Packet

	nextTuple int64

	acceptingPackets bool

	cancelled atomic.Bool
}

// newAdaptor constructs an Adaptor over a non-empty packet group that a
// StageContainer worker just dequeued. Every member is "present at the
// start of this run", so each gets NextTupleOnMerge = NextTupleInitialValue
// (spec §3, §4.5).
func newAdaptor(packets []*qpacket.Packet) *Adaptor {
	a := &Adaptor{
		primary:          packets[0],
		packets:          append([]*qpacket.Packet(nil), packets...),
		nextTuple:        NextTupleInitialValue,
		acceptingPackets: true,
	}
	for _, pk := range a.packets {
		pk.NextTupleOnMerge = NextTupleInitialValue
	}
	return a
}

// GetPacket returns the primary packet, for reading inputs/metadata
// (spec §4.4).
func (a *Adaptor) GetPacket() *qpacket.Packet {
	return a.primary
}

// StopAcceptingPackets declares that no further mergees may join this
// adaptor. A stage calls this before a stage-specific non-mergeable stream
// point (spec §4.4, §9 — the exact call site is operator-dependent and out
// of scope here).
func (a *Adaptor) StopAcceptingPackets() {
	a.mu.Lock()
	a.acceptingPackets = false
	a.mu.Unlock()
}

// CheckForCancellation lets a stage poll whether it should abort early. The
// flag is read lock-free (spec §5: "Cancellation flag is read lock-free").
func (a *Adaptor) CheckForCancellation() bool {
	return a.cancelled.Load()
}

// TryMerge is called by the owning StageContainer's enqueue path for every
// running adaptor until one accepts. It accepts iff this adaptor is still
// accepting packets and the newcomer's plan equals the primary's
// (spec §4.5 step 2).
func (a *Adaptor) TryMerge(pk *qpacket.Packet) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.acceptingPackets {
		return false
	}
	if a.primary.Plan == nil || pk.Plan == nil || !a.primary.Plan.Equal(pk.Plan) {
		return false
	}
	pk.NextTupleOnMerge = a.nextTuple
	a.packets = append(a.packets, pk)
	return true
}

// Output hands a page of freshly produced tuples to the adaptor, which
// fans it to every mergee through that mergee's own filter (spec §4.4).
//
// It returns qerr.ErrStopRequested once the primary has finished or no
// mergee remains — the stage body must treat that as a normal early-exit
// (spec §4.7). Mergees still present at that point are handled by cleanup.
func (a *Adaptor) Output(page *qtuple.TuplePage) error {
	a.mu.Lock()
	a.nextTuple += int64(page.TupleCount())
	nextTupleAfter := a.nextTuple
	snapshot := append([]*qpacket.Packet(nil), a.packets...)
	a.mu.Unlock()

	finished := make(map[*qpacket.Packet]bool, len(snapshot))
	var toFinish []*qpacket.Packet
	markFinished := func(pk *qpacket.Packet) {
		if finished[pk] {
			return
		}
		finished[pk] = true
		toFinish = append(toFinish, pk)
	}

	page.Each(func(t qtuple.Tuple) bool {
		for _, pk := range snapshot {
			if finished[pk] {
				continue
			}
			if !pk.Filter.Select(t) {
				continue
			}
			dst, err := pk.Output.Allocate()
			if err != nil {
				// The mergee's fifo reports terminated: it is finished.
				markFinished(pk)
				continue
			}
			pk.Filter.Project(dst, t)
		}
		return true
	})

	for _, pk := range snapshot {
		if finished[pk] {
			continue
		}
		if pk.NextTupleNeeded > 0 && nextTupleAfter == pk.NextTupleNeeded {
			markFinished(pk)
		}
	}

	a.mu.Lock()
	remaining := a.packets[:0]
	for _, pk := range a.packets {
		if !finished[pk] {
			remaining = append(remaining, pk)
		}
	}
	a.packets = remaining
	noMergeesLeft := len(a.packets) == 0
	a.mu.Unlock()

	for _, pk := range toFinish {
		finishPacket(pk)
	}

	primaryFinished := finished[a.primary]
	if primaryFinished || noMergeesLeft {
		a.cancelled.Store(true)
		return qerr.ErrStopRequested
	}
	return nil
}

// finishPacket sends EOF to pk's output fifo, or — if the consumer had
// already terminated it — becomes the sole owner and releases its buffered
// pages (spec §4.4 step 3, §4.5 step 1, §7).
func finishPacket(pk *qpacket.Packet) {
	if !pk.Output.SendEOF() {
		pk.Output.Close()
	}
}

// abortPacket terminates pk's output fifo on the stage-failure path
// (spec §4.5 "Abort"), becoming the sole owner if the consumer beat it to
// termination.
func abortPacket(pk *qpacket.Packet) {
	if !pk.Output.Terminate() {
		pk.Output.Close()
	}
}

// cleanupSuccess implements spec §4.5 "Cleanup after successful process()".
// It returns the late mergees that must be re-queued at the container's
// work-queue tail, with NextTupleNeeded/NextTupleOnMerge adjusted.
func (a *Adaptor) cleanupSuccess() []*qpacket.Packet {
	a.mu.Lock()
	var toFinish, toRecycle []*qpacket.Packet
	for _, pk := range a.packets {
		if pk.NextTupleOnMerge == NextTupleInitialValue {
			toFinish = append(toFinish, pk)
		} else {
			pk.NextTupleNeeded = pk.NextTupleOnMerge
			pk.NextTupleOnMerge = 0
			toRecycle = append(toRecycle, pk)
		}
	}
	a.packets = nil
	a.mu.Unlock()

	for _, pk := range toFinish {
		finishPacket(pk)
	}
	return toRecycle
}

// abort implements spec §4.5 "Abort": every packet's output fifo is
// terminated rather than EOF'd.
func (a *Adaptor) abort() {
	a.mu.Lock()
	pkts := a.packets
	a.packets = nil
	a.mu.Unlock()

	a.cancelled.Store(true)
	for _, pk := range pkts {
		abortPacket(pk)
	}
}
