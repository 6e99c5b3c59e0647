// Package qpacket implements Packet, the self-describing unit of work that
// flows from the client through the Dispatcher into a StageContainer.
package qpacket

import (
	"github.com/google/uuid"

	"github.com/qpipe/qpipe/internal/qfifo"
	"github.com/qpipe/qpipe/internal/qtuple"
)

// Plan is the operator-supplied fingerprint used for merge matching. It is
// an equality relation: two packets merge only when both are merge-enabled
// and their plans compare equal.
type Plan interface {
	Equal(other Plan) bool
}

// Filter is applied per-consumer before a produced tuple is inserted into
// that consumer's output_buffer, so one shared computation can serve N
// consumers with N different projections.
type Filter interface {
	// Select reports whether t should be delivered to this filter's packet.
	Select(t qtuple.Tuple) bool
	// Project writes the (possibly narrowed/transformed) tuple into dst,
	// which was allocated from the destination fifo by the caller.
	Project(dst, src qtuple.Tuple)
}

// IdentityFilter selects and copies every tuple unchanged.
type IdentityFilter struct{}

func (IdentityFilter) Select(qtuple.Tuple) bool       { return true }
func (IdentityFilter) Project(dst, src qtuple.Tuple) { copy(dst.Bytes(), src.Bytes()) }

// PredicateFilter selects tuples with a caller-supplied predicate and
// otherwise behaves like IdentityFilter, letting two consumers of one scan
// diverge on an arbitrary predicate (e.g. parity).
type PredicateFilter struct {
	Pred func(qtuple.Tuple) bool
}

func (f PredicateFilter) Select(t qtuple.Tuple) bool  { return f.Pred(t) }
func (PredicateFilter) Project(dst, src qtuple.Tuple) { copy(dst.Bytes(), src.Bytes()) }

// Packet is identity plus I/O contract. It is immutable after construction
// except for NextTupleOnMerge/NextTupleNeeded, which the owning
// StageContainer mutates only while holding the current StageAdaptor's
// lock.
type Packet struct {
	// ID exists for debugging only.
	ID uuid.UUID

	// Type must match a registered StageContainer's name.
	Type string

	// Output is the fifo results are written into.
	Output *qfifo.Fifo

	// Filter is applied per-tuple before insertion into Output.
	Filter Filter

	// Plan is this packet's merge fingerprint.
	Plan Plan

	// MergeEnabled lets the producer opt this packet out of sharing.
	MergeEnabled bool

	// NextTupleOnMerge records the adaptor's next_tuple value at the
	// instant this packet joined. Zero means NEXT_TUPLE_INITIAL_VALUE has
	// not yet been assigned; the container sets it to
	// qstage.NextTupleInitialValue for packets present at an adaptor's
	// creation.
	NextTupleOnMerge int64

	// NextTupleNeeded bounds a re-queued late mergee to the tuple count it
	// was promised on its first (partial) run.
	NextTupleNeeded int64
}

// New constructs a Packet.
func New(packetType string, output *qfifo.Fifo, filter Filter, plan Plan, mergeEnabled bool) *Packet {
	return &Packet{
		ID:           uuid.New(),
		Type:         packetType,
		Output:       output,
		Filter:       filter,
		Plan:         plan,
		MergeEnabled: mergeEnabled,
	}
}

// IsMergeable reports whether p and other may be merged into one execution:
// both must be merge-enabled and their plans must compare equal. Since
// plan equality is an equality relation, testing a packet against any one
// element of an already-merged list suffices.
func (p *Packet) IsMergeable(other *Packet) bool {
	if !p.MergeEnabled || !other.MergeEnabled {
		return false
	}
	if p.Plan == nil || other.Plan == nil {
		return false
	}
	return p.Plan.Equal(other.Plan)
}
