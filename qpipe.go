// Package qpipe is the staged, work-sharing query execution substrate:
// packet trees flow through per-operator-type stage containers, sharing
// one scan-and-compute across concurrently submitted, compatible queries.
//
// What: wires together the Dispatcher, the StageContainers registered
// against it, and the PagePool/TupleFifo plumbing those containers share,
// behind a small Engine facade.
// How: Register every operator type's container before calling Start,
// which freezes the dispatcher's routing table and spawns each
// container's worker pool; Submit hands a built packet tree to the
// dispatcher; Stop drains every container's workers.
// Why: operators, SQL compilation, and storage backends are external
// collaborators; this package owns only the scheduler, not what runs
// inside it.
package qpipe

import (
	"github.com/qpipe/qpipe/internal/qdispatch"
	"github.com/qpipe/qpipe/internal/qpacket"
	"github.com/qpipe/qpipe/internal/qstage"
)

// Engine owns one Dispatcher and the stage containers registered with it.
// The zero value is not usable; construct with New.
type Engine struct {
	dispatcher *qdispatch.Dispatcher
	started    bool
}

// New constructs an empty Engine. Register every operator type's container
// before calling Start.
func New() *Engine {
	return &Engine{dispatcher: qdispatch.New()}
}

// RegisterStage installs the container servicing packetType. Must be
// called before Start.
func (e *Engine) RegisterStage(packetType string, factory qstage.Factory, cfg qstage.ContainerConfig) {
	c := qstage.NewContainer(packetType, factory, cfg)
	e.dispatcher.Register(packetType, c)
}

// Start freezes the routing table and spawns every registered container's
// worker pool.
func (e *Engine) Start() {
	e.dispatcher.Freeze()
	e.started = true
}

// Submit hands one packet to the dispatcher. Query builders construct a
// packet tree bottom-up, wiring each operator's output fifo to its
// parent's input, and call Submit once per node; the tree shape itself
// lives in the operator layer, not in qpacket.Packet.
func (e *Engine) Submit(pk *qpacket.Packet) error {
	return e.dispatcher.Dispatch(pk)
}

// SubmitAll dispatches every packet in a tree built bottom-up, in the
// order given, stopping at the first error.
func (e *Engine) SubmitAll(packets ...*qpacket.Packet) error {
	for _, pk := range packets {
		if err := e.Submit(pk); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains every container's worker pool.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.dispatcher.Shutdown()
	e.started = false
}
