// Package qdispatch implements the Dispatcher, a process-wide registry
// mapping operator type names to the StageContainer that services them.
// The map is mutated only during startup and read-only afterward, with no
// lock on the hot path.
package qdispatch

import (
	"fmt"
	"sync"

	"github.com/qpipe/qpipe/internal/qerr"
	"github.com/qpipe/qpipe/internal/qpacket"
	"github.com/qpipe/qpipe/internal/qstage"
)

// Dispatcher is a singleton built once at startup and then treated as
// read-only: registration takes a lock so Register calls made during
// setup from multiple goroutines are safe, but Dispatch itself never
// touches the lock.
type Dispatcher struct {
	mu       sync.Mutex
	registry map[string]*qstage.Container

	// built is set once by Freeze and never written again. Dispatch reads
	// it without locking, relying on the startup sequence happening-before
	// any Dispatch call.
	built map[string]*qstage.Container
}

// New constructs an empty Dispatcher ready for Register calls.
func New() *Dispatcher {
	return &Dispatcher{registry: make(map[string]*qstage.Container)}
}

// Register installs the container servicing packetType. Call Register
// for every operator type before Freeze; calling it afterward panics,
// since the map is meant to be immutable from that point on.
func (d *Dispatcher) Register(packetType string, container *qstage.Container) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.built != nil {
		panic(fmt.Sprintf("qdispatch: Register(%q) called after Freeze", packetType))
	}
	d.registry[packetType] = container
}

// Freeze snapshots the registry into its read-only hot-path form and
// starts every registered container's worker pool. After Freeze, Dispatch
// never takes a lock.
func (d *Dispatcher) Freeze() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.built != nil {
		return
	}
	snapshot := make(map[string]*qstage.Container, len(d.registry))
	for k, v := range d.registry {
		snapshot[k] = v
	}
	d.built = snapshot
	for _, c := range d.built {
		c.Start()
	}
}

// Dispatch looks up the container for pk.Type and enqueues it there. A
// missing type is reported as qerr.ErrMissingDispatch rather than a panic
// so the embedding program can fail a single query instead of the
// process.
func (d *Dispatcher) Dispatch(pk *qpacket.Packet) error {
	c, ok := d.built[pk.Type]
	if !ok {
		return fmt.Errorf("%w: packet type %q", qerr.ErrMissingDispatch, pk.Type)
	}
	c.Enqueue(pk)
	return nil
}

// Shutdown stops every registered container's worker pool directly rather
// than relying solely on root-fifo termination, since a container with no
// outstanding packets would otherwise park forever.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	containers := d.built
	d.mu.Unlock()
	for _, c := range containers {
		c.Stop()
	}
}
