package qstage

import (
	"errors"
	"log"
	"runtime"
	"sync"

	"github.com/qpipe/qpipe/internal/qerr"
	"github.com/qpipe/qpipe/internal/qpacket"
)

// Verbose gates the container's lifecycle logging. The teacher
// (internal/storage/concurrency.go, scheduler.go) logs unconditionally with
// plain log.Printf; QPipe adds this one switch because its tests spin up
// many containers under -race and unconditional logging drowns test output.
var Verbose = false

func logf(format string, args ...any) {
	if Verbose {
		log.Printf(format, args...)
	}
}

// ContainerConfig sizes a StageContainer's worker pool, mirroring
// internal/storage/concurrency.go's ConcurrencyConfig /
// DefaultConcurrencyConfig pattern.
type ContainerConfig struct {
	// Workers is the number of pooled worker goroutines (spec §5 "Each
	// container owns a small pool of workers").
	Workers int
}

// DefaultContainerConfig sizes the worker pool from the host's CPU count,
// matching DefaultConcurrencyConfig's cpus-based sizing.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{Workers: runtime.NumCPU()}
}

// pendingGroup is a queued, not-yet-running packet_list (spec §3
// "StageContainer ... a FIFO of waiting packet_lists").
type pendingGroup struct {
	packets []*qpacket.Packet
}

// Container is one per operator type: a work queue, a worker pool, and the
// merge protocol described in spec §4.5.
type Container struct {
	name    string
	factory Factory
	cfg     ContainerConfig

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*pendingGroup
	current []*Adaptor
	closed  bool
	wg      sync.WaitGroup
}

// NewContainer constructs a Container for the given operator type name.
func NewContainer(name string, factory Factory, cfg ContainerConfig) *Container {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	c := &Container{name: name, factory: factory, cfg: cfg}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Name returns the operator type this container services; it is the key
// the Dispatcher's registry is built from.
func (c *Container) Name() string { return c.name }

// Start spawns the container's worker pool (spec §6 "Spawn workers").
func (c *Container) Start() {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	logf("qstage: container %q started %d workers", c.name, c.cfg.Workers)
}

// Stop signals every worker to exit once its current run (if any) finishes
// and the queue drains, and waits for them to return. It is the in-process
// analogue of the reference embedding's shutdown (spec §6 "Shutdown").
func (c *Container) Stop() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
	logf("qstage: container %q stopped", c.name)
}

// Enqueue routes one packet into this container, applying the merge
// protocol of spec §4.5 under the container lock.
func (c *Container) Enqueue(pk *qpacket.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !pk.MergeEnabled {
		c.queue = append(c.queue, &pendingGroup{packets: []*qpacket.Packet{pk}})
		c.cond.Signal()
		return
	}

	for _, a := range c.current {
		if a.TryMerge(pk) {
			return
		}
	}

	for _, grp := range c.queue {
		if grp.packets[0].IsMergeable(pk) {
			grp.packets = append(grp.packets, pk)
			return
		}
	}

	c.queue = append(c.queue, &pendingGroup{packets: []*qpacket.Packet{pk}})
	c.cond.Signal()
}

// enqueueRecycled re-queues a cleanup's surviving late mergees at the tail
// of the work queue, deliberately without re-scanning for merges (spec
// §4.5, §9 "Open questions" — preserved from the source as-is).
func (c *Container) enqueueRecycled(packets []*qpacket.Packet) {
	if len(packets) == 0 {
		return
	}
	c.mu.Lock()
	c.queue = append(c.queue, &pendingGroup{packets: packets})
	c.cond.Signal()
	c.mu.Unlock()
}

func (c *Container) removeCurrent(a *Adaptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.current {
		if cur == a {
			c.current = append(c.current[:i], c.current[i+1:]...)
			return
		}
	}
}

// worker is the container's unbounded dequeue-construct-run loop
// (spec §4.5).
func (c *Container) worker(id int) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 && c.closed {
			c.mu.Unlock()
			return
		}
		grp := c.queue[0]
		c.queue = c.queue[1:]
		adaptor := newAdaptor(grp.packets)
		c.current = append(c.current, adaptor)
		c.mu.Unlock()

		stage := c.factory()
		err := stage.Process(adaptor)

		c.removeCurrent(adaptor)

		if err != nil && !errors.Is(err, qerr.ErrStopRequested) {
			logf("qstage: container %q worker %d: stage failed: %v", c.name, id, err)
			adaptor.abort()
			continue
		}

		recycled := adaptor.cleanupSuccess()
		if len(recycled) > 0 {
			c.enqueueRecycled(recycled)
		}
	}
}
