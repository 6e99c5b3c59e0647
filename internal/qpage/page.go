// Package qpage implements the fixed-size page abstraction and allocator
// that the rest of QPipe is built on.
//
// What: a Page is a fixed-size byte buffer with an in-band header recording
// its byte-size and a forward link used for intrusive freelists; a PagePool
// is a thread-safe allocator. Tuple layout on top of a page is a decoration
// applied by package qtuple, not known here.
//
// How: fixed-offset fields marshaled with encoding/binary rather than a Go
// struct laid directly over the buffer, so the byte layout is stable
// regardless of platform alignment.
package qpage

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// headerSize is the number of bytes reserved at the front of every page for
// the in-band header. Layout:
//
//	[0:4]  Size   (uint32 LE) — total byte-size of the page, header included.
//	[4:8]  Next   (uint32 LE) — forward-link slot; this package always
//	                            writes 0 here (the in-memory freelist is
//	                            chained through Page.next instead).
//	[8:16] Reserved
const headerSize = 16

// MinSize is the smallest page QPipe will allocate. Below this a header
// plus at least one tuple slot cannot fit for any realistic tuple size.
const MinSize = 64

// Page is a fixed-size byte buffer owned, at any instant, by exactly one
// party: the producer filling it, the fifo queueing it, or the consumer
// draining it.
type Page struct {
	// ID exists for debugging only, mirroring Packet.packet_id; it carries
	// no allocation semantics.
	ID uuid.UUID

	buf []byte

	// next chains pages in a pool's in-memory freelist. It is distinct from
	// the Next field in the header, which stays 0 and is copied as-is when
	// SpillPool writes the page's bytes to a spill file.
	next *Page
}

// newPage allocates a buf of the given size and stamps the header.
func newPage(size int) *Page {
	p := &Page{ID: uuid.New(), buf: make([]byte, size)}
	binary.LittleEndian.PutUint32(p.buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(p.buf[4:8], 0)
	return p
}

// Size returns the page's total byte-size, header included.
func (p *Page) Size() int {
	return int(binary.LittleEndian.Uint32(p.buf[0:4]))
}

// Data returns the usable region of the page, after the header.
func (p *Page) Data() []byte {
	return p.buf[headerSize:]
}

// Buf returns the full backing buffer, header included. Used by callers
// (package qtuple) that need to re-stamp type-specific sub-headers just
// after the common header.
func (p *Page) Buf() []byte {
	return p.buf
}

// reset clears the usable region and detaches the page from any freelist
// link, leaving the header's Size field intact. Called by a pool before
// handing a reused page back out.
func (p *Page) reset() {
	for i := range p.buf[headerSize:] {
		p.buf[headerSize+i] = 0
	}
	binary.LittleEndian.PutUint32(p.buf[4:8], 0)
	p.next = nil
}

// PagePool is the allocator contract required of the environment.
// Implementations must be safe for concurrent use by multiple producers and
// consumers across stage containers.
type PagePool interface {
	// Alloc returns a zeroed page of exactly size bytes, header included.
	Alloc(size int) (*Page, error)
	// Free returns a page to the pool. The caller must not touch p again.
	Free(p *Page)
	// Pin marks a page as actively referenced, preventing eviction by a
	// spilling pool. Pools with no eviction policy treat this as a no-op.
	Pin(p *Page)
	// Unpin releases a reference taken by Pin. keep=true (the producer's
	// case) marks the page dirty and eligible for migration to a spill
	// store under pressure; keep=false (the consumer's case) marks it
	// evictable immediately.
	Unpin(p *Page, keep bool)
}

// ErrSizeTooSmall is returned by Alloc when size is below MinSize.
var ErrSizeTooSmall = fmt.Errorf("qpage: size below minimum page size")
