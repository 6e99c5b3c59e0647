package qpage

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// SpillPolicy configures when a SpillPool starts migrating unpinned-but-kept
// pages to disk, mirroring internal/storage/bufferpool.go's MemoryPolicy
// (MaxMemoryBytes + EvictionThreshold) generalized from cached SQL tables to
// in-flight pages.
type SpillPolicy struct {
	// MaxResidentBytes is the memory budget before eviction begins. Zero
	// means unlimited (no spilling).
	MaxResidentBytes int64
	// Dir is the directory spilled pages are written under.
	Dir string
}

// DefaultSpillPolicy returns a policy with spilling disabled, matching
// bufferpool.go's DefaultMemoryPolicy (StrategyNone, unlimited).
func DefaultSpillPolicy() SpillPolicy {
	return SpillPolicy{MaxResidentBytes: 0}
}

// spillRecord is the on-disk encoding of a spilled page (spec §4.2 "Spill":
// the producer unpins with keep, marking the page dirty and eligible for
// migration; the migrated bytes must round-trip exactly).
type spillRecord struct {
	Size int
	Data []byte
}

// SpillPool wraps a Pool and adds disk spill for pinned-and-kept pages under
// memory pressure, grounded on internal/storage/backend_disk.go's one-file-
// per-item layout (there: <dir>/<tenant>/<table>.tbl; here:
// <dir>/<page-id>.page) using the same encoding/gob format.
type SpillPool struct {
	inner  *Pool
	policy SpillPolicy

	mu       sync.Mutex
	resident map[string]int64 // page id -> resident byte size, pinned pages only
	residentBytes int64

	spills   atomic.Int64
	reloads  atomic.Int64
}

// NewSpillPool creates a SpillPool over pages of the given size.
func NewSpillPool(pageSize int, policy SpillPolicy) (*SpillPool, error) {
	if policy.MaxResidentBytes > 0 {
		if err := os.MkdirAll(policy.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("qpage: spill dir: %w", err)
		}
	}
	return &SpillPool{
		inner:    NewPool(pageSize),
		policy:   policy,
		resident: make(map[string]int64),
	}, nil
}

func (sp *SpillPool) Alloc(size int) (*Page, error) {
	return sp.inner.Alloc(size)
}

func (sp *SpillPool) Free(p *Page) {
	if p != nil {
		sp.mu.Lock()
		if sz, ok := sp.resident[p.ID.String()]; ok {
			sp.residentBytes -= sz
			delete(sp.resident, p.ID.String())
		}
		sp.mu.Unlock()
		_ = os.Remove(sp.spillPath(p))
	}
	sp.inner.Free(p)
}

func (sp *SpillPool) Pin(p *Page) {
	if p == nil {
		return
	}
	sp.mu.Lock()
	sp.resident[p.ID.String()] = int64(p.Size())
	sp.residentBytes += int64(p.Size())
	sp.mu.Unlock()
}

// Unpin implements the keep/discard protocol from spec §4.2. keep=true may
// spill the page to disk if the pool is over its resident budget; keep=false
// simply drops residency bookkeeping (the page is about to be returned to
// the pool by the caller via Free).
func (sp *SpillPool) Unpin(p *Page, keep bool) {
	if p == nil {
		return
	}
	if !keep || sp.policy.MaxResidentBytes == 0 {
		sp.mu.Lock()
		if sz, ok := sp.resident[p.ID.String()]; ok {
			sp.residentBytes -= sz
			delete(sp.resident, p.ID.String())
		}
		sp.mu.Unlock()
		return
	}

	sp.mu.Lock()
	over := sp.residentBytes > sp.policy.MaxResidentBytes
	sp.mu.Unlock()
	if !over {
		return
	}
	if err := sp.spillToDisk(p); err == nil {
		sp.mu.Lock()
		if sz, ok := sp.resident[p.ID.String()]; ok {
			sp.residentBytes -= sz
			delete(sp.resident, p.ID.String())
		}
		sp.mu.Unlock()
		sp.spills.Add(1)
	}
}

func (sp *SpillPool) spillPath(p *Page) string {
	return filepath.Join(sp.policy.Dir, p.ID.String()+".page")
}

func (sp *SpillPool) spillToDisk(p *Page) error {
	f, err := os.Create(sp.spillPath(p))
	if err != nil {
		return fmt.Errorf("qpage: spill create: %w", err)
	}
	defer f.Close()
	rec := spillRecord{Size: p.Size(), Data: append([]byte(nil), p.Buf()...)}
	if err := gob.NewEncoder(f).Encode(&rec); err != nil {
		return fmt.Errorf("qpage: spill encode: %w", err)
	}
	return nil
}

// Reload reads a previously spilled page back into memory. Callers that
// stole a page via TupleFifo.GetPage and later need its bytes after it was
// spilled use this; ordinary fifo traffic never needs it because a page is
// either resident or already consumed.
func (sp *SpillPool) Reload(id string) (*Page, error) {
	f, err := os.Open(filepath.Join(sp.policy.Dir, id+".page"))
	if err != nil {
		return nil, fmt.Errorf("qpage: spill reload: %w", err)
	}
	defer f.Close()
	var rec spillRecord
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return nil, fmt.Errorf("qpage: spill decode: %w", err)
	}
	sp.reloads.Add(1)
	pg, err := sp.inner.Alloc(rec.Size)
	if err != nil {
		return nil, err
	}
	copy(pg.buf, rec.Data)
	return pg, nil
}
