package qpage

import "testing"

func TestSpillPoolNoSpillWithoutPolicy(t *testing.T) {
	sp, err := NewSpillPool(128, DefaultSpillPolicy())
	if err != nil {
		t.Fatalf("NewSpillPool: %v", err)
	}
	pg, err := sp.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	sp.Pin(pg)
	sp.Unpin(pg, true)
	if sp.spills.Load() != 0 {
		t.Fatalf("spills = %d, want 0 with unlimited budget", sp.spills.Load())
	}
}

func TestSpillPoolRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewSpillPool(128, SpillPolicy{MaxResidentBytes: 1, Dir: dir})
	if err != nil {
		t.Fatalf("NewSpillPool: %v", err)
	}
	pg, err := sp.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(pg.Data(), []byte("payload"))
	id := pg.ID.String()

	sp.Pin(pg)
	sp.Unpin(pg, true) // over budget (limit 1 byte): should spill

	if sp.spills.Load() != 1 {
		t.Fatalf("spills = %d, want 1", sp.spills.Load())
	}

	reloaded, err := sp.Reload(id)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if string(reloaded.Data()[:7]) != "payload" {
		t.Fatalf("reloaded data = %q, want %q", reloaded.Data()[:7], "payload")
	}
}

func TestSpillPoolUnpinDiscardClearsResidency(t *testing.T) {
	sp, err := NewSpillPool(128, SpillPolicy{MaxResidentBytes: 1024, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewSpillPool: %v", err)
	}
	pg, _ := sp.Alloc(128)
	sp.Pin(pg)
	if sp.residentBytes != 128 {
		t.Fatalf("residentBytes = %d, want 128", sp.residentBytes)
	}
	sp.Unpin(pg, false)
	if sp.residentBytes != 0 {
		t.Fatalf("residentBytes = %d, want 0 after discard", sp.residentBytes)
	}
}
