package counttable

import (
	"testing"

	"golang.org/x/exp/rand"
)

func newTestTable(t *testing.T, cfg Config) *Table {
	t.Helper()
	tbl, err := New(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tbl
}

func TestPackUnpack(t *testing.T) {
	cases := []struct {
		topic uint32
		count int32
	}{
		{0, 0},
		{1, 1},
		{42, -17},
		{1 << 30, 1 << 30},
		{EmptyKey - 1, -(1 << 30)},
	}
	for _, c := range cases {
		k, n := unpack(pack(c.topic, c.count))
		if k != c.topic || n != c.count {
			t.Errorf("pack/unpack(%d, %d) = (%d, %d)", c.topic, c.count, k, n)
		}
	}

	if k, _ := unpack(emptyWord); k != EmptyKey {
		t.Errorf("emptyWord unpacks to key %d, want EmptyKey", k)
	}
}

func TestOddInverse(t *testing.T) {
	for _, a := range []uint32{1, 3, 5, 0x12345679, 0xFFFFFFFF, 2654435769} {
		if a*oddInverse(a) != 1 {
			t.Errorf("oddInverse(%#x): a*inv = %#x, want 1", a, a*oddInverse(a))
		}
	}
}

func TestLinesFor(t *testing.T) {
	cases := []struct {
		hint  int
		lines uint32
	}{
		{0, 1},
		{1, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{100, 16},
	}
	for _, c := range cases {
		if got := linesFor(c.hint); got != c.lines {
			t.Errorf("linesFor(%d) = %d, want %d", c.hint, got, c.lines)
		}
	}
}

func TestNewAllocationFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityHint = 1 << 20
	cfg.MaxCapacity = 1024
	if _, err := New(cfg, rand.New(rand.NewSource(1))); err != ErrAllocationFailure {
		t.Errorf("New over ceiling: err = %v, want %v", err, ErrAllocationFailure)
	}
}

func TestAccumulateAndGet(t *testing.T) {
	tbl := newTestTable(t, DefaultConfig())

	if got := tbl.Get(7); got != 0 {
		t.Errorf("Get(absent) = %d, want 0", got)
	}

	if !tbl.Accumulate(7, 3) {
		t.Fatal("Accumulate(7, 3) refused")
	}
	if !tbl.Accumulate(7, 2) {
		t.Fatal("Accumulate(7, 2) refused")
	}
	if !tbl.Accumulate(9, -1) {
		t.Fatal("Accumulate(9, -1) refused")
	}

	if got := tbl.Get(7); got != 5 {
		t.Errorf("Get(7) = %d, want 5", got)
	}
	if got := tbl.Get(9); got != -1 {
		t.Errorf("Get(9) = %d, want -1", got)
	}
	if tbl.Live() != 2 {
		t.Errorf("Live = %d, want 2", tbl.Live())
	}
}

func TestZeroCountEntryStaysLive(t *testing.T) {
	tbl := newTestTable(t, DefaultConfig())

	tbl.Accumulate(3, 1)
	tbl.Accumulate(3, -1)

	if got := tbl.Get(3); got != 0 {
		t.Errorf("Get(3) = %d, want 0", got)
	}
	if tbl.Live() != 1 {
		t.Errorf("Live = %d, want 1 (zero-count entries stay)", tbl.Live())
	}
}

func TestManyKeysNoResize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityHint = 2048
	tbl := newTestTable(t, cfg)

	const n = 1000
	for k := uint32(0); k < n; k++ {
		if !tbl.Accumulate(k, int32(k+1)) {
			t.Fatalf("Accumulate(%d) refused", k)
		}
	}
	if tbl.NeedsResize() {
		t.Fatal("resize flagged despite ample capacity")
	}
	for k := uint32(0); k < n; k++ {
		if got := tbl.Get(k); got != int32(k+1) {
			t.Errorf("Get(%d) = %d, want %d", k, got, k+1)
		}
	}
	if got := tbl.Get(n + 5); got != 0 {
		t.Errorf("Get(absent) = %d, want 0", got)
	}
	if tbl.Live() != n {
		t.Errorf("Live = %d, want %d", tbl.Live(), n)
	}
}

func TestRangeAndAt(t *testing.T) {
	tbl := newTestTable(t, DefaultConfig())
	want := map[uint32]int32{2: 5, 11: -3, 29: 1}
	for k, v := range want {
		tbl.Accumulate(k, v)
	}

	got := map[uint32]int32{}
	tbl.Range(func(topic uint32, count int32) bool {
		got[topic] = count
		return true
	})
	if len(got) != len(want) {
		t.Fatalf("Range saw %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Range[%d] = %d, want %d", k, got[k], v)
		}
	}

	// At must agree with Range over the whole slot array.
	viaAt := map[uint32]int32{}
	for i := 0; i < tbl.Slots(); i++ {
		if topic, count, ok := tbl.At(i); ok {
			viaAt[topic] = count
		}
	}
	for k, v := range want {
		if viaAt[k] != v {
			t.Errorf("At[%d] = %d, want %d", k, viaAt[k], v)
		}
	}
}

func TestOverflowRaisesFlagAndRefusesWork(t *testing.T) {
	// One line of 16 slots; the 17th distinct key cannot land.
	cfg := Config{CapacityHint: 4, MaxProbeLines: 2, GrowthFactor: 2, MaxCapacity: 1 << 20}
	tbl := newTestTable(t, cfg)
	if tbl.Capacity() != LineSlots {
		t.Fatalf("Capacity = %d, want %d", tbl.Capacity(), LineSlots)
	}

	applied := 0
	for k := uint32(0); k < LineSlots+1; k++ {
		if tbl.Accumulate(k, 1) {
			applied++
		}
		if tbl.NeedsResize() {
			break
		}
	}
	if !tbl.NeedsResize() {
		t.Fatal("resize flag never raised on an over-full line")
	}

	// With the flag up, new work is refused without side effects.
	if tbl.Accumulate(999, 1) {
		t.Error("Accumulate accepted work while resize pending")
	}
}
