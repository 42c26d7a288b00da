package volume

import (
	"testing"

	"github.com/xtxerr/radarcache/internal/cache/types"
)

func scanAt(start types.UnixMillis) types.ScanKey {
	return types.ScanKey{Site: "KDMX", ScanStart: start}
}

func TestRingFIFO(t *testing.T) {
	r := NewRing(2)

	a := &Volume{Scan: scanAt(1000)}
	b := &Volume{Scan: scanAt(2000)}
	c := &Volume{Scan: scanAt(3000)}

	r.Insert(a)
	r.Insert(b)
	r.Insert(c)

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if r.Get(a.Scan) != nil {
		t.Error("oldest volume should have been dropped")
	}
	if r.Get(b.Scan) != b || r.Get(c.Scan) != c {
		t.Error("newer volumes should be resident")
	}
	if r.Latest() != c {
		t.Error("Latest should return the newest volume")
	}
}

func TestRingReplaceSameScan(t *testing.T) {
	r := NewRing(3)

	partial := &Volume{Scan: scanAt(1000), Partial: true}
	full := &Volume{Scan: scanAt(1000), Partial: false}

	r.Insert(partial)
	r.Insert(full)

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if got := r.Get(scanAt(1000)); got != full {
		t.Error("reinserting a scan should replace its volume")
	}
}

func TestRingChronologicalInsert(t *testing.T) {
	r := NewRing(3)

	r.Insert(&Volume{Scan: scanAt(3000)})
	r.Insert(&Volume{Scan: scanAt(1000)})
	r.Insert(&Volume{Scan: scanAt(2000)})

	keys := r.Keys()
	want := []types.UnixMillis{1000, 2000, 3000}
	for i, w := range want {
		if keys[i].ScanStart != w {
			t.Errorf("Keys[%d] = %d, want %d", i, keys[i].ScanStart, w)
		}
	}
}

func TestRingOldInsertIntoFullRing(t *testing.T) {
	r := NewRing(2)

	r.Insert(&Volume{Scan: scanAt(2000)})
	r.Insert(&Volume{Scan: scanAt(3000)})
	r.Insert(&Volume{Scan: scanAt(1000)})

	if r.Get(scanAt(1000)) != nil {
		t.Error("volume older than a full ring should be dropped")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(3)
	r.Insert(&Volume{Scan: scanAt(1000)})
	r.Insert(&Volume{Scan: scanAt(2000)})

	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", r.Len())
	}
	if r.Latest() != nil {
		t.Error("Latest after Clear should be nil")
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing(0)
	r.Insert(&Volume{Scan: scanAt(1000)})
	r.Insert(&Volume{Scan: scanAt(2000)})

	if r.Len() != 2 {
		t.Errorf("capacity should be raised to 2, Len = %d", r.Len())
	}
}
