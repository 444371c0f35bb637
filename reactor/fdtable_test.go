package reactor

import (
	"testing"
	"testing/quick"
)

func TestFdTableAddRemoveRoundTrip(t *testing.T) {
	tbl := NewFdTable[int](1024)
	v := 42

	tbl.Set(5, &v)
	if !tbl.Contains(5) {
		t.Fatal("expected Contains(5) after Set")
	}
	if tbl.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", tbl.Count())
	}

	tbl.Remove(5)
	if tbl.Contains(5) {
		t.Fatal("expected !Contains(5) after Remove")
	}
	if tbl.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", tbl.Count())
	}
}

func TestFdTableOutOfRangeIsNoop(t *testing.T) {
	tbl := NewFdTable[int](16)
	v := 1

	tbl.Set(-1, &v)
	tbl.Set(16, &v)
	if tbl.Count() != 0 {
		t.Fatalf("out-of-range Set changed Count to %d", tbl.Count())
	}
	if tbl.Get(16) != nil {
		t.Fatal("Get(16) should be nil for out-of-range descriptor")
	}
}

// TestFdTableSequenceInvariant checks, for a single key, that after any
// sequence of Add/Remove operations Contains(d) holds iff d was most
// recently Set (not Removed after).
func TestFdTableSequenceInvariant(t *testing.T) {
	f := func(ops []bool) bool {
		tbl := NewFdTable[int](8)
		v := 7
		live := false
		for _, addNotRemove := range ops {
			if addNotRemove {
				tbl.Set(3, &v)
				live = true
			} else {
				tbl.Remove(3)
				live = false
			}
			if tbl.Contains(3) != live {
				return false
			}
		}
		wantCount := 0
		if live {
			wantCount = 1
		}
		return tbl.Count() == wantCount
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
