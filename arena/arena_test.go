package arena

import (
	"bytes"
	"testing"
)

func TestPushReturnsRequestedSize(t *testing.T) {
	a := New(64)
	b := a.Push(10)
	if len(b) != 10 {
		t.Fatalf("len(b) = %d, want 10", len(b))
	}
}

func TestPushPointerStableAcrossGrowth(t *testing.T) {
	a := New(16)
	first := a.Push(8)
	copy(first, []byte("abcdefgh"))

	// Force growth into a new block.
	_ = a.Push(64)

	if !bytes.Equal(first, []byte("abcdefgh")) {
		t.Fatalf("first allocation was corrupted after growth: %q", first)
	}
}

func TestTempScopeRestoresPosition(t *testing.T) {
	a := New(64)
	_ = a.Push(8)
	mark := a.Mark()

	func() {
		temp := Begin(a)
		defer temp.End()
		_ = a.Push(40)
	}()

	after := a.Mark()
	if after.pos != mark.pos || after.b != mark.b {
		t.Fatalf("Temp scope did not restore position: got %+v, want %+v", after, mark)
	}
}

func TestPushStringCopies(t *testing.T) {
	a := New(64)
	s := "hostname.example"
	copied := a.PushString(s)
	if copied != s {
		t.Fatalf("PushString = %q, want %q", copied, s)
	}
}
