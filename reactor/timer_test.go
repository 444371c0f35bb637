package reactor

import "testing"

func TestProcessExpiredFiresOnlyDueNonCancelled(t *testing.T) {
	w := NewTimerWheel()
	var fired []string

	w.ScheduleAt(100, func() { fired = append(fired, "a") })
	id := w.ScheduleAt(100, func() { fired = append(fired, "b") })
	w.ScheduleAt(200, func() { fired = append(fired, "c") })

	w.Cancel(id)

	n := w.ProcessExpired(150)
	if n != 1 {
		t.Fatalf("ProcessExpired fired %d, want 1", n)
	}
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("fired = %v, want [a]", fired)
	}

	n = w.ProcessExpired(200)
	if n != 1 || fired[len(fired)-1] != "c" {
		t.Fatalf("second pass fired = %v", fired)
	}
}

func TestEqualDeadlinesFireInScheduleOrder(t *testing.T) {
	w := NewTimerWheel()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		w.ScheduleAt(10, func() { order = append(order, i) })
	}
	w.ProcessExpired(10)
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want 0..4 in order", order)
		}
	}
}

func TestTimerNeverFiresTwice(t *testing.T) {
	w := NewTimerWheel()
	count := 0
	w.ScheduleAt(5, func() { count++ })

	w.ProcessExpired(10)
	w.ProcessExpired(20)
	w.ProcessExpired(30)

	if count != 1 {
		t.Fatalf("callback fired %d times, want 1", count)
	}
}

func TestCallbackCanScheduleDuringFire(t *testing.T) {
	w := NewTimerWheel()
	second := false
	w.ScheduleAt(5, func() {
		w.ScheduleAt(6, func() { second = true })
	})

	n := w.ProcessExpired(5)
	if n != 1 {
		t.Fatalf("first pass fired %d, want 1", n)
	}
	if second {
		t.Fatal("second timer fired in the same pass it was scheduled")
	}

	w.ProcessExpired(10)
	if !second {
		t.Fatal("second timer never fired")
	}
}

func TestNextDeadlineMs(t *testing.T) {
	w := NewTimerWheel()
	if got := w.NextDeadlineMs(0); got != -1 {
		t.Fatalf("empty wheel NextDeadlineMs = %d, want -1", got)
	}

	w.ScheduleAt(100, func() {})
	if got := w.NextDeadlineMs(50); got != 50 {
		t.Fatalf("NextDeadlineMs = %d, want 50", got)
	}
	if got := w.NextDeadlineMs(150); got != 0 {
		t.Fatalf("NextDeadlineMs for due timer = %d, want 0", got)
	}
}

func TestCancelUnknownReturnsFalse(t *testing.T) {
	w := NewTimerWheel()
	if w.Cancel(999) {
		t.Fatal("Cancel of unknown id should return false")
	}
}
