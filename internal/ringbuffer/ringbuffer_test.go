package ringbuffer

import "testing"

func TestSPSCPushPopOrder(t *testing.T) {
	rb := New[int](4)
	for i := 0; i < 3; i++ {
		if !rb.TryPush(i) {
			t.Fatalf("push %d failed unexpectedly", i)
		}
	}
	// Capacity 4 reserves one slot, so a 4th push must fail.
	if rb.TryPush(99) {
		t.Fatalf("push should have failed: buffer full")
	}
	for i := 0; i < 3; i++ {
		got, ok := rb.TryPop()
		if !ok || got != i {
			t.Fatalf("pop %d: got (%v, %v)", i, got, ok)
		}
	}
	if _, ok := rb.TryPop(); ok {
		t.Fatalf("pop on empty buffer should fail")
	}
}

func TestSPSCCapacityPanicsOnNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for non-power-of-two capacity")
		}
	}()
	New[int](3)
}

func TestSPSCWrapsAround(t *testing.T) {
	rb := New[int](4)
	rb.TryPush(1)
	rb.TryPush(2)
	rb.TryPop()
	rb.TryPush(3)
	rb.TryPush(4)
	vals := []int{}
	for {
		v, ok := rb.TryPop()
		if !ok {
			break
		}
		vals = append(vals, v)
	}
	want := []int{2, 3, 4}
	if len(vals) != len(want) {
		t.Fatalf("got %v, want %v", vals, want)
	}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("got %v, want %v", vals, want)
		}
	}
}
