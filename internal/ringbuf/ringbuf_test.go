package ringbuf

import "testing"

func TestPushPopFIFO(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	for _, want := range []int{1, 2, 3} {
		got, ok := r.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("Pop() on empty ring returned ok=true")
	}
}

func TestNewestWinsEviction(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if n := r.Len(); n != 3 {
		t.Fatalf("Len() = %d, want 3", n)
	}
	got := r.Drain()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Drain() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Drain() = %v, want %v", got, want)
		}
	}
}

func TestLatest(t *testing.T) {
	r := New[string](2)
	if _, ok := r.Latest(); ok {
		t.Fatal("Latest() on empty ring returned ok=true")
	}
	r.Push("a")
	r.Push("b")
	r.Push("c")
	got, ok := r.Latest()
	if !ok || got != "c" {
		t.Fatalf("Latest() = %q, %v; want %q, true", got, ok, "c")
	}
}

func TestEachOrder(t *testing.T) {
	r := New[int](4)
	r.Push(10)
	r.Push(20)
	r.Push(30)
	r.Pop()
	r.Push(40)
	r.Push(50)
	var seen []int
	r.Each(func(v int) { seen = append(seen, v) })
	want := []int{20, 30, 40, 50}
	if len(seen) != len(want) {
		t.Fatalf("Each visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Each visited %v, want %v", seen, want)
		}
	}
}
