package unbounded

import (
	"testing"
	"time"
)

func TestOrderPreserved(t *testing.T) {
	c := New[int]()
	const n = 1000
	go func() {
		for i := 0; i < n; i++ {
			c.In() <- i
		}
		close(c.In())
	}()
	i := 0
	for v := range c.Out() {
		if v != i {
			t.Fatalf("received %d, want %d", v, i)
		}
		i++
	}
	if i != n {
		t.Fatalf("received %d values, want %d", i, n)
	}
}

func TestSenderNeverBlocksOnSlowReceiver(t *testing.T) {
	c := New[int]()
	done := make(chan struct{})
	go func() {
		// With no reader yet, 10k sends must still complete promptly.
		for i := 0; i < 10000; i++ {
			c.In() <- i
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sends blocked on an unread queue")
	}
	close(c.In())
	count := 0
	for range c.Out() {
		count++
	}
	if count != 10000 {
		t.Fatalf("drained %d values, want 10000", count)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	c := New[string]()
	c.In() <- "a"
	c.In() <- "b"
	close(c.In())
	var got []string
	for v := range c.Out() {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("drained %v, want [a b]", got)
	}
}
