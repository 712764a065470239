// Package unbounded provides a channel-like queue with no capacity limit,
// for paths where the producer must never block on a slow consumer.
package unbounded

// Channel accepts values on In and delivers them in order on Out. Sends
// block only for the moment it takes the internal goroutine to queue them.
// Use pointer element types for anything large.
type Channel[T any] struct {
	in  chan T
	out chan T
}

// New creates a Channel and starts its shuttle goroutine. Close the In
// channel to shut it down; Out closes once the queue drains.
func New[T any]() *Channel[T] {
	c := &Channel[T]{in: make(chan T), out: make(chan T)}
	go c.shuttle()
	return c
}

// In returns the send side.
func (c *Channel[T]) In() chan<- T { return c.in }

// Out returns the receive side.
func (c *Channel[T]) Out() <-chan T { return c.out }

func (c *Channel[T]) shuttle() {
	var queue []T
	for {
		if len(queue) == 0 {
			v, ok := <-c.in
			if !ok {
				close(c.out)
				return
			}
			queue = append(queue, v)
			continue
		}
		select {
		case c.out <- queue[0]:
			queue = queue[1:]
		case v, ok := <-c.in:
			if !ok {
				for _, pending := range queue {
					c.out <- pending
				}
				close(c.out)
				return
			}
			queue = append(queue, v)
		}
	}
}
