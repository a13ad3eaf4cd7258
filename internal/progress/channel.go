package progress

import (
	"container/list"
	"errors"
	"sync"
)

// ErrClosed is returned by Channel.Send once the channel has been closed.
var ErrClosed = errors.New("progress channel closed")

// Channel is an unbounded Sink that delivers message texts to a single
// consumer through C. Any number of goroutines may Send concurrently; Send
// never waits for the consumer. The consumer must read C until it is closed,
// otherwise the forwarding goroutine stays blocked on the next message.
type Channel struct {
	mtx     sync.Mutex
	pending *list.List
	signal  chan struct{}
	out     chan string
	closed  bool
}

// NewChannel returns an open Channel and starts its forwarding goroutine.
func NewChannel() *Channel {
	c := &Channel{
		pending: list.New(),
		signal:  make(chan struct{}, 1),
		out:     make(chan string),
	}
	go c.forward()
	return c
}

// C returns the receive side. It is closed after Close once every message
// sent before Close has been delivered, so a consumer that stops reading
// early leaks the forwarding goroutine.
func (c *Channel) C() <-chan string {
	return c.out
}

// Send queues msg for delivery.
func (c *Channel) Send(msg Message) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.pending.PushBack(msg.String())

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting messages. Messages already queued are still delivered.
func (c *Channel) Close() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.signal)
}

func (c *Channel) pop() (string, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	elem := c.pending.Front()
	if elem == nil {
		return "", false
	}
	c.pending.Remove(elem)
	return elem.Value.(string), true
}

func (c *Channel) forward() {
	defer close(c.out)
	for {
		_, ok := <-c.signal
		for {
			text, found := c.pop()
			if !found {
				break
			}
			c.out <- text
		}
		if !ok {
			return
		}
	}
}
