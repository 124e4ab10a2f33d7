// Package stream implements the opaque byte-stream abstraction layered on
// top of SSP instructions: a pair of FIFO buffers with no framing
// awareness of their own.
package stream

// Channel holds the outbound (tx) and inbound (rx) byte queues for one
// session. It has no concept of instructions, fragments, or the network;
// it only ever sees whole byte slices.
type Channel struct {
	tx []byte
	rx []byte

	totalSentBytes uint64
	totalRecvBytes uint64
}

// New returns an empty Channel.
func New() *Channel {
	return &Channel{}
}

// PushTx appends application bytes awaiting transmission.
func (c *Channel) PushTx(b []byte) {
	c.tx = append(c.tx, b...)
}

// DrainTx removes and returns up to maxLen bytes from the head of tx.
func (c *Channel) DrainTx(maxLen int) []byte {
	if maxLen > len(c.tx) {
		maxLen = len(c.tx)
	}
	if maxLen == 0 {
		return nil
	}
	out := make([]byte, maxLen)
	copy(out, c.tx[:maxLen])
	c.tx = c.tx[maxLen:]
	c.totalSentBytes += uint64(maxLen)
	return out
}

// HasPendingTx reports whether any bytes await drain.
func (c *Channel) HasPendingTx() bool { return len(c.tx) > 0 }

// PushRx appends bytes delivered by the SSP layer, in delivery order. The
// rx queue is unbounded; the host is expected to drain it promptly.
func (c *Channel) PushRx(b []byte) {
	if len(b) == 0 {
		return
	}
	c.rx = append(c.rx, b...)
	c.totalRecvBytes += uint64(len(b))
}

// ReadRx removes and returns the entire rx queue.
func (c *Channel) ReadRx() []byte {
	if len(c.rx) == 0 {
		return nil
	}
	out := c.rx
	c.rx = nil
	return out
}

// HasPendingRx reports whether any delivered bytes await consumption.
func (c *Channel) HasPendingRx() bool { return len(c.rx) > 0 }

// TotalSentBytes reports the cumulative bytes drained from tx.
func (c *Channel) TotalSentBytes() uint64 { return c.totalSentBytes }

// TotalRecvBytes reports the cumulative bytes pushed to rx.
func (c *Channel) TotalRecvBytes() uint64 { return c.totalRecvBytes }
