package channel

// Buffer accumulates the payloads of a channel. After each payload the
// callback sees everything buffered so far and returns how many bytes it
// consumed; the rest is kept for the next call. A negative result consumes
// everything.
type Buffer struct {
	data     []byte
	callback func(block []byte) int
	remove   func()
}

// Buffer starts accumulating inbound payloads. callback may be nil, in
// which case data piles up until Squash.
func (c *Channel) Buffer(callback func(block []byte) int) *Buffer {
	b := &Buffer{callback: callback}
	b.remove = c.onMessage.add(b.push)
	return b
}

func (b *Buffer) push(p []byte) {
	b.data = append(b.data, p...)
	if b.callback == nil || len(b.data) == 0 {
		return
	}
	n := b.callback(b.data)
	switch {
	case n < 0 || n >= len(b.data):
		b.data = b.data[:0]
	case n > 0:
		b.data = append(b.data[:0], b.data[n:]...)
	}
}

// Squash returns and clears everything buffered.
func (b *Buffer) Squash() []byte {
	out := b.data
	b.data = nil
	return out
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Stop detaches the buffer from its channel.
func (b *Buffer) Stop() { b.remove() }
