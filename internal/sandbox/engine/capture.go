package engine

import "sync"

// cappedBuffer keeps the first max bytes written to it and counts the rest.
// Writes never fail and never block, so a chatty program is not slowed down
// or killed by truncation.
type cappedBuffer struct {
	mu        sync.Mutex
	max       int64
	buf       []byte
	total     int64
	truncated bool
}

func newCappedBuffer(max int64) *cappedBuffer {
	if max < 0 {
		max = 0
	}
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += int64(len(p))
	room := c.max - int64(len(c.buf))
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		c.buf = append(c.buf, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

// Truncated reports whether any byte was dropped.
func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// Total is the number of bytes the writer produced, kept or not.
func (c *cappedBuffer) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
