package sandbox

import (
	"bytes"
	"io"
	"sync"
)

// DefaultMaxOutputBytes caps each captured stream.
const DefaultMaxOutputBytes = 1 << 20 // 1 MB

// Capture collects the output of a single execution. Writes never reach the
// process's own stdout or stderr.
type Capture struct {
	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	out, err *limitedWriter
	released bool
}

// Acquire returns a fresh capture whose streams each hold at most limit
// bytes. A non-positive limit selects DefaultMaxOutputBytes.
func Acquire(limit int) *Capture {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	c := &Capture{}
	c.out = &limitedWriter{w: lockedWriter{&c.mu, &c.stdout}, remaining: limit}
	c.err = &limitedWriter{w: lockedWriter{&c.mu, &c.stderr}, remaining: limit}
	return c
}

// Stdout returns the writer for standard output.
func (c *Capture) Stdout() io.Writer { return c.out }

// Stderr returns the writer for standard error.
func (c *Capture) Stderr() io.Writer { return c.err }

// Release ends the capture. Releasing twice means the execution lifecycle
// is broken and yields ErrStreamRestore.
func (c *Capture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrStreamRestore
	}
	c.released = true
	return nil
}

// Output returns stdout followed, when anything was written to stderr, by
// "\nErrors:\n" and the stderr text.
func (c *Capture) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stdout.String()
	if c.stderr.Len() > 0 {
		out += "\nErrors:\n" + c.stderr.String()
	}
	return out
}

// Len returns the number of captured bytes across both streams.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.Len() + c.stderr.Len()
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded, and the full length is reported so
// callers never see a short write.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
