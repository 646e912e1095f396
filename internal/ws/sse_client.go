package ws

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient writes hub payloads as Server-Sent Events. Each event carries a
// sequence id so browsers can report the last one they saw on reconnect.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	seq     uint64
	last    time.Time
	closed  bool
	done    chan struct{}
}

// NewSSEClient wraps an already-started event-stream response.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{w: w, flusher: flusher, log: logger, last: time.Now().UTC(), done: make(chan struct{})}
}

// Open advises the browser how long to wait before reconnecting.
func (c *SSEClient) Open(retry time.Duration) error {
	return c.frame(func(buf *bytes.Buffer) {
		fmt.Fprintf(buf, "retry: %d\n\n", retry.Milliseconds())
	})
}

// Send emits payload as one event. Newlines in payload become extra data lines.
func (c *SSEClient) Send(payload []byte) error {
	return c.frame(func(buf *bytes.Buffer) {
		c.seq++
		fmt.Fprintf(buf, "id: %d\n", c.seq)
		for _, line := range bytes.Split(payload, []byte("\n")) {
			buf.WriteString("data: ")
			buf.Write(line)
			buf.WriteByte('\n')
		}
		buf.WriteByte('\n')
	})
}

// Heartbeat emits a comment frame to keep proxies from idling the stream out.
func (c *SSEClient) Heartbeat() error {
	return c.frame(func(buf *bytes.Buffer) {
		buf.WriteString(": keepalive\n\n")
	})
}

func (c *SSEClient) frame(build func(*bytes.Buffer)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	var buf bytes.Buffer
	build(&buf)
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		c.closeLocked()
		c.log.Debug("sse write failed", "error", err)
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	c.last = time.Now().UTC()
	return nil
}

// Close ends the stream. It is safe to call more than once.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *SSEClient) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done is closed once the stream is closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

// LastActivity reports when the last frame was written.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
