// Package sandbox defines the provider-agnostic contracts for sandboxes:
// Channel (§4.3), Handle (§4.4), and Provider (§4.5). Concrete backends
// live in subpackages (docker, remoteworker, microvm).
package sandbox

import (
	"bufio"
	"io"
	"log/slog"
	"regexp"
	"sync"
)

// Channel is a duplex frame channel over an attached sandbox's stdio.
type Channel interface {
	Send(message []byte) error
	OnMessage(h func(line []byte))
	OnClose(h func(reason error))
	Close() error
}

// ansiPrefix strips leading ANSI escape sequences from a line, mirroring
// the channel's "lines are not parsed... any ANSI escape at line start is
// stripped" contract.
var ansiPrefix = regexp.MustCompile(`^(\x1b\[[0-9;]*[a-zA-Z])+`)

// StreamChannel is the generic Channel implementation shared by every
// backend: it multiplexes a stdin writer, a stdout line reader, and a
// stderr line reader into the Channel contract. Grounded on the reference
// stack's wsWriter/io.Copy pump and CircularBuffer ring for stderr.
type StreamChannel struct {
	stdin  io.Writer
	closer io.Closer

	mu        sync.Mutex
	closed    bool
	onMessage func(line []byte)
	onClose   func(reason error)

	stderrRing *Ring
	sessionID  string
}

// NewStreamChannel wraps stdin/stdout/stderr streams from an attached
// sandbox into a Channel. It starts background readers for stdout and
// stderr; onMessage/onClose handlers may be registered any time before or
// after those goroutines start (delivery is safe to register late, though
// early lines may be missed if no handler is set yet — callers should
// register handlers before any write that could provoke output).
func NewStreamChannel(sessionID string, stdin io.Writer, stdout, stderr io.Reader, closer io.Closer, stderrRingSize int) *StreamChannel {
	c := &StreamChannel{
		stdin:      stdin,
		closer:     closer,
		stderrRing: NewRing(stderrRingSize),
		sessionID:  sessionID,
	}
	go c.pumpStdout(stdout)
	go c.pumpStderr(stderr)
	return c
}

func (c *StreamChannel) pumpStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := ansiPrefix.ReplaceAll(scanner.Bytes(), nil)
		cp := make([]byte, len(line))
		copy(cp, line)

		c.mu.Lock()
		h := c.onMessage
		c.mu.Unlock()
		if h != nil {
			h(cp)
		}
	}
	c.fireClose(scanner.Err())
}

func (c *StreamChannel) pumpStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("sandbox stderr", "session_id", c.sessionID, "line", line)
		c.stderrRing.WriteString(line + "\n")
	}
}

func (c *StreamChannel) Send(message []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.stdin.Write(append(message, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *StreamChannel) OnMessage(h func(line []byte)) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

func (c *StreamChannel) OnClose(h func(reason error)) {
	c.mu.Lock()
	c.onClose = h
	c.mu.Unlock()
}

func (c *StreamChannel) fireClose(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	h := c.onClose
	c.mu.Unlock()
	if h != nil {
		h(reason)
	}
}

// Close is idempotent: it destroys the underlying stream and clears handlers.
func (c *StreamChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onMessage = nil
	c.onClose = nil
	c.mu.Unlock()

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// StderrSnapshot returns the recent stderr output for REST access.
func (c *StreamChannel) StderrSnapshot() string {
	return c.stderrRing.String()
}
