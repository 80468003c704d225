// Package tcp provides the line-oriented TCP transport shared by the dungeon
// server and client: a Conn with atomic multi-line writes, and the Acceptor
// that spawns one session per accepted connection.
package tcp

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cory-johannsen/dungeon/internal/protocol"
)

// ErrInterrupted is returned by ReadLine after InterruptRead was called.
var ErrInterrupted = errors.New("read interrupted")

// Conn wraps a network connection with newline-delimited reads and
// serialized writes.
//
// Invariant: the lines passed to one WriteLines call reach the peer
// contiguously; no other write on the same Conn is interleaved with them.
type Conn struct {
	raw     net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration

	interrupted atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// NewConn wraps a raw connection. Zero timeouts disable the deadline.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadLine reads one line, without its trailing "\n" or "\r\n".
// Only one goroutine may read from a Conn.
//
// Postcondition: Returns the next line, or an error (io.EOF at end of stream,
// ErrInterrupted after InterruptRead, even when lines are still buffered). A final unterminated line is returned
// together with io.EOF.
func (c *Conn) ReadLine() (string, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	// Checked after arming the deadline so a concurrent InterruptRead either
	// is seen here or overrides the deadline just set.
	if c.interrupted.Load() {
		return "", ErrInterrupted
	}

	line, err := c.reader.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	// A line that arrived with or after the interrupt is dropped.
	if c.interrupted.Load() {
		return "", ErrInterrupted
	}
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return line, io.EOF
		}
		return "", err
	}
	return line, nil
}

// InterruptRead makes a pending or future ReadLine return ErrInterrupted.
// Writes are unaffected, so output queued by the engine still reaches the
// peer.
func (c *Conn) InterruptRead() {
	c.interrupted.Store(true)
	_ = c.raw.SetReadDeadline(time.Unix(1, 0))
}

// WriteLines writes every line, each followed by "\n", in a single write.
//
// Postcondition: All lines are written contiguously, or an error is returned.
func (c *Conn) WriteLines(lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := io.WriteString(c.raw, b.String())
	return err
}

// WriteLine writes a single line.
func (c *Conn) WriteLine(text string) error {
	return c.WriteLines(text)
}

// WriteMessage writes every message, including frame bodies, as one unit.
func (c *Conn) WriteMessage(msgs ...protocol.Message) error {
	return c.WriteLines(protocol.Encode(msgs...)...)
}

// Close closes the underlying connection. It is safe to call more than once.
//
// Postcondition: The connection is closed and no longer usable.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the remote network address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
