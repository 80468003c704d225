// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// LineClient is a raw protocol client for integration testing. It speaks
// newline-terminated lines and knows nothing about framing.
type LineClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewLineClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t *testing.T, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("line client connected to %s [%s]", addr, time.Since(start))
	return &LineClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// Send writes text to the server in a single write, appending \n. Text
// holding "\n" sends several lines at once.
func (c *LineClient) Send(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(c.conn, "%s\n", text); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// ReadLine reads the next line, failing the test on timeout.
func (c *LineClient) ReadLine(timeout time.Duration) string {
	c.t.Helper()
	line, err := c.TryReadLine(timeout)
	if err != nil {
		c.t.Fatalf("reading line: %v", err)
	}
	return line
}

// TryReadLine reads the next line and reports any error instead of failing.
func (c *LineClient) TryReadLine(timeout time.Duration) (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadLines reads exactly n lines.
func (c *LineClient) ReadLines(n int, timeout time.Duration) []string {
	c.t.Helper()
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, c.ReadLine(timeout))
	}
	return lines
}

// ReadUntil reads lines until one starts with prefix. It returns every line
// read, the match included.
//
// Precondition: prefix must be non-empty.
// Postcondition: Returns the accumulated lines, or fails on timeout.
func (c *LineClient) ReadUntil(prefix string, timeout time.Duration) []string {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var lines []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("reading until %q: got %q: timed out", prefix, lines)
		}
		line, err := c.TryReadLine(remaining)
		if err != nil {
			c.t.Fatalf("reading until %q: got %q, error: %v", prefix, lines, err)
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, prefix) {
			return lines
		}
	}
}

// ExpectClosed reads until the server closes the connection, returning the
// lines it sent before closing.
func (c *LineClient) ExpectClosed(timeout time.Duration) []string {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var lines []string
	for {
		line, err := c.TryReadLine(time.Until(deadline))
		if errors.Is(err, io.EOF) {
			return lines
		}
		if err != nil {
			c.t.Fatalf("waiting for close: got %q, error: %v", lines, err)
		}
		lines = append(lines, line)
	}
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	c.conn.Close()
}
