package tcp

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/dungeon/internal/protocol"
)

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	c := NewConn(server, 0, 2*time.Second)
	t.Cleanup(func() {
		_ = c.Close()
		_ = peer.Close()
	})
	return c, peer
}

func TestConn_ReadLineStripsTerminators(t *testing.T) {
	c, peer := pipeConn(t)
	go func() {
		_, _ = peer.Write([]byte("HELLO Alice\r\nLOOK\nSHOUT a b c\n"))
	}()

	for _, want := range []string{"HELLO Alice", "LOOK", "SHOUT a b c"} {
		line, err := c.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
}

func TestConn_ReadLinePartialFinalLine(t *testing.T) {
	c, peer := pipeConn(t)
	go func() {
		_, _ = peer.Write([]byte("PICKUP"))
		_ = peer.Close()
	}()

	line, err := c.ReadLine()
	assert.Equal(t, "PICKUP", line)
	assert.ErrorIs(t, err, io.EOF)

	_, err = c.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_InterruptReadUnblocksReader(t *testing.T) {
	c, _ := pipeConn(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ReadLine()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.InterruptRead()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLine was not interrupted")
	}

	_, err := c.ReadLine()
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestConn_InterruptDropsBufferedLines(t *testing.T) {
	c, peer := pipeConn(t)
	go func() { _, _ = peer.Write([]byte("LOOK\nMOVE N\nMOVE S\n")) }()

	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "LOOK", line)

	c.InterruptRead()
	_, err = c.ReadLine()
	assert.ErrorIs(t, err, ErrInterrupted)
}

// interruptingConn interrupts its Conn from inside the first Read, as an
// eviction racing with an arriving line would.
type interruptingConn struct {
	net.Conn
	once sync.Once
	c    *Conn
}

func (r *interruptingConn) Read(b []byte) (int, error) {
	n, err := r.Conn.Read(b)
	r.once.Do(r.c.InterruptRead)
	return n, err
}

func TestConn_InterruptDuringReadDropsLine(t *testing.T) {
	server, peer := net.Pipe()
	raw := &interruptingConn{Conn: server}
	c := NewConn(raw, 0, 2*time.Second)
	raw.c = c
	t.Cleanup(func() {
		_ = c.Close()
		_ = peer.Close()
	})
	go func() { _, _ = peer.Write([]byte("PICKUP\n")) }()

	_, err := c.ReadLine()
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestConn_WritesSurviveInterrupt(t *testing.T) {
	c, peer := pipeConn(t)
	c.InterruptRead()

	go func() { _ = c.WriteMessage(protocol.Win()) }()

	r := bufio.NewReader(peer)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "WIN\n", line)
}

func TestConn_WriteMessageIncludesFrame(t *testing.T) {
	c, peer := pipeConn(t)
	go func() {
		_ = c.WriteMessage(protocol.LookReply([]string{"#.#", ".G.", "#E#"}), protocol.Succeed())
	}()

	r := bufio.NewReader(peer)
	var got []string
	for i := 0; i < 5; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		got = append(got, strings.TrimSuffix(line, "\n"))
	}
	assert.Equal(t, []string{"LOOKREPLY", "#.#", ".G.", "#E#", "SUCCEED"}, got)
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	c, _ := pipeConn(t)
	first := c.Close()
	second := c.Close()
	assert.NoError(t, first)
	assert.Equal(t, first, second)
	assert.Error(t, c.WriteLine("LOOK"))
}

func TestConn_WriteAfterPeerClosed(t *testing.T) {
	c, peer := pipeConn(t)
	require.NoError(t, peer.Close())
	err := c.WriteLine("CHANGE")
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

// Property: concurrent multi-line writes never interleave on the wire.
func TestPropertyWriteLinesAtomic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		writers := rapid.IntRange(2, 8).Draw(t, "writers")
		lines := rapid.IntRange(1, 6).Draw(t, "lines")

		server, peer := net.Pipe()
		c := NewConn(server, 0, 2*time.Second)
		defer c.Close()
		defer peer.Close()

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			block := make([]string, lines)
			for i := range block {
				block[i] = string(rune('a'+w)) + strings.Repeat(string(rune('a'+w)), i)
			}
			wg.Add(1)
			go func(block []string) {
				defer wg.Done()
				_ = c.WriteLines(block...)
			}(block)
		}

		r := bufio.NewReader(peer)
		for w := 0; w < writers; w++ {
			first, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("reading block head: %v", err)
			}
			owner := first[0]
			for i := 1; i < lines; i++ {
				next, err := r.ReadString('\n')
				if err != nil {
					t.Fatalf("reading block line: %v", err)
				}
				if next[0] != owner {
					t.Fatalf("block from %q interleaved with %q", owner, next[0])
				}
				if len(next) != i+2 {
					t.Fatalf("line %d of block %q has length %d", i, owner, len(next))
				}
			}
		}
		wg.Wait()
	})
}
