package session

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/dungeon/internal/engine"
	"github.com/cory-johannsen/dungeon/internal/frontend/tcp"
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

func pipe(t *testing.T) (*tcp.Conn, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	conn := tcp.NewConn(server, 0, time.Second)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = peer.Close()
	})
	return conn, peer
}

// peerSession returns a session and a channel of the lines its peer reads.
func peerSession(t *testing.T, r *Registry) (*Session, <-chan string) {
	t.Helper()
	conn, peer := pipe(t)
	s := newSession(r.NextID(), conn, zaptest.NewLogger(t))
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		br := bufio.NewReader(peer)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSuffix(line, "\n")
		}
	}()
	return s, lines
}

func recv(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case l := <-lines:
		return l
	case <-time.After(time.Second):
		t.Fatal("no line received")
		return ""
	}
}

func TestRegistry_NextIDMonotonic(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	assert.Equal(t, engine.PlayerID(1), r.NextID())
	assert.Equal(t, engine.PlayerID(2), r.NextID())
	assert.NotEqual(t, engine.NoPlayer, r.NextID())
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	s, _ := peerSession(t, r)

	require.NoError(t, r.Add(s))
	assert.Error(t, r.Add(s), "duplicate id must be rejected")
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.True(t, r.Remove(s.ID()))
	assert.False(t, r.Remove(s.ID()))
	_, ok = r.Get(s.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, _ := peerSession(t, r)
		sessions = append(sessions, s)
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		require.NoError(t, r.Add(sessions[i]))
	}
	assert.Equal(t, []engine.PlayerID{1, 2, 3}, r.IDs())
}

func TestRegistry_SendAndBroadcast(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	a, aLines := peerSession(t, r)
	b, bLines := peerSession(t, r)
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	r.Send(a.ID(), protocol.Gold(3))
	assert.Equal(t, "GOLD 3", recv(t, aLines))

	r.Broadcast(a.ID(), protocol.Change())
	assert.Equal(t, "CHANGE", recv(t, bLines))

	r.Broadcast(engine.NoPlayer, protocol.Chat("Alice", "hi: there"))
	assert.Equal(t, "MESSAGE Alice:hi: there", recv(t, aLines))
	assert.Equal(t, "MESSAGE Alice:hi: there", recv(t, bLines))

	select {
	case l := <-aLines:
		t.Fatalf("excluded session received %q", l)
	default:
	}
}

func TestRegistry_SendUnknownIsNoop(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	assert.NotPanics(t, func() {
		r.Send(42, protocol.Win())
		r.Evict(42)
	})
}

func TestRegistry_BroadcastSurvivesDeadPeer(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	dead, _ := peerSession(t, r)
	live, liveLines := peerSession(t, r)
	require.NoError(t, r.Add(dead))
	require.NoError(t, r.Add(live))
	require.NoError(t, dead.conn.Close())

	r.Broadcast(engine.NoPlayer, protocol.Change())
	assert.Equal(t, "CHANGE", recv(t, liveLines))
}

func TestRegistry_EvictInterruptsReadButNotWrites(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	s, lines := peerSession(t, r)
	require.NoError(t, r.Add(s))

	readErr := make(chan error, 1)
	go func() {
		_, err := s.conn.ReadLine()
		readErr <- err
	}()

	r.Evict(s.ID())
	assert.True(t, s.Evicted())
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, tcp.ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("read not interrupted by eviction")
	}

	r.Send(s.ID(), protocol.Lose())
	assert.Equal(t, "LOSE", recv(t, lines))
}

// Property: concurrent Add/Remove of distinct sessions leaves exactly the
// sessions that were added and not removed.
func TestPropertyRegistryConcurrentMembership(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		removeMask := rapid.SliceOfN(rapid.Bool(), n, n).Draw(rt, "remove")

		r := NewRegistry(zaptest.NewLogger(t), nil)
		sessions := make([]*Session, n)
		for i := range sessions {
			sessions[i] = &Session{id: r.NextID()}
		}

		var wg sync.WaitGroup
		for i, s := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = r.Add(s)
				if removeMask[i] {
					r.Remove(s.id)
				}
			}()
		}
		wg.Wait()

		want := 0
		for _, rm := range removeMask {
			if !rm {
				want++
			}
		}
		if r.Count() != want {
			rt.Fatalf("count %d, want %d", r.Count(), want)
		}
	})
}
