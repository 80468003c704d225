package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/dungeon/internal/config"
	"github.com/cory-johannsen/dungeon/internal/engine"
	"github.com/cory-johannsen/dungeon/internal/frontend/tcp"
	"github.com/cory-johannsen/dungeon/internal/observability"
	"github.com/cory-johannsen/dungeon/internal/protocol"
	"github.com/cory-johannsen/dungeon/internal/testutil"
)

const wait = 2 * time.Second

// fakeEngine records every call and detects overlapping calls.
type fakeEngine struct {
	notifier engine.Notifier

	active  atomic.Int32
	overlap atomic.Bool

	mu      sync.Mutex
	names   map[engine.PlayerID]string
	taken   map[string]bool
	removed map[engine.PlayerID]int
	log     []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		names:   make(map[engine.PlayerID]string),
		taken:   make(map[string]bool),
		removed: make(map[engine.PlayerID]int),
	}
}

func (e *fakeEngine) enter() {
	if e.active.Add(1) > 1 {
		e.overlap.Store(true)
	}
}

func (e *fakeEngine) exit() { e.active.Add(-1) }

func (e *fakeEngine) record(id engine.PlayerID, entry string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf("%d %s", id, entry))
}

func (e *fakeEngine) AddPlayer(id engine.PlayerID) ([]protocol.Message, error) {
	e.enter()
	defer e.exit()
	e.record(id, "JOIN")
	return nil, nil
}

func (e *fakeEngine) RemovePlayer(id engine.PlayerID) {
	e.enter()
	defer e.exit()
	e.mu.Lock()
	e.removed[id]++
	delete(e.taken, e.names[id])
	e.mu.Unlock()
}

func (e *fakeEngine) ProcessCommand(id engine.PlayerID, cmd protocol.Command) []protocol.Message {
	e.enter()
	defer e.exit()
	e.record(id, cmd.Message().Header())

	switch cmd.Verb {
	case protocol.VerbHello:
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.taken[cmd.Arg] {
			return []protocol.Message{protocol.Fail("name taken")}
		}
		e.taken[cmd.Arg] = true
		e.names[id] = cmd.Arg
		return []protocol.Message{protocol.Hello(cmd.Arg)}
	case protocol.VerbLook:
		rows := []string{"#####", "#...#", "#.P.#", "#...#", "#####"}
		return []protocol.Message{protocol.LookReply(rows)}
	case protocol.VerbShout:
		e.mu.Lock()
		name := e.names[id]
		e.mu.Unlock()
		chat := protocol.Chat(name, cmd.Arg)
		e.notifier.Broadcast(id, chat)
		return []protocol.Message{chat}
	case protocol.VerbPickup:
		e.notifier.Evict(id)
		return []protocol.Message{protocol.Win()}
	}
	return []protocol.Message{protocol.Succeed()}
}

func (e *fakeEngine) entries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *fakeEngine) removals(id engine.PlayerID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed[id]
}

type harness struct {
	engine   *fakeEngine
	registry *Registry
	acceptor *tcp.Acceptor
	addr     string
}

func newHarness(t *testing.T, cfg config.ServerConfig, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetrics()

	registry := NewRegistry(logger, metrics)
	fe := newFakeEngine()
	fe.notifier = registry

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.WriteTimeout = 5 * time.Second

	handler := NewHandler(fe, engine.NewLock(metrics), registry, cfg, metrics, logger, opts...)
	acc := tcp.NewAcceptor(cfg, handler, metrics, logger)
	require.NoError(t, acc.Listen())
	go func() { _ = acc.Serve() }()
	t.Cleanup(acc.Stop)

	return &harness{engine: fe, registry: registry, acceptor: acc, addr: acc.Addr()}
}

// connect dials and waits until the session has joined.
func (h *harness) connect(t *testing.T) *testutil.LineClient {
	t.Helper()
	before := h.registry.Count()
	c := testutil.NewLineClient(t, h.addr)
	require.Eventually(t, func() bool { return h.registry.Count() > before }, wait, 5*time.Millisecond)
	return c
}

func TestSession_HelloLookScenario(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	c := h.connect(t)

	c.Send("HELLO Alice")
	assert.Equal(t, "HELLO Alice", c.ReadLine(wait))

	c.Send("LOOK")
	assert.Equal(t, "LOOKREPLY", c.ReadLine(wait))
	rows := c.ReadLines(5, wait)
	for _, row := range rows {
		assert.Len(t, row, 5)
	}
}

func TestSession_JoinBroadcastsChange(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	first := h.connect(t)
	second := h.connect(t)

	assert.Equal(t, "CHANGE", first.ReadLine(wait))

	second.Send("HELLO Bob")
	assert.Equal(t, "HELLO Bob", second.ReadLine(wait), "the joining session is not sent its own CHANGE")
}

func TestSession_SynthesisesNameBeforeFirstCommand(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	c := h.connect(t)

	c.Send("LOOK")
	hello := c.ReadLine(wait)
	assert.Regexp(t, `^HELLO HUMAN-[0-9A-F]{1,16}$`, hello)
	assert.Equal(t, "LOOKREPLY", c.ReadLine(wait))
	c.ReadLines(5, wait)

	entries := h.engine.entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "1 JOIN", entries[0])
	assert.True(t, strings.HasPrefix(entries[1], "1 HELLO HUMAN-"))
	assert.Equal(t, "1 LOOK", entries[2])

	sess, ok := h.registry.Get(1)
	require.True(t, ok)
	assert.Equal(t, strings.TrimPrefix(hello, "HELLO "), sess.Name())
}

func TestSession_ExplicitHelloSuppressesGeneratedName(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	c := h.connect(t)

	c.Send("HELLO Carol")
	assert.Equal(t, "HELLO Carol", c.ReadLine(wait))
	c.Send("MOVE n")
	assert.Equal(t, "SUCCEED", c.ReadLine(wait))

	assert.Equal(t, []string{"1 JOIN", "1 HELLO Carol", "1 MOVE N"}, h.engine.entries())
}

func TestSession_GeneratedNameRetriesOnCollision(t *testing.T) {
	names := []string{"HUMAN-DUP", "HUMAN-FRESH"}
	var next atomic.Int32
	gen := func() string { return names[int(next.Add(1)-1)%len(names)] }

	h := newHarness(t, config.ServerConfig{}, WithNameGenerator(gen))
	h.engine.taken["HUMAN-DUP"] = true

	c := h.connect(t)
	c.Send("ENDTURN")
	assert.Equal(t, "FAIL name taken", c.ReadLine(wait))
	assert.Equal(t, "HELLO HUMAN-FRESH", c.ReadLine(wait))
	assert.Equal(t, "SUCCEED", c.ReadLine(wait))
}

func TestSession_IgnoresMalformedLines(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	c := h.connect(t)

	c.Send("DANCE wildly")
	c.Send("MOVE Q")
	c.Send("HELLO")
	c.Send("SHOUT    ")
	c.Send("")
	c.Send("HELLO Dave")
	assert.Equal(t, "HELLO Dave", c.ReadLine(wait))

	assert.Equal(t, []string{"1 JOIN", "1 HELLO Dave"}, h.engine.entries())
}

func TestSession_ClientCannotInjectFrames(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	c := h.connect(t)

	c.Send("RENDERHINT 2")
	c.Send("HELLO Eve")
	c.Send("LOOK")
	assert.Equal(t, "HELLO Eve", c.ReadLine(wait))
	assert.Equal(t, "LOOKREPLY", c.ReadLine(wait))
}

func TestSession_ConcurrentMoveAndShout(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	mover := h.connect(t)
	shouter := h.connect(t)
	// The mover saw the shouter join.
	assert.Equal(t, "CHANGE", mover.ReadLine(wait))

	mover.Send("HELLO Mover")
	assert.Equal(t, "HELLO Mover", mover.ReadLine(wait))
	shouter.Send("HELLO Shouter")
	assert.Equal(t, "HELLO Shouter", shouter.ReadLine(wait))

	var g errgroup.Group
	g.Go(func() error {
		mover.Send("MOVE N")
		return nil
	})
	g.Go(func() error {
		shouter.Send("SHOUT hi")
		return nil
	})
	require.NoError(t, g.Wait())

	moverLines := mover.ReadLines(2, wait)
	assert.ElementsMatch(t, []string{"SUCCEED", "MESSAGE Shouter:hi"}, moverLines)
	assert.Equal(t, "MESSAGE Shouter:hi", shouter.ReadLine(wait))

	var moves, shouts int
	for _, e := range h.engine.entries() {
		switch {
		case strings.HasSuffix(e, "MOVE N"):
			moves++
		case strings.HasSuffix(e, "SHOUT hi"):
			shouts++
		}
	}
	assert.Equal(t, 1, moves)
	assert.Equal(t, 1, shouts)
	assert.False(t, h.engine.overlap.Load())
}

func TestSession_ConcurrentSessionsTotalOrder(t *testing.T) {
	const clients = 8
	const perClient = 15

	h := newHarness(t, config.ServerConfig{})
	conns := make([]*testutil.LineClient, clients)
	for i := range conns {
		conns[i] = h.connect(t)
	}

	var g errgroup.Group
	for i, c := range conns {
		g.Go(func() error {
			c.Send(fmt.Sprintf("HELLO P%d", i))
			for j := 0; j < perClient; j++ {
				c.Send("MOVE E")
			}
			lines := c.ReadUntil(fmt.Sprintf("HELLO P%d", i), wait)
			succeeded := 0
			for succeeded < perClient {
				line := c.ReadLine(wait)
				switch line {
				case "SUCCEED":
					succeeded++
				case "CHANGE":
				default:
					return fmt.Errorf("client %d: unexpected line %q after %q", i, line, lines)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.False(t, h.engine.overlap.Load(), "engine calls overlapped")
	moves := 0
	for _, e := range h.engine.entries() {
		if strings.HasSuffix(e, "MOVE E") {
			moves++
		}
	}
	assert.Equal(t, clients*perClient, moves)
}

func TestSession_UniqueNamesUnderConcurrency(t *testing.T) {
	const clients = 10
	h := newHarness(t, config.ServerConfig{})

	names := make([]string, clients)
	var g errgroup.Group
	for i := 0; i < clients; i++ {
		c := testutil.NewLineClient(t, h.addr)
		g.Go(func() error {
			c.Send("ENDTURN")
			for {
				line := c.ReadLine(wait)
				if strings.HasPrefix(line, "HELLO ") {
					names[i] = strings.TrimPrefix(line, "HELLO ")
					break
				}
				if line != "CHANGE" {
					return fmt.Errorf("unexpected line %q before HELLO", line)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool)
	for _, n := range names {
		assert.False(t, seen[n], "duplicate name %q", n)
		seen[n] = true
	}

	// Every ENDTURN is preceded by its session's HELLO.
	named := make(map[string]bool)
	for _, e := range h.engine.entries() {
		id, rest, _ := strings.Cut(e, " ")
		if strings.HasPrefix(rest, "HELLO ") {
			named[id] = true
		}
		if rest == "ENDTURN" {
			assert.True(t, named[id], "session %s applied ENDTURN before being named", id)
		}
	}
}

func TestSession_DisconnectLeavesOthersOperational(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	leaver := h.connect(t)
	stayer := h.connect(t)
	assert.Equal(t, "CHANGE", leaver.ReadLine(wait))

	leaver.Close()
	assert.Equal(t, "CHANGE", stayer.ReadLine(wait))
	require.Eventually(t, func() bool { return h.registry.Count() == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, 1, h.engine.removals(1))

	stayer.Send("LOOK")
	lines := stayer.ReadUntil("LOOKREPLY", wait)
	assert.True(t, strings.HasPrefix(lines[0], "HELLO HUMAN-"))

	late := h.connect(t)
	late.Send("HELLO Late")
	assert.Equal(t, "HELLO Late", late.ReadLine(wait))
	assert.True(t, h.acceptor.IsRunning())
}

func TestSession_EvictionDeliversFinalMessage(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	c := h.connect(t)

	c.Send("HELLO Winner")
	assert.Equal(t, "HELLO Winner", c.ReadLine(wait))
	c.Send("PICKUP")
	assert.Equal(t, []string{"WIN"}, c.ExpectClosed(wait))

	require.Eventually(t, func() bool { return h.registry.Count() == 0 }, wait, 5*time.Millisecond)
	assert.Equal(t, 1, h.engine.removals(1))
}

func TestSession_EvictedSessionRunsNoQueuedCommands(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	c := h.connect(t)

	c.Send("HELLO Winner")
	assert.Equal(t, "HELLO Winner", c.ReadLine(wait))
	// One write, so the later lines are already buffered when PICKUP evicts.
	c.Send("PICKUP\nMOVE N\nSHOUT still here")
	assert.Equal(t, []string{"WIN"}, c.ExpectClosed(wait))

	require.Eventually(t, func() bool { return h.registry.Count() == 0 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"1 JOIN", "1 HELLO Winner", "1 PICKUP"}, h.engine.entries())
}

func TestSession_StopTearsDownIdleSessions(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	c := h.connect(t)

	h.acceptor.Stop()
	c.ExpectClosed(wait)
	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, 1, h.engine.removals(1))
}

func TestSession_RateLimitThrottlesWithoutDropping(t *testing.T) {
	h := newHarness(t, config.ServerConfig{RateLimit: 50, RateBurst: 1})
	c := h.connect(t)

	start := time.Now()
	c.Send("HELLO Slow")
	for i := 0; i < 4; i++ {
		c.Send("ENDTURN")
	}
	assert.Equal(t, "HELLO Slow", c.ReadLine(wait))
	assert.Equal(t, []string{"SUCCEED", "SUCCEED", "SUCCEED", "SUCCEED"}, c.ReadLines(4, wait))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestGenerateName(t *testing.T) {
	pattern := regexp.MustCompile(`^HUMAN-[0-9A-F]{1,16}$`)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name := GenerateName()
		require.Regexp(t, pattern, name)
		require.False(t, seen[name], "duplicate generated name %q", name)
		seen[name] = true
	}
}

func TestHandler_JoinFailureClosesConnection(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry := NewRegistry(logger, nil)
	handler := NewHandler(rejectingEngine{}, engine.NewLock(nil), registry, config.ServerConfig{}, nil, logger)

	conn, peer := pipe(t)
	err := handler.HandleSession(context.Background(), conn)
	assert.ErrorIs(t, err, engine.ErrDuplicatePlayer)
	assert.Equal(t, 0, registry.Count())

	_, err = peer.Read(make([]byte, 1))
	assert.Error(t, err)
}

type rejectingEngine struct{}

func (rejectingEngine) AddPlayer(engine.PlayerID) ([]protocol.Message, error) {
	return nil, engine.ErrDuplicatePlayer
}
func (rejectingEngine) RemovePlayer(engine.PlayerID) {}
func (rejectingEngine) ProcessCommand(engine.PlayerID, protocol.Command) []protocol.Message {
	return nil
}
