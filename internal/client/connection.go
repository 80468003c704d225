// Package client implements the client side of the dungeon protocol: a
// Connection with one receive goroutine that keeps a cache of the player's
// state, and synchronous queries correlated with their replies.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dungeon/internal/frontend/tcp"
	"github.com/cory-johannsen/dungeon/internal/observability"
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

// ErrConnectionClosed is returned by every operation on a Connection whose
// receive loop has ended, and by pending requests when it ends.
var ErrConnectionClosed = errors.New("connection closed")

// errGameOver stops the receive loop after WIN or LOSE.
var errGameOver = errors.New("game over")

const defaultWriteTimeout = 10 * time.Second

// Option configures a Connection.
type Option func(*Connection)

// WithUI sets the event sink. The default is NopUI.
func WithUI(ui UI) Option {
	return func(c *Connection) { c.ui = ui }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// WithWriteTimeout bounds every write. 0 disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) { c.writeTimeout = d }
}

type lookResult struct {
	grid [][]byte
	err  error
}

type pendingLook struct {
	seq  uint64
	done chan lookResult
}

// Connection is one client connection to a dungeon server.
//
// Invariant: only the receive goroutine mutates the cached State.
// Invariant: pending LOOK requests are queued in wire order and completed
// in that order, one per LOOKREPLY.
type Connection struct {
	conn         *tcp.Conn
	ui           UI
	logger       *zap.Logger
	writeTimeout time.Duration
	table        *protocol.Table

	// sendMu orders every write and every change to usable and pending.
	sendMu  sync.Mutex
	usable  atomic.Bool
	nextSeq uint64

	pendMu  sync.Mutex
	pending []*pendingLook

	stateMu sync.RWMutex
	state   State

	userClosed atomic.Bool
	done       chan struct{}
	exitErr    error
}

// Dial connects to addr and starts the receive loop.
//
// Postcondition: Returns a usable Connection, or the dial error.
func Dial(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return New(raw, opts...), nil
}

// New wraps an established connection and starts the receive loop.
//
// Precondition: raw must be open; the Connection takes ownership of it.
func New(raw net.Conn, opts ...Option) *Connection {
	c := &Connection{
		ui:           NopUI{},
		logger:       zap.NewNop(),
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
		state:        State{HitPoints: StartingHitPoints},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.conn = tcp.NewConn(raw, 0, c.writeTimeout)
	c.table = c.newTable()
	c.usable.Store(true)

	c.ui.SetConnected(true)
	go c.loop()
	return c
}

func (c *Connection) newTable() *protocol.Table {
	t := protocol.NewTable()
	t.MustRegister(protocol.VerbHello, c.onHello)
	t.MustRegister(protocol.VerbGold, c.onGold)
	t.MustRegister(protocol.VerbWin, func(protocol.Message) error { return c.onGameOver(true) })
	t.MustRegister(protocol.VerbLose, func(protocol.Message) error { return c.onGameOver(false) })
	t.MustRegister(protocol.VerbChange, c.onChange)
	t.MustRegister(protocol.VerbStartTurn, func(protocol.Message) error { return c.onTurn(true) })
	t.MustRegister(protocol.VerbEndTurn, func(protocol.Message) error { return c.onTurn(false) })
	t.MustRegister(protocol.VerbHitMod, c.onHitMod)
	t.MustRegister(protocol.VerbTreasureMod, c.onTreasureMod)
	t.MustRegister(protocol.VerbMessage, c.onMessage)
	t.MustRegister(protocol.VerbSucceed, func(protocol.Message) error { return nil })
	t.MustRegister(protocol.VerbFail, c.onFail)
	t.MustRegister(protocol.VerbLookReply, c.onLookReply)
	t.MustRegister(protocol.VerbRenderHint, c.onRenderHint)
	return t
}

// loop is the receive goroutine.
func (c *Connection) loop() {
	defer close(c.done)

	err := c.receive()

	c.sendMu.Lock()
	c.usable.Store(false)
	c.sendMu.Unlock()
	c.failPending()
	_ = c.conn.Close()

	c.exitErr = err
	switch {
	case errors.Is(err, errGameOver):
		c.logger.Info("game over", zap.Bool("won", c.State().Won))
	case c.userClosed.Load():
		c.logger.Debug("connection closed by user")
	default:
		c.logger.Warn("connection lost", zap.Error(err))
		c.ui.ShowErrorMessage(LostConnectionTitle, LostConnectionText)
	}
	c.ui.SetConnected(false)
}

func (c *Connection) receive() error {
	dec := protocol.NewDecoder(c.conn)
	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				c.logger.Debug("discarding malformed frame", zap.String("verb", msg.Verb), zap.Error(err))
				if msg.Verb == protocol.VerbLookReply {
					c.failHead(fmt.Errorf("reading LOOKREPLY: %w", err))
				}
				continue
			}
			return err
		}

		err = c.table.Dispatch(msg)
		switch {
		case err == nil:
		case errors.Is(err, errGameOver):
			return err
		default:
			c.logger.Debug("ignoring message",
				append(observability.MessageFields(msg), zap.Error(err))...,
			)
		}
	}
}

func (c *Connection) updateState(fn func(*State)) {
	c.stateMu.Lock()
	fn(&c.state)
	c.stateMu.Unlock()
}

func (c *Connection) onHello(m protocol.Message) error {
	c.updateState(func(s *State) { s.Name = m.Arg })
	c.ui.SetName(m.Arg)
	return nil
}

func (c *Connection) onGold(m protocol.Message) error {
	n, err := protocol.ParseSignedInt(m.Arg)
	if err != nil {
		return err
	}
	c.updateState(func(s *State) { s.GoldNeeded = n })
	return nil
}

func (c *Connection) onGameOver(won bool) error {
	c.updateState(func(s *State) {
		s.Finished = true
		s.Won = won
	})
	c.ui.GameOver(won)
	return errGameOver
}

func (c *Connection) onChange(protocol.Message) error {
	c.updateState(func(s *State) { s.Grid = nil })
	c.ui.MapChanged()
	return nil
}

func (c *Connection) onTurn(mine bool) error {
	c.updateState(func(s *State) { s.MyTurn = mine })
	c.ui.TurnChanged(mine)
	return nil
}

func (c *Connection) onHitMod(m protocol.Message) error {
	n, err := protocol.ParseSignedInt(m.Arg)
	if err != nil {
		return err
	}
	c.updateState(func(s *State) { s.HitPoints += n })
	return nil
}

func (c *Connection) onTreasureMod(m protocol.Message) error {
	n, err := protocol.ParseSignedInt(m.Arg)
	if err != nil {
		return err
	}
	c.updateState(func(s *State) { s.GoldHeld += n })
	return nil
}

func (c *Connection) onMessage(m protocol.Message) error {
	if m.Arg == "" {
		return nil
	}
	c.ui.ReceiveMessage(m.Arg)
	return nil
}

func (c *Connection) onFail(m protocol.Message) error {
	c.ui.CommandFailed(m.Arg)
	return nil
}

func (c *Connection) onLookReply(m protocol.Message) error {
	grid := gridFromRows(m.Body)
	c.updateState(func(s *State) { s.Grid = grid })

	if head := c.popPending(); head != nil {
		head.done <- lookResult{grid: cloneGrid(grid)}
	}
	return nil
}

// popPending removes the oldest pending LOOK, or returns nil.
func (c *Connection) popPending() *pendingLook {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	head := c.pending[0]
	c.pending = c.pending[1:]
	return head
}

// failHead completes the oldest pending LOOK with err. A LOOKREPLY that could
// not be decoded still answers one request.
func (c *Connection) failHead(err error) {
	if head := c.popPending(); head != nil {
		head.done <- lookResult{err: err}
	}
}

func (c *Connection) onRenderHint(m protocol.Message) error {
	hints, skipped := protocol.DecodeRenderHints(m)
	if skipped > 0 {
		c.logger.Debug("skipped malformed render hints", zap.Int("skipped", skipped))
	}

	var grid [][]byte
	var myTurn bool
	c.updateState(func(s *State) {
		s.Hints = hints
		grid = cloneGrid(s.Grid)
		myTurn = s.MyTurn
	})
	c.ui.UpdateGUI(grid, hints, myTurn)
	return nil
}

func (c *Connection) failPending() {
	c.pendMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendMu.Unlock()

	for _, p := range pending {
		p.done <- lookResult{err: ErrConnectionClosed}
	}
}

// send writes one message.
func (c *Connection) send(m protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.usable.Load() {
		return ErrConnectionClosed
	}
	if err := c.conn.WriteMessage(m); err != nil {
		return fmt.Errorf("sending %s: %w", m.Verb, err)
	}
	return nil
}

// enqueueLook registers a pending request and sends LOOK, in that order,
// under the send lock.
func (c *Connection) enqueueLook() (*pendingLook, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.usable.Load() {
		return nil, ErrConnectionClosed
	}

	c.nextSeq++
	p := &pendingLook{seq: c.nextSeq, done: make(chan lookResult, 1)}
	c.pendMu.Lock()
	c.pending = append(c.pending, p)
	c.pendMu.Unlock()

	if err := c.conn.WriteMessage(protocol.Look()); err != nil {
		c.dropPending(p.seq)
		return nil, fmt.Errorf("sending LOOK: %w", err)
	}
	return p, nil
}

func (c *Connection) dropPending(seq uint64) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for i, p := range c.pending {
		if p.seq == seq {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Look sends LOOK and blocks until the matching LOOKREPLY arrives.
//
// Postcondition: Returns a fresh grid (never nil), or ErrConnectionClosed if
// the connection ended first, or an error wrapping protocol.ErrMalformedFrame
// if the reply could not be decoded, or ctx.Err(). A request abandoned through ctx
// still consumes its reply.
func (c *Connection) Look(ctx context.Context) ([][]byte, error) {
	p, err := c.enqueueLook()
	if err != nil {
		return nil, err
	}
	select {
	case res := <-p.done:
		return res.grid, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestLook sends LOOK without waiting. The reply refreshes the cache and
// the RENDERHINT that follows it reaches UI.UpdateGUI.
func (c *Connection) RequestLook() error {
	_, err := c.enqueueLook()
	return err
}

// Grid returns the cached grid, performing a Look when the cache was
// invalidated.
//
// Postcondition: Returns a non-nil grid or an error.
func (c *Connection) Grid(ctx context.Context) ([][]byte, error) {
	c.stateMu.RLock()
	grid := cloneGrid(c.state.Grid)
	c.stateMu.RUnlock()
	if grid != nil {
		return grid, nil
	}
	return c.Look(ctx)
}

// Hello asks the server to use name.
func (c *Connection) Hello(name string) error { return c.send(protocol.Hello(name)) }

// Move asks to move one tile.
func (c *Connection) Move(d protocol.Direction) error { return c.send(protocol.Move(d)) }

// Attack attacks the neighbouring tile.
func (c *Connection) Attack(d protocol.Direction) error { return c.send(protocol.Attack(d)) }

// Pickup picks up the item on the current tile.
func (c *Connection) Pickup() error { return c.send(protocol.Pickup()) }

// Shout sends text to every player.
func (c *Connection) Shout(text string) error { return c.send(protocol.Shout(text)) }

// EndTurn gives up the rest of the turn.
func (c *Connection) EndTurn() error { return c.send(protocol.EndTurn()) }

// State returns a snapshot of the cached state.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state.clone()
}

// Name returns the server-confirmed player name.
func (c *Connection) Name() string { return c.State().Name }

// HitPoints returns the current hit points.
func (c *Connection) HitPoints() int { return c.State().HitPoints }

// GoldHeld returns the gold collected so far.
func (c *Connection) GoldHeld() int { return c.State().GoldHeld }

// GoldNeeded returns the gold required to win.
func (c *Connection) GoldNeeded() int { return c.State().GoldNeeded }

// IsMyTurn reports whether it is this player's turn.
func (c *Connection) IsMyTurn() bool { return c.State().MyTurn }

// RenderHints returns the last render hints.
func (c *Connection) RenderHints() []protocol.RenderHint { return c.State().Hints }

// Finished reports whether the game ended with WIN or LOSE.
func (c *Connection) Finished() bool { return c.State().Finished }

// Usable reports whether the receive loop is still running.
func (c *Connection) Usable() bool { return c.usable.Load() }

// Done is closed when the receive loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the reason the receive loop ended. It is valid after Done is
// closed.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.exitErr
	default:
		return nil
	}
}

// Close disconnects without raising the lost connection notice. It does not
// wait for the receive loop; use Done for that. Safe to call from a UI
// callback and more than once.
func (c *Connection) Close() error {
	c.userClosed.Store(true)
	return c.conn.Close()
}
