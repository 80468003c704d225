package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/dungeon/internal/config"
	"github.com/cory-johannsen/dungeon/internal/engine"
	"github.com/cory-johannsen/dungeon/internal/frontend/tcp"
	"github.com/cory-johannsen/dungeon/internal/observability"
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

// nameAttempts bounds how many generated names are offered to the engine
// before a command is applied without a confirmed name.
const nameAttempts = 3

// Session is the server side of one client connection.
type Session struct {
	id     engine.PlayerID
	conn   *tcp.Conn
	logger *zap.Logger

	mu   sync.Mutex
	name string

	evicted  atomic.Bool
	tearDown sync.Once
}

func newSession(id engine.PlayerID, conn *tcp.Conn, logger *zap.Logger) *Session {
	return &Session{
		id:   id,
		conn: conn,
		logger: logger.With(
			observability.SessionField(uint64(id)),
			zap.String("remote_addr", conn.RemoteAddr().String()),
		),
	}
}

// ID returns the player id of the session.
func (s *Session) ID() engine.PlayerID { return s.id }

// Name returns the engine-confirmed player name, or "" before one is set.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Evicted reports whether the engine asked for this session to end.
func (s *Session) Evicted() bool { return s.evicted.Load() }

func (s *Session) write(msgs ...protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.conn.WriteMessage(msgs...)
}

func (s *Session) evict() {
	if s.evicted.CompareAndSwap(false, true) {
		s.logger.Debug("session evicted")
		s.conn.InterruptRead()
	}
}

// GenerateName returns a fresh name of the form HUMAN-<hex> derived from a
// random UUID.
func GenerateName() string {
	u := uuid.New()
	return fmt.Sprintf("HUMAN-%X", binary.BigEndian.Uint64(u[8:]))
}

// Option configures a Handler.
type Option func(*Handler)

// WithNameGenerator replaces GenerateName for synthesised identities.
func WithNameGenerator(gen func() string) Option {
	return func(h *Handler) { h.names = gen }
}

// Handler runs one Session per accepted connection. It implements
// tcp.SessionHandler.
type Handler struct {
	engine   engine.Engine
	lock     *engine.Lock
	registry *Registry
	cfg      config.ServerConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
	names    func() string
}

var _ tcp.SessionHandler = (*Handler)(nil)

// NewHandler wires a Handler. metrics may be nil.
//
// Precondition: eng, lock, registry and logger must be non-nil.
// Postcondition: Returns a Handler ready to be passed to tcp.NewAcceptor.
func NewHandler(eng engine.Engine, lock *engine.Lock, registry *Registry, cfg config.ServerConfig, metrics *observability.Metrics, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		engine:   eng,
		lock:     lock,
		registry: registry,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		names:    GenerateName,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleSession joins the player to the game, runs the command loop until
// the connection ends, and tears the session down.
//
// Postcondition: The player is removed from the engine and the registry, the
// connection is closed and the remaining sessions have been sent CHANGE.
// Returns nil on a clean end (EOF, eviction).
func (h *Handler) HandleSession(ctx context.Context, conn *tcp.Conn) error {
	s := newSession(h.registry.NextID(), conn, h.logger)

	stop := context.AfterFunc(ctx, conn.InterruptRead)
	defer stop()

	joined, err := h.join(ctx, s)
	defer h.teardown(s, joined)
	if err != nil {
		return err
	}
	h.metrics.SessionOpened()
	defer h.metrics.SessionClosed()

	s.logger.Info("player joined")
	return h.run(ctx, s)
}

func (h *Handler) join(ctx context.Context, s *Session) (bool, error) {
	var joinErr error
	joined := false
	err := h.lock.Do(ctx, func() {
		if err := h.registry.Add(s); err != nil {
			joinErr = err
			return
		}
		msgs, err := h.engine.AddPlayer(s.id)
		if err != nil {
			h.registry.Remove(s.id)
			joinErr = fmt.Errorf("adding player %d: %w", s.id, err)
			return
		}
		joined = true
		if err := s.write(msgs...); err != nil {
			s.logger.Debug("writing join messages", zap.Error(err))
		}
		h.registry.Broadcast(s.id, protocol.Change())
	})
	if err != nil {
		return false, err
	}
	return joined, joinErr
}

func (h *Handler) run(ctx context.Context, s *Session) error {
	var limiter *rate.Limiter
	if h.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		line, readErr := s.conn.ReadLine()
		if s.Evicted() {
			return nil
		}
		if line != "" {
			if err := h.handleLine(ctx, s, line); err != nil {
				return err
			}
		}
		if readErr != nil {
			return h.readEnded(ctx, s, readErr)
		}
		if s.Evicted() {
			return nil
		}
	}
}

func (h *Handler) readEnded(ctx context.Context, s *Session, err error) error {
	switch {
	case s.Evicted():
		return nil
	case errors.Is(err, io.EOF):
		s.logger.Info("client disconnected")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return fmt.Errorf("reading from session %d: %w", s.id, err)
}

// handleLine decodes one inbound line and applies it. Protocol errors are
// ignored; only a lock failure is returned.
func (h *Handler) handleLine(ctx context.Context, s *Session, line string) error {
	msg := protocol.Parse(line)
	if msg.Verb == "" {
		h.ignore(s, "empty", line, nil)
		return nil
	}
	cmd, err := protocol.ParseCommand(msg)
	if err != nil {
		reason := "malformed_argument"
		if errors.Is(err, protocol.ErrUnknownVerb) {
			reason = "unknown_verb"
		}
		h.ignore(s, reason, line, err)
		return nil
	}

	return h.lock.Do(ctx, func() {
		h.apply(s, cmd)
	})
}

func (h *Handler) ignore(s *Session, reason, line string, err error) {
	h.metrics.LineIgnored(reason)
	s.logger.Debug("ignoring line",
		zap.String("reason", reason),
		zap.String("line", line),
		zap.Error(err),
	)
}

// apply runs one command against the engine. The caller holds the lock.
func (h *Handler) apply(s *Session, cmd protocol.Command) {
	if cmd.Verb != protocol.VerbHello && s.Name() == "" {
		h.assignName(s)
	}

	replies := h.engine.ProcessCommand(s.id, cmd)
	if cmd.Verb == protocol.VerbHello {
		h.recordName(s, replies)
	}
	h.metrics.CommandApplied(cmd.Verb)
	s.logger.Debug("command applied",
		zap.String("verb", cmd.Verb),
		zap.Int("replies", len(replies)),
	)

	if err := s.write(replies...); err != nil {
		s.logger.Debug("writing replies", zap.Error(err))
	}
}

// assignName offers generated names to the engine until one is accepted.
// The caller holds the lock.
func (h *Handler) assignName(s *Session) {
	for attempt := 0; attempt < nameAttempts; attempt++ {
		hello := protocol.Command{Verb: protocol.VerbHello, Arg: h.names()}
		replies := h.engine.ProcessCommand(s.id, hello)
		h.metrics.CommandApplied(protocol.VerbHello)
		if err := s.write(replies...); err != nil {
			s.logger.Debug("writing generated hello", zap.Error(err))
		}
		if h.recordName(s, replies) {
			return
		}
	}
	s.logger.Warn("engine rejected generated names", zap.Int("attempts", nameAttempts))
}

// recordName stores the name confirmed by a HELLO reply.
func (h *Handler) recordName(s *Session, replies []protocol.Message) bool {
	for _, m := range replies {
		if m.Verb == protocol.VerbHello && m.Arg != "" {
			s.setName(m.Arg)
			s.logger = s.logger.With(zap.String("player", m.Arg))
			return true
		}
	}
	return false
}

func (h *Handler) teardown(s *Session, joined bool) {
	s.tearDown.Do(func() { h.closeSession(s, joined) })
}

func (h *Handler) closeSession(s *Session, joined bool) {
	if joined {
		// Teardown must run even when the session context is already done.
		err := h.lock.Do(context.Background(), func() {
			h.engine.RemovePlayer(s.id)
			h.registry.Remove(s.id)
			h.registry.Broadcast(s.id, protocol.Change())
		})
		if err != nil {
			s.logger.Error("removing player", zap.Error(err))
		}
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("closing connection", zap.Error(err))
	}
	s.logger.Info("session closed", zap.Bool("evicted", s.Evicted()))
}
