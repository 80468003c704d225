package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dungeon/internal/config"
)

// ErrNotListening is returned by Serve when Listen has not succeeded.
var ErrNotListening = errors.New("acceptor is not listening")

// SessionHandler processes one connected client.
// Implementations run the command loop for a single connection.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// ConnectionObserver is notified of every accepted connection.
type ConnectionObserver interface {
	ConnectionAccepted()
}

// Acceptor listens for TCP connections and hands each one to a
// SessionHandler on its own goroutine.
type Acceptor struct {
	cfg      config.ServerConfig
	handler  SessionHandler
	observer ConnectionObserver
	logger   *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an acceptor for cfg. observer may be nil.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready for Listen.
func NewAcceptor(cfg config.ServerConfig, handler SessionHandler, observer ConnectionObserver, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		handler:  handler,
		observer: observer,
		logger:   logger,
		quit:     make(chan struct{}),
	}
}

// Listen binds the listening socket. Failure here is the only fatal error
// of the network layer; callers are expected to exit.
//
// Postcondition: On success Addr reports the bound address.
func (a *Acceptor) Listen() error {
	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("dungeon acceptor listening",
		zap.String("addr", listener.Addr().String()),
	)
	return nil
}

// Serve accepts connections until Stop is called. Accepting never waits on
// the activity of existing sessions.
//
// Precondition: Listen must have succeeded.
// Postcondition: Returns nil after Stop.
func (a *Acceptor) Serve() error {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	if listener == nil {
		return ErrNotListening
	}

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Error("accepting connection", zap.Error(err))
			// Back off briefly so a persistent failure does not spin.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if a.observer != nil {
			a.observer.ConnectionAccepted()
		}
		a.wg.Add(1)
		go a.handleConn(raw)
	}
}

// ListenAndServe is Listen followed by Serve.
func (a *Acceptor) ListenAndServe() error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve()
}

func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	start := time.Now()
	addr := raw.RemoteAddr().String()

	a.logger.Info("client connected", zap.String("remote_addr", addr))

	conn := NewConn(raw, a.cfg.ReadTimeout, a.cfg.WriteTimeout)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.handler.HandleSession(ctx, conn); err != nil {
		a.logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	a.logger.Info("session ended cleanly",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop closes the listener, cancels every session context and waits for the
// sessions to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.quit)
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("dungeon acceptor stopped")
}

// Addr returns the listening address, or "" before Listen.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the acceptor is accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
