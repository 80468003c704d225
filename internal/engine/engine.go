// Package engine defines the boundary between the network layer and the
// authoritative game rules, and the single lock that serializes all access to
// them.
package engine

import (
	"errors"

	"github.com/cory-johannsen/dungeon/internal/protocol"
)

// PlayerID identifies one connected player. IDs are assigned by the session
// registry and never reused within a process.
type PlayerID uint64

// NoPlayer is the zero PlayerID. Broadcast(NoPlayer, ...) reaches everybody.
const NoPlayer PlayerID = 0

// ErrDuplicatePlayer is returned by AddPlayer for an ID already in the game.
var ErrDuplicatePlayer = errors.New("player already in game")

// Engine owns the authoritative game state.
//
// Every method must be called while holding the Lock; implementations are
// not required to be safe for concurrent use and must not call back into the
// Lock.
type Engine interface {
	// AddPlayer admits a newly connected player.
	//
	// Postcondition: Returns the messages to deliver to the new player, or an
	// error if the player cannot join.
	AddPlayer(id PlayerID) ([]protocol.Message, error)

	// RemovePlayer removes a player. It must be idempotent: removing an
	// unknown or already removed player is a no-op.
	RemovePlayer(id PlayerID)

	// ProcessCommand applies one validated command for player id.
	//
	// Postcondition: Returns the replies for the issuer, in order. Messages
	// for other players are pushed through the Notifier before returning.
	ProcessCommand(id PlayerID, cmd protocol.Command) []protocol.Message
}

// Notifier delivers engine-originated messages to connected players.
// It is implemented by the session registry and called by the engine while
// the Lock is held.
type Notifier interface {
	// Send writes msgs to one player as a single atomic unit.
	Send(id PlayerID, msgs ...protocol.Message)
	// Broadcast writes msgs to every player except the given one.
	Broadcast(except PlayerID, msgs ...protocol.Message)
	// Evict asks for the player's session to be torn down once its pending
	// output has been written.
	Evict(id PlayerID)
}
