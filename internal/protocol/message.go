// Package protocol implements the line-oriented text protocol spoken between
// dungeon clients and the server: verb vocabulary, message encoding, framed
// multi-line decoding, and a verb dispatch table shared by both sides.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Client → server verbs. HELLO and ENDTURN are also sent server → client.
const (
	VerbHello   = "HELLO"
	VerbLook    = "LOOK"
	VerbMove    = "MOVE"
	VerbAttack  = "ATTACK"
	VerbPickup  = "PICKUP"
	VerbShout   = "SHOUT"
	VerbEndTurn = "ENDTURN"
)

// Server → client verbs.
const (
	VerbGold        = "GOLD"
	VerbWin         = "WIN"
	VerbLose        = "LOSE"
	VerbChange      = "CHANGE"
	VerbStartTurn   = "STARTTURN"
	VerbHitMod      = "HITMOD"
	VerbTreasureMod = "TREASUREMOD"
	VerbMessage     = "MESSAGE"
	VerbSucceed     = "SUCCEED"
	VerbFail        = "FAIL"
	VerbLookReply   = "LOOKREPLY"
	VerbRenderHint  = "RENDERHINT"
)

// Sentinel errors for protocol-level failures. None of them is fatal to a
// connection; readers log and discard the offending input.
var (
	ErrUnknownVerb       = errors.New("unknown verb")
	ErrMalformedArgument = errors.New("malformed argument")
	ErrMalformedFrame    = errors.New("malformed frame")
)

// ChatSeparator separates sender from body in a MESSAGE argument.
const ChatSeparator = ":"

// Message is one decoded protocol unit.
//
// Body holds the raw frame lines that follow the header line for the framed
// verbs LOOKREPLY and RENDERHINT; it is nil for every other verb.
type Message struct {
	Verb string
	Arg  string
	Body []string
}

// Parse splits a single line into verb and argument at the first space.
// The argument is kept verbatim, including further spaces.
//
// Postcondition: Returns a Message with a nil Body. An empty line yields an empty Verb.
func Parse(line string) Message {
	line = strings.TrimRight(line, "\r\n")
	verb, arg, _ := strings.Cut(line, " ")
	return Message{Verb: verb, Arg: arg}
}

// Header returns the first wire line of the message.
func (m Message) Header() string {
	if m.Arg == "" {
		return m.Verb
	}
	return m.Verb + " " + m.Arg
}

// Lines returns every wire line of the message: the header followed by the
// frame body, in order.
//
// Postcondition: len(result) == 1 + len(m.Body).
func (m Message) Lines() []string {
	lines := make([]string, 0, 1+len(m.Body))
	lines = append(lines, m.Header())
	return append(lines, m.Body...)
}

// String returns the header line only; frame bodies are never logged.
func (m Message) String() string {
	return m.Header()
}

// IsFramed reports whether the verb carries a multi-line body.
func IsFramed(verb string) bool {
	return verb == VerbLookReply || verb == VerbRenderHint
}

// Hello acknowledges (server) or declares (client) a player name.
func Hello(name string) Message { return Message{Verb: VerbHello, Arg: name} }

// Gold announces the amount of gold needed to win.
func Gold(n int) Message { return Message{Verb: VerbGold, Arg: strconv.Itoa(n)} }

// Win tells the player they won.
func Win() Message { return Message{Verb: VerbWin} }

// Lose tells the player they lost.
func Lose() Message { return Message{Verb: VerbLose} }

// Change notifies that the shared map changed.
func Change() Message { return Message{Verb: VerbChange} }

// StartTurn notifies the player that their turn began.
func StartTurn() Message { return Message{Verb: VerbStartTurn} }

// EndTurn ends the current turn (client) or notifies that it ended (server).
func EndTurn() Message { return Message{Verb: VerbEndTurn} }

// HitMod adjusts the player's hit points by n.
func HitMod(n int) Message { return Message{Verb: VerbHitMod, Arg: fmt.Sprintf("%+d", n)} }

// TreasureMod adjusts the player's gold held by n.
func TreasureMod(n int) Message { return Message{Verb: VerbTreasureMod, Arg: fmt.Sprintf("%+d", n)} }

// Chat carries a shouted message from sender.
func Chat(sender, text string) Message {
	return Message{Verb: VerbMessage, Arg: sender + ChatSeparator + text}
}

// Succeed acknowledges a successful action.
func Succeed() Message { return Message{Verb: VerbSucceed} }

// Fail rejects an action with a human-readable reason.
func Fail(reason string) Message { return Message{Verb: VerbFail, Arg: reason} }

// Look requests a LOOKREPLY.
func Look() Message { return Message{Verb: VerbLook} }

// Move requests a single step in direction d.
func Move(d Direction) Message { return Message{Verb: VerbMove, Arg: d.String()} }

// Attack requests an attack on the neighbouring cell in direction d.
func Attack(d Direction) Message { return Message{Verb: VerbAttack, Arg: d.String()} }

// Pickup requests picking up the item under the player.
func Pickup() Message { return Message{Verb: VerbPickup} }

// Shout broadcasts text to every player.
func Shout(text string) Message { return Message{Verb: VerbShout, Arg: text} }

// LookReply frames a square visibility grid, one row per body line.
//
// Precondition: rows is non-empty and every row has len(rows) cells.
func LookReply(rows []string) Message {
	body := make([]string, len(rows))
	copy(body, rows)
	return Message{Verb: VerbLookReply, Body: body}
}

// SplitChat splits a MESSAGE argument into sender and body at the first
// separator. The body may itself contain separators.
//
// Postcondition: ok is false when arg has no separator.
func SplitChat(arg string) (sender, body string, ok bool) {
	return strings.Cut(arg, ChatSeparator)
}

// ParseSignedInt parses a numeric argument such as "+1", "-2" or "10".
func ParseSignedInt(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(arg), "+"))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrMalformedArgument, arg)
	}
	return n, nil
}
