package protocol

import (
	"fmt"
	"strings"
)

// Direction is one of the four compass directions accepted by MOVE and ATTACK.
type Direction byte

// Compass directions as they appear on the wire.
const (
	North Direction = 'N'
	East  Direction = 'E'
	South Direction = 'S'
	West  Direction = 'W'
)

// Directions lists every valid direction.
var Directions = []Direction{North, East, South, West}

// ParseDirection parses a single-letter direction, case-insensitively.
//
// Postcondition: Returns a valid Direction or an error wrapping ErrMalformedArgument.
func ParseDirection(s string) (Direction, error) {
	s = strings.TrimSpace(s)
	if len(s) != 1 {
		return 0, fmt.Errorf("%w: direction %q", ErrMalformedArgument, s)
	}
	d := Direction(strings.ToUpper(s)[0])
	if !d.Valid() {
		return 0, fmt.Errorf("%w: direction %q", ErrMalformedArgument, s)
	}
	return d, nil
}

// Valid reports whether d is one of the four compass directions.
func (d Direction) Valid() bool {
	switch d {
	case North, East, South, West:
		return true
	}
	return false
}

// Delta returns the column and row offsets of one step in direction d.
// Rows grow southwards.
func (d Direction) Delta() (dx, dy int) {
	switch d {
	case North:
		return 0, -1
	case South:
		return 0, 1
	case East:
		return 1, 0
	case West:
		return -1, 0
	}
	return 0, 0
}

func (d Direction) String() string {
	return string(rune(d))
}

// Command is a validated client → server request.
type Command struct {
	// Verb is one of the client → server verbs.
	Verb string
	// Arg is the raw argument: the name for HELLO, the text for SHOUT.
	Arg string
	// Dir is set for MOVE and ATTACK.
	Dir Direction
}

// Message re-encodes the command for the wire.
func (c Command) Message() Message {
	switch c.Verb {
	case VerbMove, VerbAttack:
		return Message{Verb: c.Verb, Arg: c.Dir.String()}
	}
	return Message{Verb: c.Verb, Arg: c.Arg}
}

// ParseCommand validates a decoded line as a client command. Verbs are
// matched case-insensitively; arguments of argument-less verbs are ignored.
//
// Postcondition: Returns a Command, or an error wrapping ErrUnknownVerb or ErrMalformedArgument.
func ParseCommand(m Message) (Command, error) {
	verb := strings.ToUpper(strings.TrimSpace(m.Verb))
	switch verb {
	case VerbLook, VerbPickup, VerbEndTurn:
		return Command{Verb: verb}, nil
	case VerbHello:
		name := strings.TrimSpace(m.Arg)
		if name == "" {
			return Command{}, fmt.Errorf("%w: HELLO requires a name", ErrMalformedArgument)
		}
		return Command{Verb: verb, Arg: name}, nil
	case VerbShout:
		if strings.TrimSpace(m.Arg) == "" {
			return Command{}, fmt.Errorf("%w: SHOUT requires text", ErrMalformedArgument)
		}
		return Command{Verb: verb, Arg: m.Arg}, nil
	case VerbMove, VerbAttack:
		d, err := ParseDirection(m.Arg)
		if err != nil {
			return Command{}, err
		}
		return Command{Verb: verb, Dir: d}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownVerb, m.Verb)
}
