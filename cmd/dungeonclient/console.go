package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cory-johannsen/dungeon/internal/client"
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

const help = `Commands:
  w a s d        move north, west, south, east
  e              pick up
  look           show the surroundings
  end            end your turn
  attack <dir>   attack n, e, s or w
  say <text>     shout to every player
  quit           leave the game
`

// errQuit is returned by execute for the quit command.
var errQuit = errors.New("quit")

// commander is the part of client.Connection the console drives.
type commander interface {
	Move(d protocol.Direction) error
	Attack(d protocol.Direction) error
	Pickup() error
	EndTurn() error
	Shout(text string) error
	RequestLook() error
}

var moveKeys = map[string]protocol.Direction{
	"w": protocol.North,
	"a": protocol.West,
	"s": protocol.South,
	"d": protocol.East,
}

// execute runs one console line against c.
//
// Postcondition: Returns errQuit for quit, a usage error for unknown input,
// or the send error.
func execute(c commander, line string) error {
	word, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	word = strings.ToLower(word)
	rest = strings.TrimSpace(rest)

	if d, ok := moveKeys[word]; ok {
		return c.Move(d)
	}
	switch word {
	case "":
		return nil
	case "e":
		return c.Pickup()
	case "look":
		return c.RequestLook()
	case "end":
		return c.EndTurn()
	case "attack":
		d, err := protocol.ParseDirection(rest)
		if err != nil {
			return fmt.Errorf("attack needs a direction: %w", err)
		}
		return c.Attack(d)
	case "say":
		if rest == "" {
			return fmt.Errorf("say needs some text")
		}
		return c.Shout(rest)
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q, type help", word)
}

// consoleUI prints connection events as text.
type consoleUI struct {
	mu  sync.Mutex
	out io.Writer
}

var _ client.UI = (*consoleUI)(nil)

func newConsoleUI(out io.Writer) *consoleUI {
	return &consoleUI{out: out}
}

func (u *consoleUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

func (u *consoleUI) SetName(name string) { u.printf("You are %s.\n", name) }

func (u *consoleUI) SetConnected(connected bool) {
	if connected {
		u.printf("Connected.\n")
		return
	}
	u.printf("Disconnected.\n")
}

func (u *consoleUI) ReceiveMessage(text string) {
	sender, body, ok := protocol.SplitChat(text)
	if !ok {
		u.printf("%s\n", text)
		return
	}
	u.printf("<%s> %s\n", sender, body)
}

func (u *consoleUI) UpdateGUI(grid [][]byte, hints []protocol.RenderHint, myTurn bool) {
	if grid == nil {
		return
	}
	var b strings.Builder
	for _, row := range grid {
		b.Write(row)
		b.WriteByte('\n')
	}
	for _, h := range hints {
		if h.IsSelf() && h.Vitals {
			fmt.Fprintf(&b, "HP %d  AP %d  facing %s\n", h.HP, h.AP, h.Facing)
		}
	}
	if myTurn {
		b.WriteString("It is your turn.\n")
	}
	u.printf("%s", b.String())
}

func (u *consoleUI) TurnChanged(myTurn bool) {
	if myTurn {
		u.printf("Your turn.\n")
		return
	}
	u.printf("Turn over.\n")
}

func (u *consoleUI) CommandFailed(reason string) { u.printf("Failed: %s\n", reason) }

func (u *consoleUI) MapChanged() {}

func (u *consoleUI) GameOver(won bool) {
	if won {
		u.printf("You win!\n")
		return
	}
	u.printf("You lose.\n")
}

func (u *consoleUI) ShowErrorMessage(title, text string) {
	u.printf("%s: %s\n", title, text)
}
