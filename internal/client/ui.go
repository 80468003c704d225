package client

import "github.com/cory-johannsen/dungeon/internal/protocol"

// Title and text of the notice shown when the server goes away without
// ending the game.
const (
	LostConnectionTitle = "Connection lost"
	LostConnectionText  = "Disconnected from server."
)

// UI receives the events of one Connection. Every method is called from the
// receive goroutine and must not block for long; a UI that needs to query the
// server should use the asynchronous RequestLook rather than Look.
//
// Grids are row-major: grid[y][x], with y growing southwards.
type UI interface {
	// SetName reports the name confirmed by the server.
	SetName(name string)
	// SetConnected reports connection state changes.
	SetConnected(connected bool)
	// ReceiveMessage delivers a MESSAGE argument, "<sender>:<text>".
	ReceiveMessage(text string)
	// UpdateGUI delivers the latest grid, render hints and turn flag. grid
	// is nil when no valid grid is cached.
	UpdateGUI(grid [][]byte, hints []protocol.RenderHint, myTurn bool)
	// TurnChanged reports STARTTURN and ENDTURN.
	TurnChanged(myTurn bool)
	// CommandFailed reports a FAIL reply.
	CommandFailed(reason string)
	// MapChanged reports that the cached grid was invalidated.
	MapChanged()
	// GameOver reports WIN (won is true) or LOSE.
	GameOver(won bool)
	// ShowErrorMessage reports an unexpected disconnect.
	ShowErrorMessage(title, text string)
}

// NopUI ignores every event. Embed it to implement only part of UI.
type NopUI struct{}

func (NopUI) SetName(string) {}
func (NopUI) SetConnected(bool) {}
func (NopUI) ReceiveMessage(string) {}
func (NopUI) UpdateGUI([][]byte, []protocol.RenderHint, bool) {}
func (NopUI) TurnChanged(bool) {}
func (NopUI) CommandFailed(string) {}
func (NopUI) MapChanged() {}
func (NopUI) GameOver(bool) {}
func (NopUI) ShowErrorMessage(string, string) {}
