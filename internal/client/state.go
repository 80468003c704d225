package client

import (
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

// StartingHitPoints is the hit point count every player joins with.
const StartingHitPoints = 3

// State is a snapshot of what the client knows about its player.
type State struct {
	Name       string
	HitPoints  int
	GoldHeld   int
	GoldNeeded int
	MyTurn     bool
	// Grid is the last LOOKREPLY, or nil after a CHANGE.
	Grid  [][]byte
	Hints []protocol.RenderHint
	// Finished is set by WIN or LOSE; Won tells which.
	Finished bool
	Won      bool
}

func (s State) clone() State {
	s.Grid = cloneGrid(s.Grid)
	s.Hints = append([]protocol.RenderHint(nil), s.Hints...)
	return s
}

func gridFromRows(rows []string) [][]byte {
	grid := make([][]byte, len(rows))
	for i, row := range rows {
		grid[i] = []byte(row)
	}
	return grid
}

func cloneGrid(grid [][]byte) [][]byte {
	if grid == nil {
		return nil
	}
	out := make([][]byte, len(grid))
	for i, row := range grid {
		out[i] = append([]byte(nil), row...)
	}
	return out
}
