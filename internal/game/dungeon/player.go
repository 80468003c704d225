package dungeon

import (
	"github.com/cory-johannsen/dungeon/internal/engine"
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

const (
	// StartingHitPoints is the health of a newly joined player.
	StartingHitPoints = 3
	// BaseActionPoints is the per-turn allowance before item weight.
	BaseActionPoints = 6
	// HitChance is the percent chance that an attack lands.
	HitChance = 75

	lookRadius        = 2
	lanternLookRadius = 3
)

// Player is one participant's state.
type Player struct {
	ID     engine.PlayerID
	Name   string
	X, Y   int
	Facing protocol.Direction
	HP     int
	Gold   int
	AP     int

	Sword   bool
	Armour  bool
	Lantern bool
}

func newPlayer(id engine.PlayerID, x, y int) *Player {
	return &Player{
		ID:     id,
		X:      x,
		Y:      y,
		Facing: protocol.South,
		HP:     StartingHitPoints,
	}
}

// Items returns the number of items carried.
func (p *Player) Items() int {
	n := 0
	for _, held := range []bool{p.Sword, p.Armour, p.Lantern} {
		if held {
			n++
		}
	}
	return n
}

// MaxAP returns the action points granted at the start of a turn.
//
// Postcondition: result >= 1.
func (p *Player) MaxAP() int {
	return max(BaseActionPoints-p.Items(), 1)
}

// LookRadius returns how far the player can see.
func (p *Player) LookRadius() int {
	if p.Lantern {
		return lanternLookRadius
	}
	return lookRadius
}

// label names the player in chat before and after HELLO.
func (p *Player) label() string {
	if p.Name != "" {
		return p.Name
	}
	return "player"
}
