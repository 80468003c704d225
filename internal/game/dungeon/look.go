package dungeon

import (
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

// visible reports whether an offset lies inside the rounded view of radius r.
func visible(dx, dy, r int) bool {
	return abs(dx)+abs(dy) <= r+r/2
}

// look renders the view of p: a square grid centred on the player and the
// render hints for every player inside it, the viewer first.
//
// Postcondition: len(rows) == 2*p.LookRadius()+1 and every row has that many cells.
func (e *Engine) look(p *Player) (rows []string, hints []protocol.RenderHint) {
	r := p.LookRadius()
	size := 2*r + 1

	occupant := make(map[[2]int]*Player, len(e.order))
	for _, id := range e.order {
		other := e.players[id]
		occupant[[2]int{other.X, other.Y}] = other
	}

	hints = append(hints, protocol.RenderHint{
		Facing: p.Facing,
		Vitals: true,
		HP:     p.HP,
		AP:     p.AP,
	})

	rows = make([]string, size)
	for dy := -r; dy <= r; dy++ {
		row := make([]byte, size)
		for dx := -r; dx <= r; dx++ {
			x, y := p.X+dx, p.Y+dy
			cell := TileOutside
			if visible(dx, dy, r) {
				cell = e.world.At(x, y)
				if other, ok := occupant[[2]int{x, y}]; ok && other != p {
					cell = TilePlayer
				}
			}
			row[dx+r] = cell
		}
		rows[dy+r] = string(row)
	}

	for _, id := range e.order {
		other := e.players[id]
		dx, dy := other.X-p.X, other.Y-p.Y
		if other == p || abs(dx) > r || abs(dy) > r || !visible(dx, dy, r) {
			continue
		}
		hints = append(hints, protocol.RenderHint{DX: dx, DY: dy, Facing: other.Facing})
	}
	return rows, hints
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
