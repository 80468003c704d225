package dungeon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dungeon/internal/engine"
	"github.com/cory-johannsen/dungeon/internal/game/dice"
	"github.com/cory-johannsen/dungeon/internal/protocol"
	"github.com/cory-johannsen/dungeon/internal/storage/history"
)

// Failure reasons sent in FAIL replies.
const (
	ReasonNotYourTurn   = "it is not your turn"
	ReasonWall          = "there is a wall in the way"
	ReasonOccupied      = "another player is in the way"
	ReasonNobodyThere   = "there is nobody there"
	ReasonMissed        = "the attack missed"
	ReasonNothingHere   = "there is nothing here to pick up"
	ReasonAlreadyHeld   = "you already carry that item"
	ReasonNameInvalid   = "names must not be empty or contain ':'"
	ReasonNameTaken     = "that name is already taken"
	ReasonUnknownPlayer = "you are not in the game"
)

// ErrNoSpace is returned by AddPlayer when no free floor tile remains.
var ErrNoSpace = errors.New("no free floor tile")

// Recorder stores finished game outcomes. Record is called with the engine
// lock held and must not block; history.Writer queues instead.
type Recorder interface {
	Record(ctx context.Context, o history.Outcome) error
}

// GameObserver is told about every finished game.
type GameObserver interface {
	GameFinished(mapName string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder stores the outcome of every finished game.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithGameObserver reports finished games, typically to metrics.
func WithGameObserver(o GameObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock replaces time.Now for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine implements engine.Engine for the dungeon rules.
//
// Invariant: e.order lists every player in e.players exactly once, in join
// order; e.turn indexes the active player whenever e.order is non-empty.
type Engine struct {
	layout   *Map
	world    *Map
	notifier engine.Notifier
	roller   *dice.Roller
	logger   *zap.Logger

	recorder Recorder
	observer GameObserver
	now      func() time.Time

	players map[engine.PlayerID]*Player
	order   []engine.PlayerID
	turn    int
}

var _ engine.Engine = (*Engine)(nil)

// NewEngine creates an engine playing layout.
//
// Precondition: layout must be valid; notifier, roller and logger must be non-nil.
// Postcondition: Returns an Engine with no players. layout itself is never mutated.
func NewEngine(layout *Map, notifier engine.Notifier, roller *dice.Roller, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		layout:   layout,
		world:    layout.Clone(),
		notifier: notifier,
		roller:   roller,
		logger:   logger.With(zap.String("map", layout.Name)),
		now:      time.Now,
		players:  make(map[engine.PlayerID]*Player),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Map returns the current state of the world. Callers must hold the lock and
// must not modify it.
func (e *Engine) Map() *Map { return e.world }

// Player returns the player with id, or nil.
func (e *Engine) Player(id engine.PlayerID) *Player { return e.players[id] }

// Players returns the number of players in the game.
func (e *Engine) Players() int { return len(e.order) }

// Active returns the player whose turn it is, or nil when nobody is playing.
func (e *Engine) Active() *Player {
	if len(e.order) == 0 {
		return nil
	}
	return e.players[e.order[e.turn]]
}

// AddPlayer places a new player on a random free floor tile.
//
// Postcondition: The player is last in turn order. If it is the only player
// its turn has started and STARTTURN is returned.
func (e *Engine) AddPlayer(id engine.PlayerID) ([]protocol.Message, error) {
	if _, ok := e.players[id]; ok {
		return nil, engine.ErrDuplicatePlayer
	}
	free := e.freeTiles()
	if len(free) == 0 {
		return nil, ErrNoSpace
	}
	spot := free[e.roller.Intn(len(free), "spawn")]

	p := newPlayer(id, spot[0], spot[1])
	e.players[id] = p
	e.order = append(e.order, id)
	e.logger.Debug("player placed",
		zap.Uint64("player_id", uint64(id)),
		zap.Int("x", p.X),
		zap.Int("y", p.Y),
	)

	if len(e.order) == 1 {
		e.turn = 0
		p.AP = p.MaxAP()
		return []protocol.Message{protocol.StartTurn()}, nil
	}
	return nil, nil
}

// RemovePlayer drops a player. Removing an unknown player is a no-op.
//
// Postcondition: If the removed player held the turn, the next player's turn starts.
func (e *Engine) RemovePlayer(id engine.PlayerID) {
	e.removePlayer(id, id, nil)
}

// removePlayer drops id on behalf of issuer, whose pending replies are replies.
func (e *Engine) removePlayer(id, issuer engine.PlayerID, replies *[]protocol.Message) {
	idx := e.indexOf(id)
	if idx < 0 {
		return
	}
	delete(e.players, id)
	e.order = append(e.order[:idx], e.order[idx+1:]...)

	switch {
	case len(e.order) == 0:
		e.turn = 0
	case idx < e.turn:
		e.turn--
	case idx == e.turn:
		if e.turn >= len(e.order) {
			e.turn = 0
		}
		e.startTurn(issuer, replies)
	}
}

// ProcessCommand applies one command. The caller holds the engine lock.
func (e *Engine) ProcessCommand(id engine.PlayerID, cmd protocol.Command) []protocol.Message {
	p, ok := e.players[id]
	if !ok {
		return []protocol.Message{protocol.Fail(ReasonUnknownPlayer)}
	}

	var replies []protocol.Message
	switch cmd.Verb {
	case protocol.VerbHello:
		replies = e.hello(p, cmd.Arg)
	case protocol.VerbLook:
		rows, hints := e.look(p)
		replies = []protocol.Message{protocol.LookReply(rows), protocol.RenderHints(hints)}
	case protocol.VerbShout:
		replies = e.shout(p, cmd.Arg)
	case protocol.VerbMove, protocol.VerbAttack, protocol.VerbPickup, protocol.VerbEndTurn:
		if e.Active() != p {
			return []protocol.Message{protocol.Fail(ReasonNotYourTurn)}
		}
		replies = e.turnAction(p, cmd)
	default:
		e.logger.Warn("unhandled verb", zap.String("verb", cmd.Verb))
	}
	return replies
}

func (e *Engine) hello(p *Player, name string) []protocol.Message {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, protocol.ChatSeparator) {
		return []protocol.Message{protocol.Fail(ReasonNameInvalid)}
	}
	for _, other := range e.players {
		if other != p && strings.EqualFold(other.Name, name) {
			return []protocol.Message{protocol.Fail(ReasonNameTaken)}
		}
	}
	p.Name = name
	return []protocol.Message{protocol.Hello(name), protocol.Gold(e.world.Win)}
}

func (e *Engine) shout(p *Player, text string) []protocol.Message {
	var replies []protocol.Message
	e.broadcast(p.ID, &replies, protocol.Chat(p.label(), text))
	return replies
}

// turnAction runs a command that needs the turn and ends the turn when the
// player runs out of action points.
func (e *Engine) turnAction(p *Player, cmd protocol.Command) []protocol.Message {
	var replies []protocol.Message

	switch cmd.Verb {
	case protocol.VerbEndTurn:
		e.endTurn(p, &replies)
		return replies
	case protocol.VerbMove:
		if !e.move(p, cmd.Dir, &replies) {
			return replies
		}
		if t := e.world.At(p.X, p.Y); t == TileExit && p.Gold >= e.world.Win {
			e.finish(p, &replies)
			return replies
		}
	case protocol.VerbAttack:
		if !e.attack(p, cmd.Dir, &replies) {
			return replies
		}
	case protocol.VerbPickup:
		if !e.pickup(p, &replies) {
			return replies
		}
	}

	if p.AP <= 0 {
		e.endTurn(p, &replies)
	}
	return replies
}

func (e *Engine) move(p *Player, d protocol.Direction, replies *[]protocol.Message) bool {
	dx, dy := d.Delta()
	x, y := p.X+dx, p.Y+dy
	p.Facing = d

	if t := e.world.At(x, y); t == TileWall || t == TileOutside {
		*replies = append(*replies, protocol.Fail(ReasonWall))
		return false
	}
	if e.playerAt(x, y) != nil {
		*replies = append(*replies, protocol.Fail(ReasonOccupied))
		return false
	}

	p.X, p.Y = x, y
	p.AP--
	*replies = append(*replies, protocol.Succeed())
	e.broadcast(p.ID, replies, protocol.Change())
	return true
}

func (e *Engine) attack(p *Player, d protocol.Direction, replies *[]protocol.Message) bool {
	dx, dy := d.Delta()
	p.Facing = d
	target := e.playerAt(p.X+dx, p.Y+dy)
	if target == nil {
		*replies = append(*replies, protocol.Fail(ReasonNobodyThere))
		return false
	}

	p.AP--
	if !e.roller.Chance(HitChance, "attack") {
		*replies = append(*replies, protocol.Fail(ReasonMissed))
		return true
	}

	damage := 1
	if p.Sword {
		damage++
	}
	if target.Armour {
		damage--
	}
	damage = max(damage, 1)
	target.HP -= damage

	*replies = append(*replies, protocol.Succeed())
	e.send(p.ID, target.ID, replies, protocol.HitMod(-damage))
	e.logger.Debug("attack hit",
		zap.String("attacker", p.label()),
		zap.String("target", target.label()),
		zap.Int("damage", damage),
		zap.Int("target_hp", target.HP),
	)

	if target.HP <= 0 {
		e.kill(p, target, replies)
	}
	e.broadcast(p.ID, replies, protocol.Change())
	return true
}

// kill removes a defeated target, dropping its gold where it fell.
func (e *Engine) kill(attacker, target *Player, replies *[]protocol.Message) {
	if target.Gold > 0 && e.world.At(target.X, target.Y) == TileFloor {
		e.world.Set(target.X, target.Y, TileGold)
	}
	e.send(attacker.ID, target.ID, replies, protocol.Lose())
	e.notifier.Evict(target.ID)
	e.logger.Info("player killed",
		zap.String("attacker", attacker.label()),
		zap.String("target", target.label()),
	)
	e.removePlayer(target.ID, attacker.ID, replies)
}

func (e *Engine) pickup(p *Player, replies *[]protocol.Message) bool {
	var mod protocol.Message
	switch e.world.At(p.X, p.Y) {
	case TileGold:
		p.Gold++
		mod = protocol.TreasureMod(1)
	case TileHealth:
		p.HP++
		mod = protocol.HitMod(1)
	case TileSword, TileArmour, TileLantern:
		if !p.take(e.world.At(p.X, p.Y)) {
			*replies = append(*replies, protocol.Fail(ReasonAlreadyHeld))
			return false
		}
	default:
		*replies = append(*replies, protocol.Fail(ReasonNothingHere))
		return false
	}

	e.world.Set(p.X, p.Y, TileFloor)
	p.AP--
	*replies = append(*replies, protocol.Succeed())
	if mod.Verb != "" {
		*replies = append(*replies, mod)
	}
	e.broadcast(p.ID, replies, protocol.Change())
	return true
}

// take marks an item tile as carried. It reports false if already held.
func (p *Player) take(t byte) bool {
	held := map[byte]*bool{TileSword: &p.Sword, TileArmour: &p.Armour, TileLantern: &p.Lantern}[t]
	if held == nil || *held {
		return false
	}
	*held = true
	return true
}

func (e *Engine) endTurn(p *Player, replies *[]protocol.Message) {
	p.AP = 0
	*replies = append(*replies, protocol.EndTurn())
	e.turn = (e.turn + 1) % len(e.order)
	e.startTurn(p.ID, replies)
}

// startTurn grants the active player its action points and notifies it.
func (e *Engine) startTurn(issuer engine.PlayerID, replies *[]protocol.Message) {
	next := e.Active()
	if next == nil {
		return
	}
	next.AP = next.MaxAP()
	e.send(issuer, next.ID, replies, protocol.StartTurn())
}

// finish ends the game: the winner is told WIN, everybody else LOSE, every
// session is evicted and the world resets for the next game.
func (e *Engine) finish(winner *Player, replies *[]protocol.Message) {
	names := make([]string, 0, len(e.order))
	for _, id := range e.order {
		p := e.players[id]
		names = append(names, p.label())
		if p == winner {
			*replies = append(*replies, protocol.Win())
		} else {
			e.notifier.Send(id, protocol.Lose())
		}
		e.notifier.Evict(id)
	}

	outcome := history.Outcome{
		Winner:     winner.label(),
		Map:        e.layout.Name,
		Players:    names,
		FinishedAt: e.now().UTC(),
	}
	e.logger.Info("game finished",
		zap.String("winner", outcome.Winner),
		zap.Strings("players", names),
	)
	if e.observer != nil {
		e.observer.GameFinished(e.layout.Name)
	}
	if e.recorder != nil {
		if err := e.recorder.Record(context.Background(), outcome); err != nil {
			e.logger.Error("recording game outcome", zap.Error(err))
		}
	}

	e.reset()
}

func (e *Engine) reset() {
	e.world = e.layout.Clone()
	e.players = make(map[engine.PlayerID]*Player)
	e.order = nil
	e.turn = 0
}

// send delivers msgs to target, appending them to the issuer's replies when
// the target is the issuer so they keep their place in the reply order.
func (e *Engine) send(issuer, target engine.PlayerID, replies *[]protocol.Message, msgs ...protocol.Message) {
	if target == issuer && replies != nil {
		*replies = append(*replies, msgs...)
		return
	}
	e.notifier.Send(target, msgs...)
}

// broadcast delivers msgs to every player. The issuer's copy goes into its
// replies.
func (e *Engine) broadcast(issuer engine.PlayerID, replies *[]protocol.Message, msgs ...protocol.Message) {
	e.notifier.Broadcast(issuer, msgs...)
	if _, ok := e.players[issuer]; ok && replies != nil {
		*replies = append(*replies, msgs...)
	}
}

func (e *Engine) indexOf(id engine.PlayerID) int {
	for i, other := range e.order {
		if other == id {
			return i
		}
	}
	return -1
}

func (e *Engine) playerAt(x, y int) *Player {
	for _, id := range e.order {
		if p := e.players[id]; p.X == x && p.Y == y {
			return p
		}
	}
	return nil
}

func (e *Engine) freeTiles() [][2]int {
	var free [][2]int
	for y, row := range e.world.Tiles {
		for x, t := range row {
			if t == TileFloor && e.playerAt(x, y) == nil {
				free = append(free, [2]int{x, y})
			}
		}
	}
	return free
}

// String summarises the engine for logs.
func (e *Engine) String() string {
	return fmt.Sprintf("dungeon %q: %d players", e.world.Name, len(e.order))
}
