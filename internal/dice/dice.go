// internal/dice/dice.go
package dice

import (
	"math/rand"
	"strconv"

	"github.com/parlor-games/parlor/internal/protocol"
	"github.com/parlor-games/parlor/internal/room"
)

const (
	// GameType is the registered game kind name.
	GameType = "dice"

	Sides               = 6
	MinPlayers          = 2
	MaxPlayers          = 8
	DefaultWinThreshold = 3
)

// Kind builds the registrable game kind. newSource is called once per game
// so tests can inject a seeded deterministic source; pass nil for
// rand.NewSource-based production behavior.
func Kind(producer string, winThreshold int, newSource func() rand.Source) room.GameKind {
	if winThreshold <= 0 {
		winThreshold = DefaultWinThreshold
	}
	return room.GameKind{
		Name:       GameType,
		MinPlayers: MinPlayers,
		MaxPlayers: MaxPlayers,
		NewEngine: func() room.Engine {
			var src rand.Source
			if newSource != nil {
				src = newSource()
			} else {
				src = rand.NewSource(rand.Int63())
			}
			return &Engine{
				rng:          rand.New(src),
				producer:     producer,
				winThreshold: winThreshold,
				pending:      make(map[int64]int),
				tied:         make(map[int64]bool),
			}
		},
	}
}

// Engine runs the highest-roll-wins round game: every player rolls once per
// round, the highest roll takes the round, ties trigger a sub-round among
// the tied players only, and the first player to take winThreshold rounds
// wins the game.
//
// All methods run on the room's serialized worker; no locking here.
type Engine struct {
	rng          *rand.Rand
	producer     string
	winThreshold int

	round int
	// pending holds this round's rolls keyed by player id.
	pending map[int64]int
	// tied restricts the current sub-round to the players who tied; empty
	// means a normal round.
	tied map[int64]bool
}

// needsRoll reports whether the player still owes a roll this round.
func (e *Engine) needsRoll(p *room.Participant) bool {
	if _, rolled := e.pending[p.UserID]; rolled {
		return false
	}
	if len(e.tied) > 0 && !e.tied[p.UserID] {
		return false
	}
	return true
}

// nextTurnFrom picks the next player owing a roll, starting the scan at
// startID inclusive. Connected players are preferred; if only disconnected
// players still owe a roll, the turn lands on one and is held (or auto-
// played when the room opts in).
func (e *Engine) nextTurnFrom(r *room.Room, startID int64) int64 {
	if id := r.NextPlayerFrom(startID, func(p *room.Participant) bool {
		return p.Connected && e.needsRoll(p)
	}); id != 0 {
		return id
	}
	return r.NextPlayerFrom(startID, e.needsRoll)
}

// setTurn assigns the turn and, if the holder is disconnected and auto-play
// is on, substitutes the automatic roll immediately.
func (e *Engine) setTurn(r *room.Room, userID int64, emit room.EmitFunc) {
	r.SetTurn(userID, e.producer, emit)
	if p := r.Player(userID); p != nil && !p.Connected && r.AutoPlay {
		e.doRoll(r, userID, true, emit)
	}
}

// Start begins round one with the earliest-joined player.
func (e *Engine) Start(r *room.Room, emit room.EmitFunc) {
	e.round = 1
	if len(r.Players) == 0 {
		return
	}
	e.setTurn(r, e.nextTurnFrom(r, r.Players[0].UserID), emit)
}

// HandleCommand processes games.command.dice.roll.
func (e *Engine) HandleCommand(r *room.Room, cmd protocol.Command, emit room.EmitFunc) {
	env := cmd.Envelope
	if cmd.Kind != protocol.CmdDiceRoll {
		emit(protocol.NewErrorEvent(env, e.producer, protocol.ErrBadRequest, "unsupported action"))
		return
	}
	if r.CurrentTurn != env.Actor.UserID {
		emit(protocol.NewErrorEvent(env, e.producer, protocol.ErrNotYourTurn, "it is not your turn"))
		return
	}
	e.doRoll(r, env.Actor.UserID, false, emit)
}

func (e *Engine) doRoll(r *room.Room, userID int64, auto bool, emit room.EmitFunc) {
	p := r.Player(userID)
	if p == nil || !e.needsRoll(p) {
		return
	}

	value := 1 + e.rng.Intn(Sides)
	e.pending[userID] = value
	p.Score += value

	emit(protocol.NewEvent(protocol.EventDiceRolled, e.producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), protocol.RolledPayload{
			RoomID:   r.ID,
			UserID:   userID,
			Username: p.Username,
			Value:    value,
			Score:    p.Score,
			Round:    e.round,
			Auto:     auto,
		}))

	if e.roundComplete(r) {
		e.resolveRound(r, emit)
		return
	}
	e.setTurn(r, e.nextTurnFrom(r, userID), emit)
}

// roundComplete is true once every player who owes a roll has rolled.
func (e *Engine) roundComplete(r *room.Room) bool {
	for _, p := range r.Players {
		if e.needsRoll(p) {
			return false
		}
	}
	return true
}

// resolveRound applies the round algorithm: single maximum wins the round,
// a shared maximum starts a tiebreaker sub-round among exactly the tied
// players.
func (e *Engine) resolveRound(r *room.Room, emit room.EmitFunc) {
	max := 0
	for _, p := range r.Players {
		if v, ok := e.pending[p.UserID]; ok && v > max {
			max = v
		}
	}
	var winners []int64
	for _, p := range r.Players {
		if v, ok := e.pending[p.UserID]; ok && v == max {
			winners = append(winners, p.UserID)
		}
	}
	if len(winners) == 0 {
		return
	}

	if len(winners) > 1 {
		e.pending = make(map[int64]int)
		e.tied = make(map[int64]bool, len(winners))
		for _, id := range winners {
			e.tied[id] = true
		}
		emit(protocol.NewEvent(protocol.EventDiceTiebreakerStarted, e.producer, protocol.Actor{},
			protocol.RoomAudience(r.ID), protocol.TiebreakerPayload{
				RoomID:  r.ID,
				Round:   e.round,
				UserIDs: winners,
				Value:   max,
			}))
		e.setTurn(r, e.nextTurnFrom(r, r.Players[0].UserID), emit)
		return
	}

	e.awardRound(r, r.Player(winners[0]), emit)
}

// awardRound credits a round win, reports the result, and either ends the
// game or opens the next round.
func (e *Engine) awardRound(r *room.Room, winner *room.Participant, emit room.EmitFunc) {
	winner.Wins++

	rolls := make(map[string]int, len(e.pending))
	for id, v := range e.pending {
		rolls[strconv.FormatInt(id, 10)] = v
	}
	wins := make(map[string]int, len(r.Players))
	for _, p := range r.Players {
		wins[strconv.FormatInt(p.UserID, 10)] = p.Wins
	}
	emit(protocol.NewEvent(protocol.EventDiceRoundResult, e.producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), protocol.RoundResultPayload{
			RoomID:   r.ID,
			Round:    e.round,
			WinnerID: winner.UserID,
			Rolls:    rolls,
			Wins:     wins,
		}))

	e.pending = make(map[int64]int)
	e.tied = make(map[int64]bool)

	if winner.Wins >= e.winThreshold {
		e.endGame(r, winner, emit)
		return
	}

	e.round++
	e.setTurn(r, e.nextTurnFrom(r, r.Players[0].UserID), emit)
}

func (e *Engine) endGame(r *room.Room, winner *room.Participant, emit room.EmitFunc) {
	if err := r.Transition(room.StatusFinished); err != nil {
		return
	}
	r.WinnerID = winner.UserID
	r.CurrentTurn = 0

	scores := make(map[string]int, len(r.Players))
	wins := make(map[string]int, len(r.Players))
	for _, p := range r.Players {
		key := strconv.FormatInt(p.UserID, 10)
		scores[key] = p.Score
		wins[key] = p.Wins
	}
	emit(protocol.NewEvent(protocol.EventGameEnded, e.producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), protocol.GameEndedPayload{
			RoomID:   r.ID,
			WinnerID: winner.UserID,
			Scores:   scores,
			Wins:     wins,
		}))
}

// PlayerLeft drops the leaver from round bookkeeping and, when they held
// the turn, advances it starting from their former successor.
func (e *Engine) PlayerLeft(r *room.Room, userID, successor int64, emit room.EmitFunc) {
	delete(e.pending, userID)
	delete(e.tied, userID)

	// A tie collapses to a single member when the other tied players leave;
	// the sole survivor takes the sub-round outright.
	if len(e.tied) == 1 {
		for id := range e.tied {
			if p := r.Player(id); p != nil {
				e.tied = make(map[int64]bool)
				e.awardRound(r, p, emit)
				return
			}
		}
	}

	if e.roundComplete(r) && len(e.pending) > 0 {
		e.resolveRound(r, emit)
		return
	}
	if successor != 0 {
		e.setTurn(r, e.nextTurnFrom(r, successor), emit)
	}
}

// PlayerDisconnected holds the turn for the disconnected player. When the
// room has auto-play enabled and the turn is theirs, the automatic roll is
// substituted so the round is not blocked.
func (e *Engine) PlayerDisconnected(r *room.Room, userID int64, emit room.EmitFunc) {
	if r.CurrentTurn == userID && r.AutoPlay {
		e.doRoll(r, userID, true, emit)
	}
}
