package entity

import (
	"fmt"

	"github.com/duelgrid/duelgrid-backend/internal/apperror"
)

const (
	StatusWaiting = "waiting"
	StatusOngoing = "ongoing"
)

const (
	PublicType  = "public"
	PrivateType = "private"
)

const MaxPlayers = 2

// Room pairs at most two players around one shared board. The Turn field
// holds the ID of the player currently allowed to mutate the board; it is
// empty while the room waits for a second player.
type Room struct {
	ID      string    `json:"id"`
	Board   Board     `json:"board"`
	Turn    string    `json:"player_turn"`
	Status  string    `json:"status"`
	Players []*Player `json:"players,omitempty"`
	Type    string    `json:"type,omitempty"`

	// ParticipantCount is filled only on outbound snapshots, where the
	// Players list itself is masked.
	ParticipantCount int `json:"participant_count,omitempty"`
}

func NewRoom(id, roomType string) *Room {
	return &Room{
		ID:     id,
		Board:  NewBoard(),
		Turn:   "",
		Status: StatusWaiting,
		Type:   roomType,
	}
}

// AddPlayer seats a player in the room. Seating the second player starts
// the turn clock: the first seat holds the opening turn.
func (that *Room) AddPlayer(player *Player) error {
	if that.HasPlayer(player.ID) {
		return nil
	}

	if len(that.Players) >= MaxPlayers {
		return fmt.Errorf("%w: room id %s", apperror.ErrRoomFull, that.ID)
	}

	player.RoomID = that.ID
	player.Seat = len(that.Players)
	that.Players = append(that.Players, player)

	if len(that.Players) == MaxPlayers {
		that.Status = StatusOngoing
		that.Turn = that.Players[0].ID
	}

	return nil
}

// RemovePlayer unseats a player and compacts the remaining seats so a
// survivor always ends up on seat 0.
func (that *Room) RemovePlayer(playerID string) {
	players := that.Players[:0]
	for _, player := range that.Players {
		if player.ID == playerID {
			continue
		}
		players = append(players, player)
	}

	that.Players = players
	for seat, player := range that.Players {
		player.Seat = seat
	}
}

// SubmitBoard replaces the whole board with the submitted snapshot and
// rotates the turn. The snapshot is trusted verbatim; the only gate is
// that the sender currently holds the turn.
func (that *Room) SubmitBoard(playerID string, board Board) error {
	if that.Turn == "" || that.Turn != playerID {
		return apperror.ErrNotYourTurn
	}

	that.Board = board
	that.Turn = that.nextTurn()

	return nil
}

// PlaceCell sets a single cell without ending the sender's turn. Only the
// position is range-checked; the value is opaque.
func (that *Room) PlaceCell(playerID string, row, col int, value Cell) error {
	if that.Turn == "" || that.Turn != playerID {
		return apperror.ErrNotYourTurn
	}

	if err := that.Board.Place(row, col, value); err != nil {
		return err
	}

	return nil
}

// Reset clears the board and hands the turn back to seat 0. A waiting
// room where nobody ever held the turn stays holderless until the
// second seat fills.
func (that *Room) Reset() {
	that.Board.Clear()

	if that.IsWaiting() && that.Turn == "" {
		return
	}

	if len(that.Players) > 0 {
		that.Turn = that.Players[0].ID
	} else {
		that.Turn = ""
	}
}

// CollapseForSurvivor re-initializes the room after a departure left a
// single player behind: empty board, survivor holds the turn, room waits
// for a new opponent. There is no reconnection protocol, so no board
// history survives a departure.
func (that *Room) CollapseForSurvivor() {
	that.Board.Clear()
	that.Status = StatusWaiting
	if len(that.Players) == 1 {
		that.Turn = that.Players[0].ID
	} else {
		that.Turn = ""
	}
}

func (that *Room) nextTurn() string {
	for i, player := range that.Players {
		if player.ID == that.Turn {
			return that.Players[(i+1)%len(that.Players)].ID
		}
	}

	return ""
}

func (that *Room) HasPlayer(playerID string) bool {
	for _, player := range that.Players {
		if player.ID == playerID {
			return true
		}
	}

	return false
}

func (that *Room) IsEmpty() bool {
	return len(that.Players) == 0
}

func (that *Room) IsFull() bool {
	return len(that.Players) >= MaxPlayers
}

func (that *Room) IsWaiting() bool {
	return that.Status == StatusWaiting
}

func (that *Room) IsOngoing() bool {
	return that.Status == StatusOngoing
}

func (that *Room) IsPublic() bool {
	return that.Type == PublicType
}
