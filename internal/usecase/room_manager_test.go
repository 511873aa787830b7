package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelgrid/duelgrid-backend/internal/apperror"
	"github.com/duelgrid/duelgrid-backend/internal/entity"
	"github.com/duelgrid/duelgrid-backend/internal/repository"
	"github.com/duelgrid/duelgrid-backend/testing/suite"
)

func newTestManager(st *suite.Suite) (*RoomManager, repository.RoomRepository) {
	playerRepo := repository.NewPlayerRepository(st.Storage)
	roomRepo := repository.NewRoomRepository(st.Storage)
	queueRepo := repository.NewQueueRepository(st.Storage)

	return NewRoomManager(st.Logger, playerRepo, roomRepo, queueRepo), roomRepo
}

func TestRoomManager_NamedRoomLifecycle(t *testing.T) {
	ctx, st := suite.New(t)

	manager, roomRepo := newTestManager(st)

	// Given: two connected players
	q1, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	q2, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)

	// When: q1 creates the named room "X"
	room, err := manager.CreateRoom(ctx, q1.ID, "X")

	// Then: the room waits with q1 on seat 0 and nobody holding the turn
	require.NoError(t, err)
	assert.Equal(t, "X", room.ID)
	assert.True(t, room.IsWaiting())
	assert.Empty(t, room.Turn)
	require.Len(t, room.Players, 1)
	assert.Equal(t, 0, room.Players[0].Seat)

	// When: a third player tries to create "X" again
	q3, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	_, err = manager.CreateRoom(ctx, q3.ID, "X")

	// Then: the collision is a user error and the room is untouched
	assert.ErrorIs(t, err, apperror.ErrRoomAlreadyExists)
	stored, err := roomRepo.GetByID(ctx, "X")
	require.NoError(t, err)
	require.Len(t, stored.Players, 1)
	assert.Equal(t, q1.ID, stored.Players[0].ID)

	// When: q2 joins
	room, err = manager.JoinRoom(ctx, "X", q2.ID)

	// Then: the turn clock starts on q1 with both seats filled
	require.NoError(t, err)
	assert.True(t, room.IsOngoing())
	assert.Equal(t, q1.ID, room.Turn)
	require.Len(t, room.Players, 2)
	assert.Equal(t, 1, room.Players[1].Seat)

	// When: q2 submits while q1 holds the turn
	staleBoard := entity.NewBoard()
	require.NoError(t, staleBoard.Place(0, 0, "blue"))
	_, err = manager.SubmitTurn(ctx, q2.ID, staleBoard)

	// Then: the submission is dropped and state is unchanged
	assert.ErrorIs(t, err, apperror.ErrNotYourTurn)
	stored, err = roomRepo.GetByID(ctx, "X")
	require.NoError(t, err)
	assert.True(t, stored.Board.IsEmpty())
	assert.Equal(t, q1.ID, stored.Turn)

	// When: q1 submits a board with cell (2,3) set
	board := entity.NewBoard()
	require.NoError(t, board.Place(2, 3, "red"))
	room, err = manager.SubmitTurn(ctx, q1.ID, board)

	// Then: the snapshot is taken verbatim and q2 holds the turn
	require.NoError(t, err)
	assert.Equal(t, entity.Cell("red"), room.Board[2][3])
	assert.Equal(t, q2.ID, room.Turn)

	// When: q1 resubmits before seeing the turn change
	_, err = manager.SubmitTurn(ctx, q1.ID, staleBoard)

	// Then: the stale submission is dropped
	assert.ErrorIs(t, err, apperror.ErrNotYourTurn)
	stored, err = roomRepo.GetByID(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, entity.Cell("red"), stored.Board[2][3])
	assert.Equal(t, q2.ID, stored.Turn)

	// When: q1 disconnects
	room, err = manager.HandleDisconnect(ctx, q1.ID)

	// Then: q2 survives with an empty board and the turn
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.True(t, room.Board.IsEmpty())
	assert.True(t, room.IsWaiting())
	assert.Equal(t, q2.ID, room.Turn)
	require.Len(t, room.Players, 1)
	assert.Equal(t, 0, room.Players[0].Seat)

	// And: q1's binding is gone
	_, err = manager.GetRoomByPlayerID(ctx, q1.ID)
	assert.ErrorIs(t, err, apperror.ErrPlayerNotFound)

	// When: q2 leaves as the last participant
	room, err = manager.LeaveRoom(ctx, q2.ID)

	// Then: nothing survives and the room is absent from the registry
	require.NoError(t, err)
	assert.Nil(t, room)
	_, err = roomRepo.GetByID(ctx, "X")
	assert.ErrorIs(t, err, apperror.ErrRoomNotFound)
}

func TestRoomManager_Matchmaking(t *testing.T) {
	ctx, st := suite.New(t)

	manager, _ := newTestManager(st)

	p1, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	p2, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)

	// When: the first player requests a match
	room, err := manager.RequestMatch(ctx, p1.ID)

	// Then: there is nobody to pair with yet
	require.NoError(t, err)
	assert.Nil(t, room)

	// When: the second player requests a match
	room, err = manager.RequestMatch(ctx, p2.ID)

	// Then: both are seated in one room with complementary seats and the
	// first waiter holds the opening turn
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.NotEmpty(t, room.ID)
	assert.True(t, room.IsOngoing())
	require.Len(t, room.Players, 2)
	assert.Equal(t, p1.ID, room.Players[0].ID)
	assert.Equal(t, 0, room.Players[0].Seat)
	assert.Equal(t, p2.ID, room.Players[1].ID)
	assert.Equal(t, 1, room.Players[1].Seat)
	assert.Equal(t, p1.ID, room.Turn)

	// When: a seated player requests a match again
	again, err := manager.RequestMatch(ctx, p1.ID)

	// Then: they get their current room back unchanged
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, room.ID, again.ID)
}

func TestRoomManager_DisconnectWhileQueued(t *testing.T) {
	ctx, st := suite.New(t)

	manager, _ := newTestManager(st)

	p1, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	p2, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	p3, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)

	// Given: p1 waits in the queue, then disconnects
	room, err := manager.RequestMatch(ctx, p1.ID)
	require.NoError(t, err)
	require.Nil(t, room)

	room, err = manager.HandleDisconnect(ctx, p1.ID)
	require.NoError(t, err)
	assert.Nil(t, room)

	// When: p2 requests a match
	room, err = manager.RequestMatch(ctx, p2.ID)

	// Then: the queue is empty again, so p2 waits
	require.NoError(t, err)
	assert.Nil(t, room)

	// When: p3 requests a match
	room, err = manager.RequestMatch(ctx, p3.ID)

	// Then: p2 and p3 pair up without the departed p1
	require.NoError(t, err)
	require.NotNil(t, room)
	require.Len(t, room.Players, 2)
	assert.Equal(t, p2.ID, room.Players[0].ID)
	assert.Equal(t, p3.ID, room.Players[1].ID)
}

func TestRoomManager_ResetRoom(t *testing.T) {
	ctx, st := suite.New(t)

	manager, roomRepo := newTestManager(st)

	q1, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	q2, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)

	_, err = manager.CreateRoom(ctx, q1.ID, "Y")
	require.NoError(t, err)
	_, err = manager.JoinRoom(ctx, "Y", q2.ID)
	require.NoError(t, err)

	board := entity.NewBoard()
	require.NoError(t, board.Place(4, 4, "black"))
	_, err = manager.SubmitTurn(ctx, q1.ID, board)
	require.NoError(t, err)

	// When: the non-holder resets the room
	room, err := manager.ResetRoom(ctx, q1.ID)

	// Then: the board is empty and seat 0 holds the turn again
	require.NoError(t, err)
	assert.True(t, room.Board.IsEmpty())
	assert.Equal(t, q1.ID, room.Turn)

	stored, err := roomRepo.GetByID(ctx, "Y")
	require.NoError(t, err)
	assert.True(t, stored.Board.IsEmpty())
	assert.Equal(t, q1.ID, stored.Turn)
}

func TestRoomManager_PlaceCell(t *testing.T) {
	ctx, st := suite.New(t)

	manager, _ := newTestManager(st)

	q1, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	q2, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)

	_, err = manager.CreateRoom(ctx, q1.ID, "Z")
	require.NoError(t, err)
	_, err = manager.JoinRoom(ctx, "Z", q2.ID)
	require.NoError(t, err)

	// When: the turn holder places a single piece
	room, err := manager.PlaceCell(ctx, q1.ID, 1, 2, "green")

	// Then: the cell is set and the turn is kept
	require.NoError(t, err)
	assert.Equal(t, entity.Cell("green"), room.Board[1][2])
	assert.Equal(t, q1.ID, room.Turn)

	// When: the holder clears the same cell
	room, err = manager.PlaceCell(ctx, q1.ID, 1, 2, entity.EmptyCell)

	// Then: the board is empty again
	require.NoError(t, err)
	assert.True(t, room.Board.IsEmpty())

	// When: the opponent tries to place out of turn
	_, err = manager.PlaceCell(ctx, q2.ID, 0, 0, "red")

	// Then: the placement is dropped
	assert.ErrorIs(t, err, apperror.ErrNotYourTurn)
}

// A disconnect landing between a waiter's enqueue and their pairing
// must not be written back when the pair forms: no room with a ghost
// seat, and the partner goes back in line.
func TestRoomManager_DisconnectRacingPairing(t *testing.T) {
	ctx, st := suite.New(t)

	playerRepo := repository.NewPlayerRepository(st.Storage)
	roomRepo := repository.NewRoomRepository(st.Storage)
	queueRepo := repository.NewQueueRepository(st.Storage)
	manager := NewRoomManager(st.Logger, playerRepo, roomRepo, queueRepo)

	// Given: q1 waiting in the queue
	q1, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	room, err := manager.RequestMatch(ctx, q1.ID)
	require.NoError(t, err)
	require.Nil(t, room)

	// and: q1's binding already torn down, the stale queue entry left
	// behind
	require.NoError(t, playerRepo.DeleteByID(ctx, q1.ID))

	// When: q2 requests a match and pops the stale entry
	q2, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	room, err = manager.RequestMatch(ctx, q2.ID)

	// Then: no room forms and q1's binding stays gone
	require.NoError(t, err)
	assert.Nil(t, room)

	_, err = playerRepo.GetByID(ctx, q1.ID)
	assert.ErrorIs(t, err, apperror.ErrPlayerNotFound)

	// and: q2 keeps waiting, unbound from any room
	stored, err := playerRepo.GetByID(ctx, q2.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.RoomID)

	length, err := queueRepo.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	// and: the next player pairs with q2 normally
	q3, err := manager.GetOrCreatePlayer(ctx, "")
	require.NoError(t, err)
	room, err = manager.RequestMatch(ctx, q3.ID)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.True(t, room.HasPlayer(q2.ID))
	assert.True(t, room.HasPlayer(q3.ID))

	storedRoom, err := roomRepo.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, storedRoom.Players, 2)
}
