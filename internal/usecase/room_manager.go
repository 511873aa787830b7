package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/duelgrid/duelgrid-backend/internal/apperror"
	"github.com/duelgrid/duelgrid-backend/internal/entity"
	"github.com/duelgrid/duelgrid-backend/internal/pkg"
)

const roomCodeAttempts = 5

type playerRepo interface {
	CreateOrUpdate(ctx context.Context, player *entity.Player) error
	GetByID(ctx context.Context, id string) (*entity.Player, error)
	DeleteByID(ctx context.Context, id string) error
}

type roomRepo interface {
	Create(ctx context.Context, room *entity.Room) error
	CreateOrUpdate(ctx context.Context, room *entity.Room) error
	GetByID(ctx context.Context, id string) (*entity.Room, error)
	DeleteByID(ctx context.Context, id string) error
}

type queueRepo interface {
	Enqueue(ctx context.Context, playerID string) error
	PopPair(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, playerID string) error
}

// RoomManager owns every mutation of the matchmaking queue, the room
// registry and per-room state. Queue operations run under the manager
// mutex; room mutations hold that room's lock for the whole
// read-modify-write, so two submissions for one room never interleave
// while rooms stay independent of each other.
type RoomManager struct {
	logger *slog.Logger

	playerRepo playerRepo
	roomRepo   roomRepo
	queueRepo  queueRepo

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRoomManager(logger *slog.Logger, playerRepo playerRepo, roomRepo roomRepo, queueRepo queueRepo) *RoomManager {
	return &RoomManager{
		logger: logger,

		playerRepo: playerRepo,
		roomRepo:   roomRepo,
		queueRepo:  queueRepo,

		locks: make(map[string]*sync.Mutex),
	}
}

// GetOrCreatePlayer resolves the caller's identity. An unknown or empty
// ID gets a fresh one; bindings do not survive a restart, so a stale ID
// is simply re-registered.
func (that *RoomManager) GetOrCreatePlayer(ctx context.Context, id string) (*entity.Player, error) {
	if id == "" {
		id = pkg.GenerateNewSessionID()
	}

	player, err := that.playerRepo.GetByID(ctx, id)
	if errors.Is(err, apperror.ErrPlayerNotFound) {
		player = &entity.Player{ID: id}
		if err = that.playerRepo.CreateOrUpdate(ctx, player); err != nil {
			return nil, fmt.Errorf("failed to create player: %w", err)
		}

		return player, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get player by id: %w", err)
	}

	return player, nil
}

func (that *RoomManager) GetRoomByPlayerID(ctx context.Context, playerID string) (*entity.Room, error) {
	player, err := that.playerRepo.GetByID(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get player by id: %w", err)
	}

	if player.RoomID == "" {
		return nil, apperror.ErrRoomNotFound
	}

	room, err := that.roomRepo.GetByID(ctx, player.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room by id: %w", err)
	}

	return room, nil
}

// RequestMatch enqueues the player and immediately tries to pair the two
// longest-waiting players. It returns the new room when a pair formed,
// or nil while the player keeps waiting. A player already seated in a
// room gets that room back unchanged.
func (that *RoomManager) RequestMatch(ctx context.Context, playerID string) (*entity.Room, error) {
	player, err := that.playerRepo.GetByID(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get player by id: %w", err)
	}

	if player.RoomID != "" {
		room, err := that.roomRepo.GetByID(ctx, player.RoomID)
		if err != nil {
			return nil, fmt.Errorf("failed to get room by id: %w", err)
		}

		return room, nil
	}

	that.mu.Lock()
	if err = that.queueRepo.Enqueue(ctx, playerID); err != nil {
		that.mu.Unlock()
		return nil, fmt.Errorf("failed to enqueue player: %w", err)
	}

	pair, err := that.queueRepo.PopPair(ctx)
	that.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to pop pair: %w", err)
	}

	if pair == nil {
		return nil, nil
	}

	return that.pairIntoRoom(ctx, pair)
}

func (that *RoomManager) pairIntoRoom(ctx context.Context, pair []string) (*entity.Room, error) {
	log := that.logger.With("method", "pairIntoRoom")

	room, err := that.createAnonymousRoom(ctx)
	if err != nil {
		return nil, err
	}

	// binding reads and writes stay under the manager mutex, so a
	// disconnect landing mid-pairing either runs before the reads or
	// after the room is persisted; it can never be resurrected
	that.mu.Lock()

	players := make([]*entity.Player, 0, len(pair))
	var goneID string
	for _, id := range pair {
		player, err := that.playerRepo.GetByID(ctx, id)
		if err != nil {
			goneID = id
			break
		}

		players = append(players, player)
	}

	if goneID != "" {
		// one half vanished between enqueue and pairing; put the
		// rest of the pair back in line
		for _, id := range pair {
			if id == goneID {
				continue
			}
			if err = that.queueRepo.Enqueue(ctx, id); err != nil {
				log.Error("failed to requeue player", "playerID", id, "error", err)
			}
		}
		that.mu.Unlock()

		log.Warn("paired player is gone, requeued the rest", "playerID", goneID)
		that.destroyRoom(ctx, room.ID)

		return nil, nil
	}

	for _, player := range players {
		if err = room.AddPlayer(player); err != nil {
			that.mu.Unlock()
			return nil, fmt.Errorf("failed to seat player: %w", err)
		}

		if err = that.playerRepo.CreateOrUpdate(ctx, player); err != nil {
			that.mu.Unlock()
			return nil, fmt.Errorf("failed to update player: %w", err)
		}
	}

	err = that.roomRepo.CreateOrUpdate(ctx, room)
	that.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}

	log.Info("players paired", "roomID", room.ID)

	return room, nil
}

func (that *RoomManager) createAnonymousRoom(ctx context.Context) (*entity.Room, error) {
	var lastErr error
	for i := 0; i < roomCodeAttempts; i++ {
		room := entity.NewRoom(pkg.GenerateRoomCode(), entity.PublicType)

		lastErr = that.roomRepo.Create(ctx, room)
		if lastErr == nil {
			return room, nil
		}

		if !errors.Is(lastErr, apperror.ErrRoomAlreadyExists) {
			return nil, fmt.Errorf("failed to create room: %w", lastErr)
		}
	}

	return nil, fmt.Errorf("failed to generate a free room code: %w", lastErr)
}

// persistSeatedPlayer re-checks the binding under the manager mutex
// before writing it, so a disconnect that raced the seating deletes the
// binding for good instead of being overwritten.
func (that *RoomManager) persistSeatedPlayer(ctx context.Context, player *entity.Player) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if _, err := that.playerRepo.GetByID(ctx, player.ID); err != nil {
		return err
	}

	return that.playerRepo.CreateOrUpdate(ctx, player)
}

// CreateRoom registers a named room with the caller as seat 0. A caller
// already seated somewhere gets that room back unchanged.
func (that *RoomManager) CreateRoom(ctx context.Context, playerID, roomID string) (*entity.Room, error) {
	player, err := that.playerRepo.GetByID(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get player by id: %w", err)
	}

	if player.RoomID != "" {
		room, err := that.roomRepo.GetByID(ctx, player.RoomID)
		if err != nil {
			return nil, fmt.Errorf("failed to get room by id: %w", err)
		}

		return room, nil
	}

	room := entity.NewRoom(roomID, entity.PrivateType)
	if err = room.AddPlayer(player); err != nil {
		return nil, fmt.Errorf("failed to seat player: %w", err)
	}

	if err = that.roomRepo.Create(ctx, room); err != nil {
		return nil, err
	}

	if err = that.persistSeatedPlayer(ctx, player); err != nil {
		that.destroyRoom(ctx, room.ID)
		return nil, fmt.Errorf("failed to update player: %w", err)
	}

	return room, nil
}

// JoinRoom seats the caller in an existing room by ID.
func (that *RoomManager) JoinRoom(ctx context.Context, roomID, playerID string) (*entity.Room, error) {
	unlock := that.lockRoom(roomID)
	defer unlock()

	room, err := that.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if room.HasPlayer(playerID) {
		return room, nil
	}

	player, err := that.playerRepo.GetByID(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get player by id: %w", err)
	}

	if err = room.AddPlayer(player); err != nil {
		return nil, err
	}

	if err = that.persistSeatedPlayer(ctx, player); err != nil {
		return nil, fmt.Errorf("failed to update player: %w", err)
	}

	if err = that.roomRepo.CreateOrUpdate(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}

	return room, nil
}

// SubmitTurn replaces the room's board with the submitted snapshot and
// rotates the turn. A submission from anyone but the current turn holder
// comes back as ErrNotYourTurn, which the transport drops silently.
func (that *RoomManager) SubmitTurn(ctx context.Context, playerID string, board entity.Board) (*entity.Room, error) {
	return that.mutateRoom(ctx, playerID, func(room *entity.Room) error {
		return room.SubmitBoard(playerID, board)
	})
}

// PlaceCell sets one cell on behalf of the turn holder without ending
// the turn.
func (that *RoomManager) PlaceCell(ctx context.Context, playerID string, row, col int, value entity.Cell) (*entity.Room, error) {
	return that.mutateRoom(ctx, playerID, func(room *entity.Room) error {
		return room.PlaceCell(playerID, row, col, value)
	})
}

// ResetRoom clears the board and gives the turn back to seat 0. Either
// player may reset at any time.
func (that *RoomManager) ResetRoom(ctx context.Context, playerID string) (*entity.Room, error) {
	return that.mutateRoom(ctx, playerID, func(room *entity.Room) error {
		room.Reset()
		return nil
	})
}

func (that *RoomManager) mutateRoom(ctx context.Context, playerID string, mutate func(room *entity.Room) error) (*entity.Room, error) {
	player, err := that.playerRepo.GetByID(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get player by id: %w", err)
	}

	if player.RoomID == "" {
		return nil, apperror.ErrRoomNotFound
	}

	unlock := that.lockRoom(player.RoomID)
	defer unlock()

	room, err := that.roomRepo.GetByID(ctx, player.RoomID)
	if err != nil {
		return nil, err
	}

	if err = mutate(room); err != nil {
		return room, err
	}

	if err = that.roomRepo.CreateOrUpdate(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}

	return room, nil
}

// LeaveRoom detaches the caller from any queue or room they occupy, but
// keeps their identity bound to the still-open connection. It returns
// the collapsed room when an opponent stayed behind, nil otherwise.
func (that *RoomManager) LeaveRoom(ctx context.Context, playerID string) (*entity.Room, error) {
	return that.reconcile(ctx, playerID, false)
}

// HandleDisconnect tears down everything the connection occupied: queue
// entry, registry binding and room seat. It returns the collapsed room
// when an opponent stayed behind, nil otherwise.
func (that *RoomManager) HandleDisconnect(ctx context.Context, playerID string) (*entity.Room, error) {
	return that.reconcile(ctx, playerID, true)
}

func (that *RoomManager) reconcile(ctx context.Context, playerID string, dropBinding bool) (*entity.Room, error) {
	log := that.logger.With("method", "reconcile", "playerID", playerID)

	that.mu.Lock()
	if err := that.queueRepo.Remove(ctx, playerID); err != nil {
		log.Error("failed to remove player from queue", "error", err)
	}

	player, err := that.playerRepo.GetByID(ctx, playerID)
	if errors.Is(err, apperror.ErrPlayerNotFound) {
		that.mu.Unlock()
		return nil, nil
	}

	if err != nil {
		that.mu.Unlock()
		return nil, fmt.Errorf("failed to get player by id: %w", err)
	}

	roomID := player.RoomID

	// the binding goes first, under the same mutex pairing holds, so
	// lookups during teardown never see a stale room pointer and a
	// pairing in flight cannot write the binding back
	if dropBinding {
		err = that.playerRepo.DeleteByID(ctx, playerID)
	} else {
		player.RoomID = ""
		player.Seat = 0
		err = that.playerRepo.CreateOrUpdate(ctx, player)
	}
	that.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to drop binding: %w", err)
	}

	if roomID == "" {
		return nil, nil
	}

	unlock := that.lockRoom(roomID)
	defer unlock()

	room, err := that.roomRepo.GetByID(ctx, roomID)
	if errors.Is(err, apperror.ErrRoomNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	room.RemovePlayer(playerID)

	if room.IsEmpty() {
		that.destroyRoom(ctx, room.ID)
		return nil, nil
	}

	room.CollapseForSurvivor()

	for _, survivor := range room.Players {
		if err = that.persistSeatedPlayer(ctx, survivor); err != nil {
			log.Error("failed to update survivor", "playerID", survivor.ID, "error", err)
		}
	}

	if err = that.roomRepo.CreateOrUpdate(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}

	return room, nil
}

func (that *RoomManager) destroyRoom(ctx context.Context, roomID string) {
	log := that.logger.With("method", "destroyRoom", "roomID", roomID)

	if err := that.roomRepo.DeleteByID(ctx, roomID); err != nil {
		log.Error("failed to delete room", "error", err)
		return
	}

	that.mu.Lock()
	delete(that.locks, roomID)
	that.mu.Unlock()

	log.Info("room destroyed")
}

func (that *RoomManager) lockRoom(roomID string) func() {
	that.mu.Lock()
	lock, ok := that.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		that.locks[roomID] = lock
	}
	that.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
