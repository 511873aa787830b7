package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duelgrid/duelgrid-backend/internal/apperror"
	"github.com/duelgrid/duelgrid-backend/internal/entity"
)

const (
	payloadActionLeave = "room:leave"

	roomStatusSearching   = "searching"
	roomStatusLeft        = "left"
	roomStatusOpponentOut = "opponent_out"
)

func (that *Server) handleConnect(ctx context.Context, msg *Message, conn *connection) error {
	log := that.logger.With("method", "handleConnect")

	payloadReq, err := decodePayload(msg)
	if err != nil {
		return err
	}

	var playerID string
	if payloadReq.Player != nil {
		playerID = payloadReq.Player.ID
	}

	player, err := that.roomManager.GetOrCreatePlayer(ctx, playerID)
	if err != nil {
		log.Error("failed to create or get player", "error", err)
		return that.sendErrorResponse(conn, msg.Action, "failed to create a new player")
	}

	that.registerConnection(player.ID, conn)

	payloadResp := Payload{
		Player: player,
	}

	if player.RoomID != "" {
		room, err := that.roomManager.GetRoomByPlayerID(ctx, player.ID)
		if err != nil {
			log.Error("failed to get room", "roomID", player.RoomID, "error", err)
			return that.sendErrorResponse(conn, msg.Action, "failed to get the room")
		}

		payloadResp.Room = maskRoomDetails(room)
	}

	if err = that.sendMessage(conn, msg.Action, payloadResp); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}

	log.Info("successfully connected player", "playerID", player.ID)

	return nil
}

func (that *Server) handleMatch(ctx context.Context, msg *Message, conn *connection) error {
	log := that.logger.With("method", "handleMatch")

	payloadReq, err := decodePayload(msg)
	if err != nil {
		return err
	}

	if payloadReq.Player == nil {
		log.Error("Player is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Player is required")
	}

	that.registerConnection(payloadReq.Player.ID, conn)

	room, err := that.roomManager.RequestMatch(ctx, payloadReq.Player.ID)
	if err != nil {
		log.Error("failed to request match", "error", err)
		return that.sendErrorResponse(conn, msg.Action, "failed to request a match")
	}

	if room == nil {
		// still waiting for an opponent
		return that.sendMessage(conn, msg.Action, Payload{Status: roomStatusSearching})
	}

	that.broadcastRoom(msg.Action, room)

	log.Info("match completed", "roomID", room.ID)

	return nil
}

func (that *Server) handleCreateRoom(ctx context.Context, msg *Message, conn *connection) error {
	log := that.logger.With("method", "handleCreateRoom")

	payloadReq, err := decodePayload(msg)
	if err != nil {
		return err
	}

	if payloadReq.Player == nil {
		log.Error("Player is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Player is required")
	}

	that.registerConnection(payloadReq.Player.ID, conn)

	if payloadReq.Room == nil || payloadReq.Room.ID == "" {
		log.Error("Room is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Room is required")
	}

	room, err := that.roomManager.CreateRoom(ctx, payloadReq.Player.ID, payloadReq.Room.ID)
	if errors.Is(err, apperror.ErrRoomAlreadyExists) {
		return that.sendErrorResponse(conn, msg.Action, fmt.Sprintf("room %s: %v", payloadReq.Room.ID, apperror.ErrRoomAlreadyExists))
	}

	if err != nil {
		log.Error("failed to create room", "error", err)
		return that.sendErrorResponse(conn, msg.Action, "failed to create a new room")
	}

	that.broadcastRoom(msg.Action, room)

	log.Info("room created", "roomID", room.ID)

	return nil
}

func (that *Server) handleJoinRoom(ctx context.Context, msg *Message, conn *connection) error {
	log := that.logger.With("method", "handleJoinRoom")

	payloadReq, err := decodePayload(msg)
	if err != nil {
		return err
	}

	if payloadReq.Player == nil {
		log.Error("Player is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Player is required")
	}

	that.registerConnection(payloadReq.Player.ID, conn)

	if payloadReq.Room == nil || payloadReq.Room.ID == "" {
		log.Error("Room is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Room is required")
	}

	log = log.With("playerID", payloadReq.Player.ID)

	room, err := that.roomManager.JoinRoom(ctx, payloadReq.Room.ID, payloadReq.Player.ID)
	if errors.Is(err, apperror.ErrRoomNotFound) || errors.Is(err, apperror.ErrRoomFull) {
		return that.sendErrorResponse(conn, msg.Action, fmt.Sprintf("room %s: %v", payloadReq.Room.ID, err))
	}

	if err != nil {
		log.Error("failed to join room", "error", err)
		return that.sendErrorResponse(conn, msg.Action, "failed to join the room")
	}

	that.broadcastRoom(msg.Action, room)

	log.Info("player joined room", "roomID", room.ID)

	return nil
}

func (that *Server) handleGameTurn(ctx context.Context, msg *Message, conn *connection) error {
	log := that.logger.With("method", "handleGameTurn")

	payloadReq, err := decodePayload(msg)
	if err != nil {
		return err
	}

	if payloadReq.Player == nil {
		log.Error("Player is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Player is required")
	}

	that.registerConnection(payloadReq.Player.ID, conn)

	if payloadReq.Board == nil {
		log.Error("Board is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Board is required")
	}

	log = log.With("playerID", payloadReq.Player.ID)

	room, err := that.roomManager.SubmitTurn(ctx, payloadReq.Player.ID, *payloadReq.Board)
	if errors.Is(err, apperror.ErrNotYourTurn) {
		// a stale submission racing a turn change, not an error
		log.Debug("dropped out-of-turn submission")
		return nil
	}

	if errors.Is(err, apperror.ErrRoomNotFound) || errors.Is(err, apperror.ErrPlayerNotFound) {
		return that.sendErrorResponse(conn, msg.Action, apperror.ErrRoomNotFound.Error())
	}

	if err != nil {
		log.Error("failed to make turn", "error", err)
		return that.sendErrorResponse(conn, msg.Action, "failed to make a turn")
	}

	that.broadcastRoom(msg.Action, room)

	log.Info("player made a turn", "roomID", room.ID)

	return nil
}

func (that *Server) handleGamePlace(ctx context.Context, msg *Message, conn *connection) error {
	log := that.logger.With("method", "handleGamePlace")

	payloadReq, err := decodePayload(msg)
	if err != nil {
		return err
	}

	if payloadReq.Player == nil {
		log.Error("Player is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Player is required")
	}

	that.registerConnection(payloadReq.Player.ID, conn)

	if payloadReq.Cell == nil {
		log.Error("Cell is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Cell is required")
	}

	log = log.With("playerID", payloadReq.Player.ID)

	cell := payloadReq.Cell
	room, err := that.roomManager.PlaceCell(ctx, payloadReq.Player.ID, cell.Row, cell.Col, cell.Color)
	if errors.Is(err, apperror.ErrNotYourTurn) {
		log.Debug("dropped out-of-turn placement")
		return nil
	}

	if errors.Is(err, entity.ErrInvalidCell) {
		return that.sendErrorResponse(conn, msg.Action, err.Error())
	}

	if errors.Is(err, apperror.ErrRoomNotFound) || errors.Is(err, apperror.ErrPlayerNotFound) {
		return that.sendErrorResponse(conn, msg.Action, apperror.ErrRoomNotFound.Error())
	}

	if err != nil {
		log.Error("failed to place cell", "error", err)
		return that.sendErrorResponse(conn, msg.Action, "failed to place the piece")
	}

	that.broadcastRoom(msg.Action, room)

	return nil
}

func (that *Server) handleGameReset(ctx context.Context, msg *Message, conn *connection) error {
	log := that.logger.With("method", "handleGameReset")

	payloadReq, err := decodePayload(msg)
	if err != nil {
		return err
	}

	if payloadReq.Player == nil {
		log.Error("Player is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Player is required")
	}

	that.registerConnection(payloadReq.Player.ID, conn)

	room, err := that.roomManager.ResetRoom(ctx, payloadReq.Player.ID)
	if errors.Is(err, apperror.ErrRoomNotFound) || errors.Is(err, apperror.ErrPlayerNotFound) {
		return that.sendErrorResponse(conn, msg.Action, apperror.ErrRoomNotFound.Error())
	}

	if err != nil {
		log.Error("failed to reset room", "error", err)
		return that.sendErrorResponse(conn, msg.Action, "failed to reset the room")
	}

	// the reset action itself is the notification, distinct from a
	// routine turn broadcast
	that.broadcastRoom(msg.Action, room)

	log.Info("room reset", "roomID", room.ID)

	return nil
}

func (that *Server) handleLeaveRoom(ctx context.Context, msg *Message, conn *connection) error {
	log := that.logger.With("method", "handleLeaveRoom")

	payloadReq, err := decodePayload(msg)
	if err != nil {
		return err
	}

	if payloadReq.Player == nil {
		log.Error("Player is missing in payload")
		return that.sendErrorResponse(conn, msg.Action, "Player is required")
	}

	that.registerConnection(payloadReq.Player.ID, conn)

	room, err := that.roomManager.LeaveRoom(ctx, payloadReq.Player.ID)
	if err != nil {
		log.Error("failed to leave room", "error", err)
		return that.sendErrorResponse(conn, msg.Action, "failed to leave the room")
	}

	if err = that.sendMessage(conn, msg.Action, Payload{Status: roomStatusLeft}); err != nil {
		log.Error("failed to confirm leave", "error", err)
	}

	if room != nil {
		that.notifyOpponentOut(room)
	}

	log.Info("player left room", "playerID", payloadReq.Player.ID)

	return nil
}

// broadcastRoom sends the masked room snapshot to every seated player,
// each bundled with their own player entity. Delivery is fire-and-forget:
// a dead recipient never affects the mutation that triggered the send.
func (that *Server) broadcastRoom(action string, room *entity.Room) {
	log := that.logger.With("method", "broadcastRoom", "roomID", room.ID)

	for _, player := range room.Players {
		that.connectionsMutex.RLock()
		recipient, ok := that.connections[player.ID]
		that.connectionsMutex.RUnlock()

		if !ok {
			log.Warn("connection not found for player", "playerID", player.ID)
			continue
		}

		payloadResp := Payload{
			Player: player,
			Room:   maskRoomDetails(room),
		}

		if err := that.sendMessage(recipient, action, payloadResp); err != nil {
			log.Error("failed to send room update", "playerID", player.ID, "error", err)
		}
	}
}

// notifyOpponentOut tells the surviving player that their opponent is
// gone, alongside the collapsed room snapshot.
func (that *Server) notifyOpponentOut(room *entity.Room) {
	log := that.logger.With("method", "notifyOpponentOut", "roomID", room.ID)

	for _, player := range room.Players {
		that.connectionsMutex.RLock()
		recipient, ok := that.connections[player.ID]
		that.connectionsMutex.RUnlock()

		if !ok {
			log.Warn("survivor connection not found", "playerID", player.ID)
			continue
		}

		payloadResp := Payload{
			Player: player,
			Room:   maskRoomDetails(room),
			Status: roomStatusOpponentOut,
		}

		if err := that.sendMessage(recipient, payloadActionLeave, payloadResp); err != nil {
			log.Error("failed to send opponent-out message", "playerID", player.ID, "error", err)
		}
	}
}

func decodePayload(msg *Message) (*Payload, error) {
	payload := &Payload{}

	if len(msg.Payload) == 0 {
		return payload, nil
	}

	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return payload, nil
}

// maskRoomDetails hides the opponent's identity from outbound snapshots
// and exposes the participant count instead.
func maskRoomDetails(room *entity.Room) *entity.Room {
	masked := *room
	masked.ParticipantCount = len(room.Players)
	masked.Players = nil
	masked.Type = ""
	return &masked
}

func (that *Server) sendErrorResponse(conn *connection, action, errorMsg string) error {
	payload := Payload{Error: errorMsg}
	if err := that.sendMessage(conn, action, payload); err != nil {
		return fmt.Errorf("failed to send error response: %w", err)
	}

	return nil
}
