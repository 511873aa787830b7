package websocket

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/duelgrid/duelgrid-backend/internal/entity"
	"github.com/duelgrid/duelgrid-backend/internal/pkg"
)

type roomManager interface {
	GetOrCreatePlayer(ctx context.Context, id string) (*entity.Player, error)
	GetRoomByPlayerID(ctx context.Context, playerID string) (*entity.Room, error)

	RequestMatch(ctx context.Context, playerID string) (*entity.Room, error)
	CreateRoom(ctx context.Context, playerID, roomID string) (*entity.Room, error)
	JoinRoom(ctx context.Context, roomID, playerID string) (*entity.Room, error)

	SubmitTurn(ctx context.Context, playerID string, board entity.Board) (*entity.Room, error)
	PlaceCell(ctx context.Context, playerID string, row, col int, value entity.Cell) (*entity.Room, error)
	ResetRoom(ctx context.Context, playerID string) (*entity.Room, error)

	LeaveRoom(ctx context.Context, playerID string) (*entity.Room, error)
	HandleDisconnect(ctx context.Context, playerID string) (*entity.Room, error)
}

// connection wraps a hijacked socket with a write lock. A broadcast runs
// in the mutating player's goroutine while direct responses run in the
// recipient's reader goroutine; the lock keeps their frames from
// interleaving on the wire.
type connection struct {
	writeMutex sync.Mutex
	bufrw      *bufio.ReadWriter
}

type Server struct {
	logger      *slog.Logger
	roomManager roomManager

	handlers map[string]func(ctx context.Context, message *Message, conn *connection) error

	connectionsMutex sync.RWMutex
	connections      map[string]*connection
}

func New(logger *slog.Logger, manager roomManager) *Server {
	server := &Server{
		logger:      logger,
		roomManager: manager,

		handlers:    make(map[string]func(context.Context, *Message, *connection) error),
		connections: make(map[string]*connection),
	}

	server.handlers["connect"] = server.handleConnect
	server.handlers["room:match"] = server.handleMatch
	server.handlers["room:create"] = server.handleCreateRoom
	server.handlers["room:join"] = server.handleJoinRoom
	server.handlers["room:leave"] = server.handleLeaveRoom
	server.handlers["game:turn"] = server.handleGameTurn
	server.handlers["game:place"] = server.handleGamePlace
	server.handlers["game:reset"] = server.handleGameReset

	return server
}

// Start - starts WebSocket server.
func (that *Server) Start(ctx context.Context, port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		that.upgradeToWebSocket(ctx, w, r)
	})

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 30 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// upgradeToWebSocket - upgrades the connection to WebSocket.
func (that *Server) upgradeToWebSocket(ctx context.Context, writer http.ResponseWriter, req *http.Request) {
	log := that.logger.With("method", "upgradeToWebSocket")

	if req.Header.Get("Upgrade") != "websocket" {
		http.Error(writer, "not a websocket upgrade", http.StatusBadRequest)
		return
	}

	that.setSessionCookie(writer, req)

	key := req.Header.Get("Sec-WebSocket-Key")
	acceptKey := pkg.GenerateAcceptKey(key)

	writer.Header().Set("Upgrade", "websocket")
	writer.Header().Set("Connection", "Upgrade")
	writer.Header().Set("Sec-WebSocket-Accept", acceptKey)
	writer.WriteHeader(http.StatusSwitchingProtocols)

	hijacker, ok := writer.(http.Hijacker)
	if !ok {
		log.Error("web server does not support hijacking")
		return
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		log.Error("failed to hijack connection", "error", err)
		return
	}

	defer netConn.Close()

	log.Info("WebSocket connection established")

	conn := &connection{bufrw: bufrw}

	if err = that.handleMessages(ctx, conn); err != nil {
		log.Info("connection closed", "reason", err)
	}

	that.handleDisconnect(ctx, conn)
}

// handleMessages - processes messages from the client until the
// connection drops.
func (that *Server) handleMessages(ctx context.Context, conn *connection) error {
	log := that.logger.With("method", "handleMessages")

	for {
		reqBody, err := that.readRequest(conn.bufrw)
		if err != nil {
			return err
		}

		if reqBody == nil {
			continue
		}

		var message Message
		if err = json.Unmarshal(reqBody, &message); err != nil {
			log.Error("failed to unmarshal message", "error", err)
			continue
		}

		handler, ok := that.handlers[message.Action]
		if !ok {
			log.Error("unknown action", "action", message.Action)
			continue
		}

		if err = handler(ctx, &message, conn); err != nil {
			log.Error("error processing message", "action", message.Action, "error", err)
		}
	}
}

// registerConnection - binds the player's ID to the live connection so
// broadcasts can reach them. Re-binding on every message keeps the map
// fresh across client reconnects.
func (that *Server) registerConnection(playerID string, conn *connection) {
	that.connectionsMutex.Lock()
	that.connections[playerID] = conn
	that.connectionsMutex.Unlock()
}

// handleDisconnect - reconciles a transport-level connection loss: drops
// the connection, then lets the manager clean up queue and room state,
// notifying a surviving opponent.
func (that *Server) handleDisconnect(ctx context.Context, conn *connection) {
	log := that.logger.With("method", "handleDisconnect")

	that.connectionsMutex.Lock()
	var disconnectedPlayerID string
	for playerID, registered := range that.connections {
		if registered == conn {
			disconnectedPlayerID = playerID
			break
		}
	}

	if disconnectedPlayerID == "" {
		that.connectionsMutex.Unlock()
		return
	}

	delete(that.connections, disconnectedPlayerID)
	that.connectionsMutex.Unlock()

	log = log.With("playerID", disconnectedPlayerID)
	log.Info("player disconnected")

	room, err := that.roomManager.HandleDisconnect(ctx, disconnectedPlayerID)
	if err != nil {
		log.Error("failed to reconcile disconnect", "error", err)
		return
	}

	if room != nil {
		that.notifyOpponentOut(room)
	}
}

// setSessionCookie - set user session.
func (that *Server) setSessionCookie(writer http.ResponseWriter, req *http.Request) {
	log := that.logger.With("method", "setSessionCookie")

	cookie, err := req.Cookie("user_session")
	if err != nil {
		cookie = &http.Cookie{
			Name:    "user_session",
			Value:   pkg.GenerateNewSessionID(),
			Expires: time.Now().Add(24 * time.Hour),
			Path:    "/ws",
		}
		http.SetCookie(writer, cookie)
		log.Info("session cookie not found, new one created", "cookie", cookie.Value)
		return
	}

	log.Info("session cookie found", "cookie", cookie.Value)
}
