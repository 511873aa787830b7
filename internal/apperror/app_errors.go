package apperror

import "errors"

var (
	ErrRoomAlreadyExists = errors.New("room already exists")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomFull          = errors.New("room is full")
	ErrNotYourTurn       = errors.New("it's not your turn")
	ErrPlayerNotFound    = errors.New("player not found")
)
