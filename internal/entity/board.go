package entity

import (
	"errors"
	"fmt"
)

const GridSize = 5

const EmptyCell = Cell("")

var ErrInvalidCell = errors.New("invalid cell position")

// Cell is an opaque marker token. The server never inspects its value,
// only the position it is placed at.
type Cell string

// Board is the shared grid, serialized row-major.
type Board [GridSize][GridSize]Cell

func NewBoard() Board {
	return Board{}
}

func (that *Board) Place(row, col int, value Cell) error {
	if row < 0 || row >= GridSize || col < 0 || col >= GridSize {
		return fmt.Errorf("%w: row %d col %d", ErrInvalidCell, row, col)
	}

	that[row][col] = value

	return nil
}

func (that *Board) Clear() {
	*that = Board{}
}

func (that *Board) IsEmpty() bool {
	return *that == Board{}
}
