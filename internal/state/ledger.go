package state

import (
	"github.com/google/uuid"
)

// Ledger owns the canonical position records and the owner index. Existence
// changes only through Insert and Remove, and both keep the record map and
// the index consistent as a unit — no caller can observe a position present
// in one structure and absent from the other.
//
// Not thread-safe — only accessed from the single-writer engine.
type Ledger struct {
	positions map[PositionID]*Position
	index     *OwnerIndex
	nextID    PositionID
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[PositionID]*Position),
		index:     NewOwnerIndex(),
		nextID:    1,
	}
}

// NextID returns the id the next inserted position will receive.
func (l *Ledger) NextID() PositionID {
	return l.nextID
}

// Insert assigns the next id to pos, stores it, and indexes it under its
// owner. The id counter advances even if a later operation removes the
// position, so ids are never reused.
func (l *Ledger) Insert(pos *Position) (PositionID, error) {
	pos.ID = l.nextID
	if err := l.index.Insert(pos.Owner, pos.ID); err != nil {
		return 0, err
	}
	l.positions[pos.ID] = pos
	l.nextID++
	return pos.ID, nil
}

// Remove deletes the position from both the record map and the index.
func (l *Ledger) Remove(id PositionID) error {
	pos, ok := l.positions[id]
	if !ok {
		return nil
	}
	if err := l.index.Remove(pos.Owner, id); err != nil {
		return err
	}
	delete(l.positions, id)
	return nil
}

// Get returns the position record or nil.
func (l *Ledger) Get(id PositionID) *Position {
	return l.positions[id]
}

// ListByOwner returns a copy of the owner's position ids.
func (l *Ledger) ListByOwner(owner uuid.UUID) []PositionID {
	return l.index.List(owner)
}

// Count returns the number of live positions.
func (l *Ledger) Count() int {
	return len(l.positions)
}

// All returns every live position (iteration order unspecified).
func (l *Ledger) All() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	return out
}
