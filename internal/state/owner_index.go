package state

import (
	"fmt"

	"github.com/google/uuid"
)

// OwnerIndex maps each owner to a dense list of their position ids plus a
// reverse lookup from id to its current slot in that list. Removal swaps the
// last element into the vacated slot and pops, so both operations are O(1).
// Order among remaining ids is not preserved across removals.
//
// Not thread-safe — only accessed from the single-writer engine.
type OwnerIndex struct {
	byOwner map[uuid.UUID][]PositionID
	slots   map[PositionID]int
}

func NewOwnerIndex() *OwnerIndex {
	return &OwnerIndex{
		byOwner: make(map[uuid.UUID][]PositionID),
		slots:   make(map[PositionID]int),
	}
}

// Insert appends id to owner's list and records its slot.
func (ix *OwnerIndex) Insert(owner uuid.UUID, id PositionID) error {
	if _, exists := ix.slots[id]; exists {
		return fmt.Errorf("owner index: id %d already present", id)
	}
	list := ix.byOwner[owner]
	ix.slots[id] = len(list)
	ix.byOwner[owner] = append(list, id)
	return nil
}

// Remove deletes id from owner's list via swap-with-last. The reverse-lookup
// entry for the moved element is rewritten, and the removed id's entry is
// deleted, keeping both structures exactly in sync.
func (ix *OwnerIndex) Remove(owner uuid.UUID, id PositionID) error {
	slot, ok := ix.slots[id]
	if !ok {
		return fmt.Errorf("owner index: id %d not present", id)
	}
	list := ix.byOwner[owner]
	if slot >= len(list) || list[slot] != id {
		// Reverse index out of sync with the dense list — this is a
		// bookkeeping bug, not caller error.
		return fmt.Errorf("owner index corrupt: id %d slot %d, list len %d", id, slot, len(list))
	}

	last := len(list) - 1
	if slot != last {
		moved := list[last]
		list[slot] = moved
		ix.slots[moved] = slot
	}
	list = list[:last]
	if len(list) == 0 {
		delete(ix.byOwner, owner)
	} else {
		ix.byOwner[owner] = list
	}
	delete(ix.slots, id)
	return nil
}

// Contains reports whether id is indexed.
func (ix *OwnerIndex) Contains(id PositionID) bool {
	_, ok := ix.slots[id]
	return ok
}

// List returns a copy of owner's position ids.
func (ix *OwnerIndex) List(owner uuid.UUID) []PositionID {
	list := ix.byOwner[owner]
	out := make([]PositionID, len(list))
	copy(out, list)
	return out
}

// Count returns the number of positions indexed for owner.
func (ix *OwnerIndex) Count(owner uuid.UUID) int {
	return len(ix.byOwner[owner])
}
