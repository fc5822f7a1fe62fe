package session

import "sync"

type memberSet struct {
	order []string
	index map[string]struct{}
}

// RoomTable maps room ids to their members in join order. Empty rooms are
// evicted as soon as their last member leaves.
type RoomTable struct {
	mu    sync.RWMutex
	rooms map[string]*memberSet
}

func NewRoomTable() *RoomTable { return &RoomTable{rooms: make(map[string]*memberSet)} }

// Join adds connID to the room, creating it if needed, and returns the members
// present before the call. Joining twice leaves membership unchanged.
func (t *RoomTable) Join(roomID, connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.rooms[roomID]
	if !ok {
		set = &memberSet{index: make(map[string]struct{})}
		t.rooms[roomID] = set
	}
	if _, member := set.index[connID]; member {
		prior := make([]string, 0, len(set.order)-1)
		for _, id := range set.order {
			if id != connID {
				prior = append(prior, id)
			}
		}
		return prior
	}

	prior := append([]string(nil), set.order...)
	set.order = append(set.order, connID)
	set.index[connID] = struct{}{}
	return prior
}

// Leave removes connID and returns how many members remain.
func (t *RoomTable) Leave(roomID, connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.rooms[roomID]
	if !ok {
		return 0
	}
	if _, member := set.index[connID]; member {
		delete(set.index, connID)
		for i, id := range set.order {
			if id == connID {
				set.order = append(set.order[:i], set.order[i+1:]...)
				break
			}
		}
	}
	remaining := len(set.order)
	if remaining == 0 {
		delete(t.rooms, roomID)
	}
	return remaining
}

func (t *RoomTable) Members(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]string(nil), set.order...)
}

func (t *RoomTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

func (t *RoomTable) Rooms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	return ids
}
