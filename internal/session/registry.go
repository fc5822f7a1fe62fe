package session

import (
	"fmt"
	"sync"
	"time"

	"codesync/internal/models"
)

// Sender delivers a frame to one connection.
type Sender interface {
	Send(frame models.WSFrame) error
}

// Connection is the registry's view of one joined client socket.
type Connection struct {
	ID       string
	Username string
	RoomID   string
	JoinedAt time.Time
	Sender   Sender
}

// Registry tracks live connections by id. Entries are created on JOIN and
// removed on leave or disconnect.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]*Connection)} }

func (r *Registry) Register(id, username string, sender Sender) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return nil, fmt.Errorf("register %s: %w", id, ErrDuplicateConnection)
	}
	c := &Connection{ID: id, Username: username, JoinedAt: time.Now(), Sender: sender}
	r.conns[id] = c
	return c, nil
}

func (r *Registry) SetRoom(id, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("set room for %s: %w", id, ErrUnknownConnection)
	}
	c.RoomID = roomID
	return nil
}

// Unregister removes and returns the entry. A missing entry yields
// ErrUnknownConnection, which teardown paths treat as benign.
func (r *Registry) Unregister(id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("unregister %s: %w", id, ErrUnknownConnection)
	}
	delete(r.conns, id)
	return c, nil
}

// Get returns a copy of the entry.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
