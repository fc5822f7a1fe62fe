package session

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"codesync/internal/metrics"
	"codesync/internal/utils"
)

const roomInboxSize = 64

type roomOp func()

// roomWorker serializes every operation for one room on a single goroutine.
// It lives as long as at least one peer holds a reference to it.
type roomWorker struct {
	roomID   string
	inbox    chan roomOp
	refs     int
	openedAt time.Time
	done     chan struct{}
	log      *utils.Logger
}

func (w *roomWorker) run() {
	defer close(w.done)
	for op := range w.inbox {
		w.exec(op)
	}
}

func (w *roomWorker) exec(op roomOp) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RoomOpsRecovered.Inc()
			w.log.Error("room operation panicked", "roomId", w.roomID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	op()
}

// do runs fn on the room goroutine and waits for it. Once queued, fn always
// runs to completion even if ctx is cancelled meanwhile.
func (w *roomWorker) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case w.inbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Hub manages the per-room workers.
type Hub struct {
	mu      sync.Mutex
	workers map[string]*roomWorker
	log     *utils.Logger
}

func NewHub(log *utils.Logger) *Hub {
	return &Hub{workers: make(map[string]*roomWorker), log: log}
}

// acquire returns the room's worker, starting one if needed, and takes a reference.
func (h *Hub) acquire(roomID string) *roomWorker {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.workers[roomID]
	if !ok {
		w = &roomWorker{
			roomID:   roomID,
			inbox:    make(chan roomOp, roomInboxSize),
			openedAt: time.Now(),
			done:     make(chan struct{}),
			log:      h.log,
		}
		h.workers[roomID] = w
		go w.run()
	}
	w.refs++
	return w
}

// release drops a reference; the last one stops the worker after its queue drains.
func (h *Hub) release(w *roomWorker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w.refs--
	if w.refs > 0 {
		return
	}
	if h.workers[w.roomID] == w {
		delete(h.workers, w.roomID)
	}
	close(w.inbox)
}

// Len reports the number of live room workers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers)
}
