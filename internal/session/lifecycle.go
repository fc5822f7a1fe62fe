package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codesync/internal/metrics"
	"codesync/internal/models"
	"codesync/internal/utils"
)

// State is a connection's position in the collaboration protocol.
type State int

const (
	StateConnected State = iota
	StateJoining
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SyncMode selects who supplies a joiner's initial document.
type SyncMode string

const (
	// SyncFromSnapshot delivers the stored snapshot as soon as the joiner is admitted.
	SyncFromSnapshot SyncMode = "snapshot"
	// SyncFromPeer forwards the first sync-code a peer sends for the joiner,
	// falling back to the stored snapshot after Options.SyncTimeout.
	SyncFromPeer SyncMode = "peer"
)

const (
	defaultSyncTimeout = 2 * time.Second
	storeTimeout       = 5 * time.Second
)

// EventPublisher receives room open/close notifications.
type EventPublisher interface {
	PublishRoomEvent(ctx context.Context, event models.RoomEvent) error
}

type nopPublisher struct{}

func (nopPublisher) PublishRoomEvent(context.Context, models.RoomEvent) error { return nil }

// Peer is one socket as seen by the lifecycle handler.
type Peer struct {
	ID          string
	ConnectedAt time.Time

	sender Sender

	mu        sync.Mutex
	state     State
	roomID    string
	username  string
	worker    *roomWorker
	syncTimer *time.Timer
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) RoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

func (p *Peer) Username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username
}

func (p *Peer) view() (State, string, *roomWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.roomID, p.worker
}

func (p *Peer) transition(from, to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return false
	}
	p.state = to
	if to != StateJoining && p.syncTimer != nil {
		p.syncTimer.Stop()
		p.syncTimer = nil
	}
	return true
}

// detach moves the peer out of its room and returns what it was attached to.
func (p *Peer) detach(to State) (prev State, roomID, username string, w *roomWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, roomID, username, w = p.state, p.roomID, p.username, p.worker
	if prev == StateDisconnected {
		return
	}
	p.state = to
	p.roomID, p.username, p.worker = "", "", nil
	if p.syncTimer != nil {
		p.syncTimer.Stop()
		p.syncTimer = nil
	}
	return
}

type Options struct {
	SyncMode    SyncMode
	SyncTimeout time.Duration
	InstanceID  string
}

// Deps are the shared stores the lifecycle handler mutates. Nothing else
// should write to them.
type Deps struct {
	Registry  *Registry
	Rooms     *RoomTable
	Snapshots SnapshotStore
	Events    EventPublisher
}

// Lifecycle drives each connection through connected -> joining -> active ->
// disconnected. Operations on one room run one at a time on that room's worker.
type Lifecycle struct {
	registry    *Registry
	rooms       *RoomTable
	snapshots   SnapshotStore
	events      EventPublisher
	broadcaster *Broadcaster
	hub         *Hub
	opts        Options
	log         *utils.Logger

	peersMu sync.RWMutex
	peers   map[string]*Peer
}

func NewLifecycle(deps Deps, opts Options, log *utils.Logger) *Lifecycle {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Rooms == nil {
		deps.Rooms = NewRoomTable()
	}
	if deps.Snapshots == nil {
		deps.Snapshots = NewMemoryStore()
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncFromSnapshot
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	log = log.With("component", "lifecycle")
	return &Lifecycle{
		registry:    deps.Registry,
		rooms:       deps.Rooms,
		snapshots:   deps.Snapshots,
		events:      deps.Events,
		broadcaster: NewBroadcaster(deps.Registry, deps.Rooms, deps.Snapshots),
		hub:         NewHub(log),
		opts:        opts,
		log:         log,
		peers:       make(map[string]*Peer),
	}
}

func (l *Lifecycle) Registry() *Registry      { return l.registry }
func (l *Lifecycle) Rooms() *RoomTable        { return l.rooms }
func (l *Lifecycle) Snapshots() SnapshotStore { return l.snapshots }
func (l *Lifecycle) Hub() *Hub                { return l.hub }
func (l *Lifecycle) Options() Options         { return l.opts }

// Connect admits a new socket in the connected state with a fresh id.
func (l *Lifecycle) Connect(sender Sender) *Peer {
	p := &Peer{ID: uuid.NewString(), ConnectedAt: time.Now(), sender: sender, state: StateConnected}
	l.peersMu.Lock()
	l.peers[p.ID] = p
	l.peersMu.Unlock()
	metrics.ActiveConnections.Inc()
	l.log.Debug("connection opened", "socketId", p.ID)
	return p
}

func (l *Lifecycle) peer(id string) (*Peer, bool) {
	l.peersMu.RLock()
	defer l.peersMu.RUnlock()
	p, ok := l.peers[id]
	return p, ok
}

// NormalizeRoomID is the canonical form of a client-supplied room id.
func NormalizeRoomID(roomID string) string { return strings.TrimSpace(roomID) }

// Join admits p into roomID. Blank ids are rejected and leave p untouched.
// Rejoining the current room is a no-op; joining another requires Leave first.
func (l *Lifecycle) Join(ctx context.Context, p *Peer, roomID, username string) error {
	roomID = NormalizeRoomID(roomID)
	username = strings.TrimSpace(username)
	if roomID == "" || username == "" {
		return ErrInvalidJoinRequest
	}

	state, current, _ := p.view()
	switch state {
	case StateDisconnected:
		return ErrConnectionClosed
	case StateJoining, StateActive:
		if current == roomID {
			return nil
		}
		return ErrAlreadyInRoom
	}

	w := l.hub.acquire(roomID)
	var opErr error
	if err := w.do(ctx, func() { opErr = l.join(w, p, roomID, username) }); err != nil {
		l.hub.release(w)
		return err
	}
	if opErr != nil {
		l.hub.release(w)
		return opErr
	}
	return nil
}

// join runs on the room worker.
func (l *Lifecycle) join(w *roomWorker, p *Peer, roomID, username string) error {
	if _, err := l.registry.Register(p.ID, username, p.sender); err != nil {
		l.log.Error("connection id reused by transport", "socketId", p.ID, "roomId", roomID, "error", err)
		return err
	}
	if err := l.registry.SetRoom(p.ID, roomID); err != nil {
		return err
	}
	prior := l.rooms.Join(roomID, p.ID)

	p.mu.Lock()
	p.state, p.roomID, p.username, p.worker = StateJoining, roomID, username, w
	p.mu.Unlock()
	l.refreshGauges()

	if len(prior) == 0 {
		l.publish(models.RoomEvent{
			Type:     models.RoomOpened,
			RoomID:   roomID,
			OpenedAt: w.openedAt.UTC().Format(time.RFC3339),
		})
	}

	if err := l.broadcaster.NotifyJoined(roomID, p.ID, username); err != nil {
		l.logBroadcast(err, roomID)
	}
	l.log.Info("connection joined room", "socketId", p.ID, "username", username, "roomId", roomID, "members", len(prior)+1)

	if len(prior) == 0 {
		p.transition(StateJoining, StateActive)
		return nil
	}

	if l.opts.SyncMode == SyncFromPeer {
		p.mu.Lock()
		p.syncTimer = time.AfterFunc(l.opts.SyncTimeout, func() { l.syncFallback(p, roomID) })
		p.mu.Unlock()
		return nil
	}
	l.syncFromSnapshot(p, roomID, prior[0])
	return nil
}

// syncFromSnapshot runs on the room worker.
func (l *Lifecycle) syncFromSnapshot(p *Peer, roomID, fromID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	text, err := l.snapshots.Get(ctx, roomID)
	if err != nil {
		l.log.Error("snapshot read failed, syncing empty document", "roomId", roomID, "error", err)
		text = ""
	}
	if !p.transition(StateJoining, StateActive) {
		return
	}
	if err := l.broadcaster.NotifySync(fromID, p.ID, text); err != nil {
		l.logBroadcast(err, roomID)
	}
}

func (l *Lifecycle) syncFallback(p *Peer, roomID string) {
	w := l.hub.acquire(roomID)
	defer l.hub.release(w)
	_ = w.do(context.Background(), func() {
		if state, current, _ := p.view(); state != StateJoining || current != roomID {
			return
		}
		from := p.ID
		for _, id := range l.rooms.Members(roomID) {
			if id != p.ID {
				from = id
				break
			}
		}
		l.log.Warn("no peer supplied sync-code in time, using stored snapshot", "socketId", p.ID, "roomId", roomID)
		l.syncFromSnapshot(p, roomID, from)
	})
}

// SyncCode forwards a peer-supplied document to the joiner named by targetID
// and stores it as the room snapshot. Only the first sync for a joiner is
// delivered; later ones, self-targeted ones and ones from peers that are not
// yet active are dropped.
func (l *Lifecycle) SyncCode(ctx context.Context, p *Peer, targetID, code string) error {
	state, roomID, w := p.view()
	switch state {
	case StateConnected:
		return ErrNotJoined
	case StateDisconnected:
		return ErrConnectionClosed
	}
	if targetID == "" || targetID == p.ID {
		return nil
	}

	return w.do(ctx, func() {
		if p.State() != StateActive {
			return
		}
		target, ok := l.peer(targetID)
		if !ok || target.RoomID() != roomID {
			l.log.Debug("dropping sync-code for connection outside the room", "from", p.ID, "to", targetID, "roomId", roomID)
			return
		}
		if !target.transition(StateJoining, StateActive) {
			return
		}
		opCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := l.snapshots.Set(opCtx, roomID, code); err != nil {
			l.log.Warn("failed to store peer sync", "roomId", roomID, "error", err)
		}
		if err := l.broadcaster.NotifySync(p.ID, targetID, code); err != nil {
			l.logBroadcast(err, roomID)
		}
	})
}

// CodeChange stores code as the room snapshot and relays it to the other members.
// An empty roomID means the peer's current room. Room ids are compared after
// the same trimming Join applies.
func (l *Lifecycle) CodeChange(ctx context.Context, p *Peer, roomID, code string) error {
	roomID = NormalizeRoomID(roomID)
	state, current, w := p.view()
	switch state {
	case StateConnected:
		return ErrNotJoined
	case StateDisconnected:
		return ErrConnectionClosed
	case StateJoining:
		return ErrNotActive
	}
	if roomID != "" && roomID != current {
		return ErrRoomMismatch
	}

	var opErr error
	if err := w.do(ctx, func() {
		if p.State() != StateActive {
			opErr = ErrNotActive
			return
		}
		opCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := l.broadcaster.NotifyCodeChange(opCtx, current, p.ID, code); err != nil {
			l.logBroadcast(err, current)
		}
	}); err != nil {
		return err
	}
	return opErr
}

// Leave detaches p from its room and returns it to the connected state.
func (l *Lifecycle) Leave(_ context.Context, p *Peer) error {
	prev, roomID, username, w := p.detach(StateConnected)
	switch prev {
	case StateConnected:
		return ErrNotJoined
	case StateDisconnected:
		return ErrConnectionClosed
	}
	l.teardown(p.ID, roomID, username, w)
	return nil
}

// Disconnect is the terminal transition. It is safe to call more than once;
// only the first call tears membership down and notifies the room.
func (l *Lifecycle) Disconnect(p *Peer) {
	prev, roomID, username, w := p.detach(StateDisconnected)
	if prev == StateDisconnected {
		return
	}

	l.peersMu.Lock()
	delete(l.peers, p.ID)
	l.peersMu.Unlock()
	metrics.ActiveConnections.Dec()

	if prev == StateJoining || prev == StateActive {
		l.teardown(p.ID, roomID, username, w)
	}
	l.log.Debug("connection closed", "socketId", p.ID, "previousState", prev.String())
}

func (l *Lifecycle) teardown(id, roomID, username string, w *roomWorker) {
	defer l.hub.release(w)
	_ = w.do(context.Background(), func() {
		remaining := l.rooms.Leave(roomID, id)
		if conn, err := l.registry.Unregister(id); err != nil {
			if errors.Is(err, ErrUnknownConnection) {
				l.log.Debug("connection already unregistered", "socketId", id, "roomId", roomID)
			} else {
				l.log.Warn("unregister failed", "socketId", id, "error", err)
			}
		} else if conn.Username != "" {
			username = conn.Username
		}
		l.refreshGauges()

		if remaining > 0 {
			if err := l.broadcaster.NotifyDisconnected(roomID, id, username); err != nil {
				l.logBroadcast(err, roomID)
			}
			l.log.Info("connection left room", "socketId", id, "username", username, "roomId", roomID, "members", remaining)
			return
		}
		l.closeRoom(w)
	})
}

// closeRoom runs on the room worker once the last member is gone. The
// snapshot is purged so the next session in this room starts empty.
func (l *Lifecycle) closeRoom(w *roomWorker) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	finalCode, err := l.snapshots.Get(ctx, w.roomID)
	if err != nil {
		l.log.Warn("final snapshot read failed", "roomId", w.roomID, "error", err)
	}
	if err := l.snapshots.Delete(ctx, w.roomID); err != nil {
		l.log.Error("snapshot purge failed", "roomId", w.roomID, "error", err)
	}

	closedAt := time.Now()
	l.publish(models.RoomEvent{
		Type:        models.RoomClosed,
		RoomID:      w.roomID,
		FinalCode:   finalCode,
		OpenedAt:    w.openedAt.UTC().Format(time.RFC3339),
		ClosedAt:    closedAt.UTC().Format(time.RFC3339),
		DurationSec: int(closedAt.Sub(w.openedAt).Seconds()),
	})
	l.log.Info("room closed", "roomId", w.roomID)
}

// RoomStatus reports the current members of roomID and whether it has a snapshot.
func (l *Lifecycle) RoomStatus(ctx context.Context, roomID string) (models.RoomStatus, error) {
	roomID = NormalizeRoomID(roomID)
	status := models.RoomStatus{RoomID: roomID, Members: []models.ClientInfo{}}
	for _, id := range l.rooms.Members(roomID) {
		if c, ok := l.registry.Get(id); ok {
			status.Members = append(status.Members, models.ClientInfo{SocketID: c.ID, Username: c.Username})
		}
	}
	text, err := l.snapshots.Get(ctx, roomID)
	if err != nil {
		return status, err
	}
	status.HasSnapshot = text != ""
	return status, nil
}

// IdlePeers returns peers that connected before cutoff and never joined a room.
func (l *Lifecycle) IdlePeers(cutoff time.Time) []*Peer {
	l.peersMu.RLock()
	defer l.peersMu.RUnlock()
	var idle []*Peer
	for _, p := range l.peers {
		if p.ConnectedAt.Before(cutoff) && p.State() == StateConnected {
			idle = append(idle, p)
		}
	}
	return idle
}

// ClosePeer asks the peer's transport to shut down; the read loop then
// observes the close and calls Disconnect.
func (l *Lifecycle) ClosePeer(p *Peer) {
	if closer, ok := p.sender.(interface{ Close() }); ok {
		closer.Close()
	}
}

// CloseAll asks every open socket to shut down and reports how many it asked.
// Used on server shutdown, which does not track hijacked connections.
func (l *Lifecycle) CloseAll() int {
	l.peersMu.RLock()
	peers := make([]*Peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.peersMu.RUnlock()

	for _, p := range peers {
		l.ClosePeer(p)
	}
	return len(peers)
}

// PeerCount reports open sockets known to the lifecycle handler.
func (l *Lifecycle) PeerCount() int {
	l.peersMu.RLock()
	defer l.peersMu.RUnlock()
	return len(l.peers)
}

func (l *Lifecycle) refreshGauges() {
	metrics.JoinedConnections.Set(float64(l.registry.Count()))
	metrics.ActiveRooms.Set(float64(l.rooms.Count()))
}

// snapshotReclaimer is implemented by stores whose snapshots can outlive the
// process that wrote them.
type snapshotReclaimer interface {
	Reclaim(ctx context.Context, live []string) (int, error)
}

// ReclaimSnapshots tells the snapshot store which rooms are open here so it
// can keep their snapshots and expire the rest. It reports how many stale
// snapshots were given an expiry.
func (l *Lifecycle) ReclaimSnapshots(ctx context.Context) int {
	r, ok := l.snapshots.(snapshotReclaimer)
	if !ok {
		return 0
	}
	n, err := r.Reclaim(ctx, l.rooms.Rooms())
	if err != nil {
		l.log.Warn("snapshot reclaim failed", "error", err)
	}
	return n
}

// RefreshGauges re-reads store sizes into the Prometheus gauges.
func (l *Lifecycle) RefreshGauges() { l.refreshGauges() }

func (l *Lifecycle) publish(event models.RoomEvent) {
	event.InstanceID = l.opts.InstanceID
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := l.events.PublishRoomEvent(ctx, event); err != nil {
		l.log.Warn("room event publish failed", "roomId", event.RoomID, "type", event.Type, "error", err)
	}
}

func (l *Lifecycle) logBroadcast(err error, roomID string) {
	var berr *BroadcastError
	if errors.As(err, &berr) {
		l.log.Warn("partial broadcast failure", "roomId", roomID, "event", berr.Event, "failed", berr.Failed, "error", berr.Err)
		return
	}
	l.log.Error("broadcast failed", "roomId", roomID, "error", err)
}
