package session

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"codesync/internal/metrics"
	"codesync/internal/models"
)

// Broadcaster fans room events out to members. Each recipient is attempted
// independently; failures are collected into a *BroadcastError.
type Broadcaster struct {
	registry  *Registry
	rooms     *RoomTable
	snapshots SnapshotStore
}

func NewBroadcaster(registry *Registry, rooms *RoomTable, snapshots SnapshotStore) *Broadcaster {
	return &Broadcaster{registry: registry, rooms: rooms, snapshots: snapshots}
}

// NotifyJoined sends the full member list to every member, joiner included.
// Callers must have committed the Room Table join first.
func (b *Broadcaster) NotifyJoined(roomID, joinerID, username string) error {
	members := b.rooms.Members(roomID)
	frame := models.WSFrame{Type: models.EventJoined, Data: models.Joined{
		Clients:  b.clientInfos(members),
		Username: username,
		SocketID: joinerID,
	}}
	return b.deliver(models.EventJoined, members, frame)
}

// NotifySync unicasts text to toID. The socketId field names the member the
// text is attributed to.
func (b *Broadcaster) NotifySync(fromID, toID, text string) error {
	frame := models.WSFrame{Type: models.EventSyncCode, Data: models.SyncCode{Code: text, SocketID: fromID}}
	return b.deliver(models.EventSyncCode, []string{toID}, frame)
}

// NotifyCodeChange records text as the room snapshot and sends it to every
// member except the origin. A snapshot write failure does not stop delivery.
func (b *Broadcaster) NotifyCodeChange(ctx context.Context, roomID, originID, text string) error {
	var errs error
	if err := b.snapshots.Set(ctx, roomID, text); err != nil {
		errs = multierr.Append(errs, err)
	}

	frame := models.WSFrame{Type: models.EventCodeChange, Data: models.CodeChange{RoomID: roomID, Code: text}}
	return multierr.Append(errs, b.deliver(models.EventCodeChange, without(b.rooms.Members(roomID), originID), frame))
}

// NotifyDisconnected tells the remaining members that connID is gone. Callers
// must have applied the Room Table leave first.
func (b *Broadcaster) NotifyDisconnected(roomID, connID, username string) error {
	frame := models.WSFrame{Type: models.EventDisconnected, Data: models.Disconnected{SocketID: connID, Username: username}}
	return b.deliver(models.EventDisconnected, without(b.rooms.Members(roomID), connID), frame)
}

func (b *Broadcaster) clientInfos(ids []string) []models.ClientInfo {
	clients := make([]models.ClientInfo, 0, len(ids))
	for _, id := range ids {
		if c, ok := b.registry.Get(id); ok {
			clients = append(clients, models.ClientInfo{SocketID: c.ID, Username: c.Username})
		}
	}
	return clients
}

func (b *Broadcaster) deliver(event string, ids []string, frame models.WSFrame) error {
	var (
		errs   error
		failed []string
	)
	for _, id := range ids {
		c, ok := b.registry.Get(id)
		if !ok || c.Sender == nil {
			failed = append(failed, id)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, ErrUnknownConnection))
			metrics.FramesFailed.WithLabelValues(event).Inc()
			continue
		}
		if err := c.Sender.Send(frame); err != nil {
			failed = append(failed, id)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
			metrics.FramesFailed.WithLabelValues(event).Inc()
			continue
		}
		metrics.FramesDelivered.WithLabelValues(event).Inc()
	}
	if errs != nil {
		return &BroadcastError{Event: event, Failed: failed, Err: errs}
	}
	return nil
}

func without(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
