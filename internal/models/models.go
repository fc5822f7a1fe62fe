package models

import "encoding/json"

// Event types carried in WSFrame.Type.
const (
	EventJoin         = "join"
	EventJoined       = "joined"
	EventSyncCode     = "sync-code"
	EventCodeChange   = "code-change"
	EventLeave        = "leave"
	EventDisconnected = "disconnected"
	EventError        = "error"
	EventPing         = "ping"
	EventPong         = "pong"
)

// WSFrame is the envelope for every message exchanged on the collaboration socket.
type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// InboundFrame defers decoding of Data until the type is known.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

/*** Client -> server ***/

type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type CodeChange struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// SyncCode travels peer -> server -> joiner. Inbound, SocketID names the joiner;
// outbound, it names the member the text is attributed to.
type SyncCode struct {
	Code     string `json:"code"`
	SocketID string `json:"socketId"`
}

/*** Server -> client ***/

type ClientInfo struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type Joined struct {
	Clients  []ClientInfo `json:"clients"`
	Username string       `json:"username"`
	SocketID string       `json:"socketId"`
}

type Disconnected struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

/*** REST ***/

type RoomStatus struct {
	RoomID      string       `json:"roomId"`
	Members     []ClientInfo `json:"members"`
	HasSnapshot bool         `json:"hasSnapshot"`
}

type CompileRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

/*** Room lifecycle events published to Redis ***/

const (
	RoomOpened = "room_opened"
	RoomClosed = "room_closed"
)

type RoomEvent struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	InstanceID  string `json:"instanceId"`
	FinalCode   string `json:"finalCode,omitempty"`
	OpenedAt    string `json:"openedAt"`
	ClosedAt    string `json:"closedAt,omitempty"`
	DurationSec int    `json:"durationSeconds,omitempty"`
}
