package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"codesync/internal/metrics"
	"codesync/internal/models"
	"codesync/internal/session"
	"codesync/internal/utils"
)

var (
	errMalformedFrame = errors.New("malformed_frame")
	errUnknownType    = errors.New("unknown_type")
	errRoomForbidden  = errors.New("room_forbidden")
)

func errorCode(err error) string {
	for _, known := range []error{errMalformedFrame, errUnknownType, errRoomForbidden} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return session.Code(err)
}

// CollabWS serves one collaboration socket. When room tokens are enabled the
// token (query ?token= or Authorization header) must be valid before upgrade,
// and it pins the socket to the room named in its claims.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	var claims *utils.RoomTokenClaims
	if h.tokens.Enabled() {
		token := r.URL.Query().Get("token")
		if token == "" {
			token, _ = utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing room token")
			return
		}
		c, err := h.tokens.ValidateRoomToken(token)
		if err != nil {
			h.log.Warn("room token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid room token")
			return
		}
		claims = c
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := session.NewClient(conn)
	go client.WritePump()

	peer := h.lifecycle.Connect(client)
	log := h.log.With("socketId", peer.ID)
	defer func() {
		h.lifecycle.Disconnect(peer)
		client.Close()
	}()

	ctx := r.Context()
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				h.reject(client, errMalformedFrame)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("socket closed unexpectedly", "error", err)
			}
			return
		}
		if err := h.dispatch(ctx, client, peer, claims, frame); err != nil {
			h.reject(client, err)
		}
	}
}

func (h *Handlers) dispatch(ctx context.Context, client *session.Client, peer *session.Peer, claims *utils.RoomTokenClaims, frame models.InboundFrame) error {
	switch frame.Type {
	case models.EventJoin:
		var req models.JoinRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return err
		}
		if claims != nil {
			if session.NormalizeRoomID(claims.RoomId) != session.NormalizeRoomID(req.RoomID) {
				return errRoomForbidden
			}
			if claims.Username != "" {
				req.Username = claims.Username
			}
		}
		return h.lifecycle.Join(ctx, peer, req.RoomID, req.Username)

	case models.EventSyncCode:
		var req models.SyncCode
		if err := decodeData(frame.Data, &req); err != nil {
			return err
		}
		return h.lifecycle.SyncCode(ctx, peer, req.SocketID, req.Code)

	case models.EventCodeChange:
		var req models.CodeChange
		if err := decodeData(frame.Data, &req); err != nil {
			return err
		}
		return h.lifecycle.CodeChange(ctx, peer, req.RoomID, req.Code)

	case models.EventLeave:
		return h.lifecycle.Leave(ctx, peer)

	case models.EventPing:
		return client.Send(models.WSFrame{Type: models.EventPong})

	default:
		return errUnknownType
	}
}

// reject reports err to the originating socket only.
func (h *Handlers) reject(client *session.Client, err error) {
	code := errorCode(err)
	metrics.RejectedRequests.WithLabelValues(code).Inc()
	_ = client.Send(models.WSFrame{Type: models.EventError, Data: models.ErrorPayload{Code: code, Message: err.Error()}})
}

func decodeData(data json.RawMessage, into any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return errMalformedFrame
	}
	return nil
}
