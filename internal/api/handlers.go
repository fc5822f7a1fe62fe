package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"codesync/internal/models"
	"codesync/internal/services"
	"codesync/internal/session"
	"codesync/internal/utils"
)

const maxRequestBody = 1 << 20

// forwarder proxies a JSON body to an external collaborator.
type forwarder interface {
	Forward(ctx context.Context, body []byte) (*services.Response, error)
}

type Handlers struct {
	log       *utils.Logger
	lifecycle *session.Lifecycle
	tokens    *utils.RoomTokenValidator
	compiler  forwarder
	assistant forwarder
	upgrader  websocket.Upgrader
}

func NewHandlers(log *utils.Logger, lifecycle *session.Lifecycle) *Handlers {
	return NewHandlersWithDeps(log, lifecycle, nil, nil, nil, nil)
}

// NewHandlersWithDeps wires optional collaborators. A nil validator disables
// room tokens; nil forwarders answer 503; a nil checkOrigin accepts any origin.
func NewHandlersWithDeps(
	log *utils.Logger,
	lifecycle *session.Lifecycle,
	tokens *utils.RoomTokenValidator,
	compiler, assistant forwarder,
	checkOrigin func(*http.Request) bool,
) *Handlers {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handlers{
		log:       log.With("component", "api"),
		lifecycle: lifecycle,
		tokens:    tokens,
		compiler:  compiler,
		assistant: assistant,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) RoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "id"))
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room id is required")
		return
	}
	status, err := h.lifecycle.RoomStatus(r.Context(), roomID)
	if err != nil {
		h.log.Error("room status lookup failed", "roomId", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load room status")
		return
	}
	writeJSON(w, status)
}

func (h *Handlers) Compile(w http.ResponseWriter, r *http.Request) {
	var req models.CompileRequest
	body, ok := h.readBody(w, r, &req)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}
	h.proxy(w, r, "compile", h.compiler, body)
}

func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	body, ok := h.readBody(w, r, &req)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	h.proxy(w, r, "chat", h.assistant, body)
}

func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request, into any) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if err := json.Unmarshal(body, into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return body, true
}

// proxy relays the upstream reply verbatim. Transport failures become 502.
func (h *Handlers) proxy(w http.ResponseWriter, r *http.Request, name string, up forwarder, body []byte) {
	if up == nil {
		writeError(w, http.StatusServiceUnavailable, name+" service is not configured")
		return
	}
	resp, err := up.Forward(r.Context(), body)
	if errors.Is(err, services.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, name+" service is not configured")
		return
	}
	if err != nil {
		h.log.Warn("upstream call failed", "upstream", name, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
