package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/simulator"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Engine is the part of the simulator the handler drives.
type Engine interface {
	Start(interval time.Duration) error
	Stop()
	Step() (model.Snapshot, error)
	State() simulator.State
	Snapshot() model.Snapshot
}

// Handler manages WebSocket connections and routes messages to the engine.
type Handler struct {
	hub             *Hub
	engine          Engine
	defaultInterval time.Duration
	logger          *slog.Logger
}

// NewHandler creates a handler. defaultInterval is used when sim:start
// carries no interval.
func NewHandler(hub *Hub, engine Engine, defaultInterval time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, engine: engine, defaultInterval: defaultInterval, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws_upgrade_failed", "err", err)
		return
	}

	client := newClient(h.hub, conn)
	if !h.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	go client.writePump()

	// Initial state, then the last published snapshot.
	h.send(client, TypeSimState, SimStateFromEngine(h.engine.State()))
	h.send(client, TypeGridSnapshot, h.engine.Snapshot())

	h.readPump(client)
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws_read_failed", "err", err)
			}
			return
		}

		h.handleMessage(c, msg)
	}
}

func (h *Handler) handleMessage(c *Client, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.logger.Warn("ws_invalid_message", "err", err)
		h.send(c, TypeSimError, ErrorPayload{Error: "invalid message"})
		return
	}

	switch env.Type {
	case TypeSimStart:
		interval := h.defaultInterval
		if len(env.Payload) > 0 {
			var p StartPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				h.logger.Warn("ws_invalid_payload", "type", env.Type, "err", err)
				h.send(c, TypeSimError, ErrorPayload{Error: "invalid sim:start payload"})
				return
			}
			if p.IntervalSeconds != 0 {
				interval = time.Duration(p.IntervalSeconds * float64(time.Second))
			}
		}
		if err := h.engine.Start(interval); err != nil {
			h.send(c, TypeSimError, ErrorPayload{Error: err.Error()})
		}

	case TypeSimStop:
		h.engine.Stop()

	case TypeSimStep:
		if _, err := h.engine.Step(); err != nil {
			h.send(c, TypeSimError, ErrorPayload{Error: err.Error()})
		}

	default:
		h.logger.Warn("ws_unknown_message", "type", env.Type)
		h.send(c, TypeSimError, ErrorPayload{Error: "unknown message type " + env.Type})
	}
}

// send queues a message for one client only.
func (h *Handler) send(c *Client, msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		h.logger.Error("ws_marshal_failed", "type", msgType, "err", err)
		return
	}
	if !h.hub.SendTo(c, msg) {
		h.logger.Debug("ws_reply_dropped", "type", msgType)
	}
}
