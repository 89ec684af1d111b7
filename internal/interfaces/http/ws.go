package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexusfeed/nexusfeed/internal/replay"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient adapts a websocket connection to the publisher's client
// interface. Writes are serialized; a write failure marks the client
// dead so the publisher drops it.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn}
}

func (c *wsClient) Send(data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(data)
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}

// subscribeMessage is the control frame clients send on the live
// stream socket.
type subscribeMessage struct {
	Action     string `json:"action"` // "subscribe" or "unsubscribe"
	Instrument string `json:"instrument"`
}

// LiveStream upgrades to a websocket and serves the live fan-out.
// Clients manage their instrument set with subscribe/unsubscribe
// frames; the connection closes when the read loop fails.
func (h *Handlers) LiveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newWSClient(conn)
	h.pub.Register(client)
	h.metrics.ClientConnected()
	defer func() {
		h.pub.Unregister(client)
		h.metrics.ClientDisconnected()
		client.Close()
	}()

	for {
		var msg subscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		switch msg.Action {
		case "subscribe":
			if msg.Instrument != "" {
				h.pub.Subscribe(client, msg.Instrument)
				_ = client.Send(map[string]string{"status": "subscribed", "instrument": canonicalInstrument(msg.Instrument)})
			}
		case "unsubscribe":
			if msg.Instrument != "" {
				h.pub.Unsubscribe(client, msg.Instrument)
				_ = client.Send(map[string]string{"status": "unsubscribed", "instrument": canonicalInstrument(msg.Instrument)})
			}
		default:
			_ = client.Send(map[string]string{"error": "unknown action"})
		}
	}
}

// ReplayStream upgrades to a websocket and streams a previously
// created replay session.
func (h *Handlers) ReplayStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := newWSClient(conn)
	defer client.Close()

	h.metrics.ClientConnected()
	defer h.metrics.ClientDisconnected()

	if err := h.engine.Stream(r.Context(), id, client); err != nil {
		if errors.Is(err, replay.ErrSessionNotFound) {
			_ = client.Send(map[string]string{"error": "session not found"})
		}
		log.Debug().Err(err).Str("session", id).Msg("replay stream ended with error")
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replay complete"),
		time.Now().Add(wsWriteTimeout))
}
