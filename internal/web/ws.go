package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/logic/control"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsReadLimit  = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // LAN appliance, any origin
	},
}

// PublishState encodes a status and sends it to every websocket client.
// Suitable as a control.Publisher.
func (h *Handlers) PublishState(st control.Status) {
	if h.States == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		debug.Info("Web: encode state: %v", err)
		return
	}
	h.States.Publish(string(data))
}

// HandleWebSocket handles GET /ws. The client gets the current state
// right away, then every published state. Incoming messages are ignored.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Info("Web: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, unsub := h.States.Subscribe()
	defer unsub()

	first, err := json.Marshal(h.Control.State())
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
		return
	}

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, ch, done)
}

// readPump drains the connection so pongs and close frames are seen.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				debug.Verbose("Web: websocket read: %v", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, ch <-chan string, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
