package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireEvent is the JSON shape delivered to WebSocket clients.
type wireEvent struct {
	Type string     `json:"type"`
	Job  *queue.Job `json:"job"`
}

// JobHub upgrades HTTP connections to WebSocket and streams queue change
// events to each client, scoped to the prefix filter given in the
// connection's query string.
type JobHub struct {
	manager *queue.Manager
	logger  *common.Logger
}

// NewJobHub wraps a subscription manager for HTTP delivery.
func NewJobHub(manager *queue.Manager, logger *common.Logger) *JobHub {
	return &JobHub{manager: manager, logger: logger}
}

// ServeWS upgrades r and streams change events until the client disconnects
// or the request context is cancelled.
func (h *JobHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	send := make(chan []byte, 256)
	unsubscribe, err := h.manager.Subscribe(r.Context(), parseSubscribeOptions(r.URL.Query()), func(ev queue.ChangeEvent) {
		job := ev.New
		if job == nil {
			job = ev.Old
		}
		data, err := json.Marshal(wireEvent{Type: string(ev.Type), Job: job})
		if err != nil {
			return
		}
		select {
		case send <- data:
		default:
			h.logger.Warn().Msg("job hub client send buffer full, dropping event")
		}
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("subscribe failed")
		conn.Close()
		return
	}

	go writePump(conn, send)
	readPump(conn, func() {
		unsubscribe()
		close(send)
	})
}

func parseSubscribeOptions(q url.Values) queue.SubscribeOptions {
	opts := queue.SubscribeOptions{}
	if q.Has("prefix") || len(q) > 0 {
		prefix := make(map[string]string)
		for k, vs := range q {
			if k == "poll_ms" || len(vs) == 0 {
				continue
			}
			prefix[k] = vs[0]
		}
		if len(prefix) > 0 {
			opts.Prefix = prefix
			opts.PrefixIsSet = true
		}
	}
	return opts
}

func writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readPump(conn *websocket.Conn, onClose func()) {
	defer onClose()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
