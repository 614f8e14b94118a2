package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openfab/printhost/internal/core"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsEvent struct {
	Type      string      `json:"type"`
	Port      string      `json:"port"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans engine events out to websocket subscribers. Slow clients are
// dropped rather than allowed to stall the broadcast path. It implements
// core.EventSink.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
	closed  bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:     logger,
		clients: make(map[*wsClient]bool),
	}
}

// Handler upgrades the request and serves the subscriber until it leaves.
func (h *Hub) Handler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) readPump(client *wsClient) {
	defer h.drop(client)
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		// Subscribers only listen; reads exist to notice the close.
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}
}

func (h *Hub) broadcast(event wsEvent) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	var stalled []*wsClient
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			stalled = append(stalled, client)
		}
	}
	for _, client := range stalled {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	for _, client := range stalled {
		h.log.Warn("dropping stalled websocket subscriber")
		client.conn.Close()
	}
}

func (h *Hub) PrinterStateChanged(port string, oldState, newState core.State) {
	h.broadcast(wsEvent{
		Type:      "printer.state_changed",
		Port:      port,
		Timestamp: time.Now().UTC(),
		Data: gin.H{
			"from": oldState.String(),
			"to":   newState.String(),
		},
	})
}

func (h *Hub) PrinterFirmware(port string, info *core.FirmwareInfo) {
	h.broadcast(wsEvent{
		Type:      "printer.verified",
		Port:      port,
		Timestamp: time.Now().UTC(),
		Data:      info,
	})
}

func (h *Hub) PrinterTemperature(port string, report *core.TempReport) {
	h.broadcast(wsEvent{
		Type:      "printer.temperature",
		Port:      port,
		Timestamp: time.Now().UTC(),
		Data:      report,
	})
}

func (h *Hub) JobProgress(port string, snap core.JobSnapshot) {
	h.broadcast(wsEvent{
		Type:      "job.progress",
		Port:      port,
		Timestamp: time.Now().UTC(),
		Data:      snap,
	})
}

func (h *Hub) JobFinished(port string, snap core.JobSnapshot, success bool, errorMsg string) {
	h.broadcast(wsEvent{
		Type:      "job.finished",
		Port:      port,
		Timestamp: time.Now().UTC(),
		Data: gin.H{
			"job":     snap,
			"success": success,
			"error":   errorMsg,
		},
	})
}
