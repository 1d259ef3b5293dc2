// Package notify pushes change notifications to connected devices over
// websockets.
//
// A device keeps one socket open per session. After a push or a scheduled
// job commits, the server sends that owner's sockets a small message naming
// the collections that changed; the device reacts by running a sync. The
// message carries no record data, so a dropped notification only delays the
// next sync until the device's own timer fires.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/polravi/mapmyactivities/internal/observability"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// MessageType identifies a notification.
type MessageType string

const (
	// MessageTypeHello is sent once when a socket connects.
	MessageTypeHello MessageType = "hello"

	// MessageTypeChanges tells the device to pull.
	MessageTypeChanges MessageType = "changes"
)

// Message is what the hub writes to sockets.
type Message struct {
	Type        MessageType         `json:"type"`
	Collections []schema.Collection `json:"collections,omitempty"`
	At          int64               `json:"at"` // unix ms of the commit

	owner string
}

// Config holds hub configuration.
type Config struct {
	// BufferSize is the number of queued notifications before new ones are
	// dropped (default: 256).
	BufferSize int

	// WriteTimeout bounds each socket write (default: 5s).
	WriteTimeout time.Duration

	// OriginPatterns are passed to websocket.Accept. Empty means same origin.
	OriginPatterns []string

	Logger  *slog.Logger
	Metrics *observability.SyncMetrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:   256,
		WriteTimeout: 5 * time.Second,
	}
}

// Hub tracks sockets per owner and fans notifications out to them.
type Hub struct {
	clients   map[string]map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message
	timeout   time.Duration
	origins   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  *slog.Logger
	metrics *observability.SyncMetrics
}

// NewHub creates a hub and starts its broadcast loop. Call Close to stop it.
func NewHub(cfg *Config) *Hub {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:   make(map[string]map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, size),
		timeout:   timeout,
		origins:   cfg.OriginPatterns,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "notify")),
		metrics:   cfg.Metrics,
	}

	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// NotifyChanges queues a changes message for every socket of ownerID. It
// never blocks; when the queue is full the message is dropped.
func (h *Hub) NotifyChanges(ownerID string, collections []schema.Collection, at time.Time) {
	if h == nil {
		return
	}
	msg := Message{
		Type:        MessageTypeChanges,
		Collections: collections,
		At:          schema.Millis(at),
		owner:       ownerID,
	}
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("notification queue full, dropping message", slog.String("owner", ownerID))
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("failed to marshal notification", slog.Any("error", err))
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients[msg.owner]))
			for conn := range h.clients[msg.owner] {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range conns {
				if err := h.write(conn, data); err != nil {
					h.logger.Debug("failed to notify client", slog.String("owner", msg.owner), slog.Any("error", err))
					h.removeClient(msg.owner, conn)
				}
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeWS upgrades the request and registers the socket under ownerID. It
// returns when the client disconnects or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, ownerID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	h.clientsMu.Lock()
	if h.clients[ownerID] == nil {
		h.clients[ownerID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[ownerID][conn] = struct{}{}
	total := h.countLocked()
	h.clientsMu.Unlock()

	h.metrics.SetNotifyClients(total)
	h.logger.Info("client connected", slog.String("owner", ownerID), slog.Int("total", total))

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, At: schema.Millis(time.Now())})
	if err := h.write(conn, hello); err != nil {
		h.removeClient(ownerID, conn)
		return
	}

	h.readLoop(ownerID, conn)
}

// readLoop drains the socket until it closes. Clients send nothing useful;
// reading is what notices the disconnect.
func (h *Hub) readLoop(ownerID string, conn *websocket.Conn) {
	defer h.removeClient(ownerID, conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(ownerID string, conn *websocket.Conn) {
	h.clientsMu.Lock()
	set := h.clients[ownerID]
	if _, ok := set[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.clients, ownerID)
	}
	total := h.countLocked()
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.metrics.SetNotifyClients(total)
	h.logger.Info("client disconnected", slog.String("owner", ownerID), slog.Int("total", total))
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return h.countLocked()
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	for owner, set := range h.clients {
		for conn := range set {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.clients, owner)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
	h.metrics.SetNotifyClients(0)
}
