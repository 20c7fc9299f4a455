// Package delivery fans terminal and progress events out to their
// transports: WebSocket clients, Telegram/Discord chats and subscriber
// webhook URLs. The generation record's deliveryStatus field is the durable
// delivery log; the bus itself persists nothing.
package delivery

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noemahq/noema/internal/events"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024 // clients only send pings and subscribe frames
	sendBuffer = 64       // per-client outbound channel buffer
)

// Hub tracks WebSocket clients per account and pushes every event whose
// ordering key matches. Slow clients lose frames rather than block the bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]bool // masterAccountId -> clients
	logger  *log.Logger

	upgrader websocket.Upgrader
	ch       chan *events.Event
	wg       sync.WaitGroup
}

// NewHub builds the hub. In production an origin allowlist is enforced;
// anywhere else all origins are accepted.
func NewHub(env, allowedOrigins string) *Hub {
	h := &Hub{
		clients: make(map[string]map[*wsClient]bool),
		logger:  log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(env, allowedOrigins, h.logger),
	}
	return h
}

func buildCheckOrigin(env, allowedRaw string, logger *log.Logger) func(r *http.Request) bool {
	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		logger.Printf("origin allowlist active (%d origins)", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			logger.Printf("⚠️ rejected connection from origin %s", origin)
			return false
		}
	}
	if env == "production" {
		logger.Printf("⚠️ ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(*http.Request) bool { return true }
}

// wsClient is one live connection. All writes go through Send and the
// writePump so ping, event and close frames never race.
type wsClient struct {
	hub     *Hub
	account string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// ServeWS upgrades the request and attaches the connection to the account.
// Authentication already happened upstream; masterAccountID is trusted here.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, masterAccountID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("⚠️ upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		hub:     h,
		account: masterAccountID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.clients[masterAccountID] == nil {
		h.clients[masterAccountID] = make(map[*wsClient]bool)
	}
	h.clients[masterAccountID][c] = true
	h.mu.Unlock()

	h.logger.Printf("🔌 client connected for %s", masterAccountID)
	go c.writePump()
	go c.readPump()
}

// Broadcast pushes a frame to every client of the account and reports how
// many received it. Full buffers drop the frame for that client.
func (h *Hub) Broadcast(masterAccountID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients[masterAccountID] {
		select {
		case c.send <- payload:
			sent++
		default:
			h.logger.Printf("⚠️ send buffer full for %s, dropping frame", masterAccountID)
		}
	}
	return sent
}

// ClientCount reports live connections across all accounts.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Start streams the progress tier to connected clients: everything except
// generationUpdated, which the Deliverer routes so deliveryStatus stays
// accurate.
func (h *Hub) Start(bus *events.Bus) {
	h.ch = bus.Subscribe(
		events.TypeGenerationProgress,
		events.TypeSpellStepCompleted,
		events.TypeCookProgress,
		events.TypeDepositConfirmed,
		events.TypeTrainingProgress,
	)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for ev := range h.ch {
			if ev.Account == "" {
				continue
			}
			payload, err := ev.JSON()
			if err != nil {
				continue
			}
			h.Broadcast(ev.Account, payload)
		}
	}()
}

// Stop unsubscribes from the bus and closes every client connection.
func (h *Hub) Stop(bus *events.Bus) {
	if h.ch != nil {
		bus.Unsubscribe(h.ch)
	}
	h.wg.Wait()

	h.mu.RLock()
	var open []*wsClient
	for _, set := range h.clients {
		for c := range set {
			open = append(open, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range open {
		c.close()
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		if set := c.hub.clients[c.account]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(c.hub.clients, c.account)
			}
		}
		c.hub.mu.Unlock()
		c.conn.Close()
		c.hub.logger.Printf("🔌 client disconnected for %s", c.account)
	})
}

// writePump owns every write to the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			// drain whatever queued behind this frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump owns every read. Clients are listeners; inbound frames only keep
// the connection alive.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Printf("⚠️ read error for %s: %v", c.account, err)
			}
			return
		}
	}
}
