package emitter

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chainwatch/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Send pings to the peer with this period.
	pingPeriod = 27 * time.Second

	// Outgoing buffer per client. Deposit traffic is orders of magnitude
	// below trading-feed volume, so a small buffer is plenty; a client
	// that still falls behind is disconnected after three full-buffer
	// strikes rather than allowed to stall the emit path.
	sendBuffer = 256

	slowClientStrikes = 3
)

// AuthFunc resolves a websocket upgrade request to a user id.
type AuthFunc func(r *http.Request) (userID string, err error)

// wsClient is one connected websocket subscriber.
//
// send is never closed; done marks the client dead so that emitters
// holding a stale snapshot cannot hit a closed channel.
type wsClient struct {
	id        int64
	userID    string
	conn      net.Conn
	send      chan []byte
	done      chan struct{}
	strikes   int32
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Hub owns all websocket subscribers and routes events to user rooms.
//
// Every client is a member of its own "user:<id>" room; Broadcast walks
// all clients. Sends are non-blocking: a full buffer counts a strike and
// three strikes close the connection, so one slow phone on bad wifi
// cannot delay anyone else's deposit notification.
type Hub struct {
	logger zerolog.Logger
	auth   AuthFunc

	mu      sync.RWMutex
	byUser  map[string]map[*wsClient]struct{}
	clients map[*wsClient]struct{}

	nextID       int64
	shuttingDown int32
	wg           sync.WaitGroup
}

// NewHub creates a hub using auth to admit websocket upgrades.
func NewHub(logger zerolog.Logger, auth AuthFunc) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "ws-hub").Logger(),
		auth:    auth,
		byUser:  make(map[string]map[*wsClient]struct{}),
		clients: make(map[*wsClient]struct{}),
	}
}

// HandleWS upgrades an HTTP request to a websocket subscription scoped
// to the authenticated user.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.shuttingDown) == 1 {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	userID, err := h.auth(r)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&h.nextID, 1),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	room := h.byUser[userID]
	if room == nil {
		room = make(map[*wsClient]struct{})
		h.byUser[userID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info().
		Int64("client_id", c.id).
		Str("user_id", userID).
		Msg("subscriber connected")

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

// EmitToUser queues an event for every connection of one user. If no
// user is connected the event evaporates; the durable record is the
// activity row, not the push.
func (h *Hub) EmitToUser(userID, event string, payload any) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	room := h.byUser[userID]
	targets := make([]*wsClient, 0, len(room))
	for c := range room {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.offer(c, data)
	}
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.offer(c, data)
	}
}

// offer is the non-blocking send with strike accounting. A client that
// died between the room snapshot and this send just drops the message.
func (h *Hub) offer(c *wsClient, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
		atomic.StoreInt32(&c.strikes, 0)
	case <-c.done:
	default:
		metrics.EmitDropped.Inc()
		if atomic.AddInt32(&c.strikes, 1) >= slowClientStrikes {
			h.logger.Warn().
				Int64("client_id", c.id).
				Str("user_id", c.userID).
				Msg("disconnecting slow subscriber")
			h.remove(c)
			c.close()
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	if room := h.byUser[c.userID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.byUser, c.userID)
		}
	}
}

// writePump drains the client's send channel, batching queued messages
// through one buffered writer to cut syscalls, and keeps the connection
// alive with pings.
func (h *Hub) writePump(c *wsClient) {
	defer h.wg.Done()
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			wsutil.WriteServerMessage(c.conn, ws.OpClose,
				ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				return
			}
			// Batch whatever else is already queued before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := wsutil.WriteServerMessage(writer, ws.OpText, <-c.send); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames. Subscribers do not send application
// messages; the read side exists to answer pings and observe the close.
func (h *Hub) readPump(c *wsClient) {
	defer h.wg.Done()
	defer func() {
		h.remove(c)
		c.close()
		h.logger.Info().
			Int64("client_id", c.id).
			Str("user_id", c.userID).
			Msg("subscriber disconnected")
	}()

	for {
		if _, err := wsutil.ReadClientText(c.conn); err != nil {
			return
		}
	}
}

// ConnectionCount returns the number of live subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops accepting upgrades and closes every client.
func (h *Hub) Shutdown() {
	atomic.StoreInt32(&h.shuttingDown, 1)

	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close()
	}
	h.wg.Wait()
}
