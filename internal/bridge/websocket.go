package bridge

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lighthouse/bridge/internal/eventlog"
)

// ============================================================================
// EVENT STREAMING
// ============================================================================

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 64
)

// Streamer upgrades authenticated clients onto the committed-event feed.
// Browsers cannot set headers on WebSocket handshakes, so the session id
// and fingerprint travel as query parameters.
type Streamer struct {
	bridge   *Bridge
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type streamClient struct {
	conn        *websocket.Conn
	send        chan *eventlog.Event
	aggregateID string
	closeOnce   sync.Once
}

func NewStreamer(b *Bridge, allowedOrigins map[string]bool) *Streamer {
	return &Streamer{
		bridge:  b,
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigins[origin]
			},
		},
	}
}

// Handle authenticates, upgrades, subscribes. Filters come from query
// params: types=a,b,c and aggregate_id=....
func (s *Streamer) Handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess, err := s.bridge.sessions.Validate(q.Get("session_id"), q.Get("fingerprint"))
	if err != nil {
		status, _ := httpStatus(coerceSessionErr(err))
		writeJSON(w, status, map[string]string{"error": "unauthorized"})
		return
	}

	var types []eventlog.EventType
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			et := eventlog.EventType(strings.TrimSpace(t))
			if !et.Valid() {
				writeJSON(w, http.StatusBadRequest,
					map[string]string{"error": "validation_error", "reason": "unknown event type " + t})
				return
			}
			types = append(types, et)
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}

	client := &streamClient{
		conn:        conn,
		send:        make(chan *eventlog.Event, wsSendBuffer),
		aggregateID: q.Get("aggregate_id"),
	}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	sub := s.bridge.store.Feed().Subscribe(types...)
	slog.Info("stream attached", "agent_id", sess.AgentID, "types", len(types))

	go s.writePump(client)
	go s.forward(client, sub)
	s.readPump(client, sub)
}

// readPump exists only to process control frames and notice disconnects.
func (s *Streamer) readPump(c *streamClient, sub chan *eventlog.Event) {
	defer func() {
		s.bridge.store.Feed().Unsubscribe(sub)
		s.detach(c)
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// forward moves feed events into the client's send queue, dropping on a
// full buffer rather than stalling the feed.
func (s *Streamer) forward(c *streamClient, sub chan *eventlog.Event) {
	for ev := range sub {
		if c.aggregateID != "" && ev.AggregateID != c.aggregateID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	c.closeOnce.Do(func() { close(c.send) })
}

func (s *Streamer) writePump(c *streamClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
			s.delivered.Add(1)
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Streamer) detach(c *streamClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.conn.Close()
}

// Stats reports live stream counters.
func (s *Streamer) Stats() map[string]interface{} {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	return map[string]interface{}{
		"connected": n,
		"delivered": s.delivered.Load(),
		"dropped":   s.dropped.Load(),
	}
}
