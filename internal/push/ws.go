package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 5 * time.Second
	wsPongWait     = 30 * time.Second
	wsPingInterval = 10 * time.Second
	wsMaxMessage   = 256 << 10
)

// WSServer relays notices between the local hub and every connected peer.
// One process hosts it; the others attach with WSClient.
type WSServer struct {
	hub      *Hub
	upgrader websocket.Upgrader
	nextConn atomic.Int64

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewWSServer creates a relay bound to hub.
func NewWSServer(hub *Hub) *WSServer {
	return &WSServer{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	id := s.nextConn.Add(1)
	via := "ws-" + strconv.FormatInt(id, 10)
	log.Infof("push peer %s connected from %s", via, r.RemoteAddr)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	notices, cancel := s.hub.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		readNotices(conn, func(n Notice) {
			n.Origin = OriginWS
			n.via = via
			s.hub.Publish(n)
		})
	}()

	writeNotices(conn, notices, done, func(n Notice) bool { return n.via != via })

	cancel()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	log.Infof("push peer %s disconnected", via)
}

// Close drops every connected peer.
func (s *WSServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// WSClient attaches a process to a remote WSServer. Notices written locally
// are sent up; notices from the server are published into the local hub.
type WSClient struct {
	url  string
	hub  *Hub
	dial *websocket.Dialer

	// RetryInterval is the pause between reconnect attempts.
	RetryInterval time.Duration
}

// NewWSClient creates a client for the relay at url (ws:// or wss://).
func NewWSClient(url string, hub *Hub) *WSClient {
	return &WSClient{
		url:           url,
		hub:           hub,
		dial:          &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		RetryInterval: 2 * time.Second,
	}
}

// Run keeps the connection alive until ctx is done.
func (c *WSClient) Run(ctx context.Context) {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			log.Debugf("push relay %s: %v", c.url, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.RetryInterval):
		}
	}
}

func (c *WSClient) session(ctx context.Context) error {
	conn, _, err := c.dial.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	log.Infof("connected to push relay %s", c.url)

	notices, cancel := c.hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readNotices(conn, func(n Notice) {
			n.Origin = OriginWS
			c.hub.Publish(n)
		})
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	// Only locally originated notices go up; relayed ones came from the server.
	writeNotices(conn, notices, done, func(n Notice) bool { return n.Origin == OriginLocal })
	_ = conn.Close()
	<-done
	return nil
}

func readNotices(conn *websocket.Conn, deliver func(Notice)) {
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var n Notice
		if err := json.Unmarshal(data, &n); err != nil || n.ID == "" {
			log.Debugf("dropping malformed push frame: %v", err)
			continue
		}
		deliver(n)
	}
}

func writeNotices(conn *websocket.Conn, notices <-chan Notice, done <-chan struct{}, want func(Notice) bool) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			if !want(n) {
				continue
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
