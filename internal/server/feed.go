package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/commsutil"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/events"
)

const feedLogPrefix = "server:feed"

const feedWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// safeConn serializes writes; gorilla connections allow one concurrent writer.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *safeConn) write(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.Conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout)); err != nil {
		return err
	}
	return sc.Conn.WriteMessage(websocket.TextMessage, data)
}

// eventFeed fans agent events out to websocket clients on /events.
type eventFeed struct {
	mu      sync.RWMutex
	clients map[*safeConn]struct{}
}

func newEventFeed() *eventFeed {
	return &eventFeed{clients: make(map[*safeConn]struct{})}
}

// Publish implements events.EventPublisher. Clients that fail a write are dropped.
func (f *eventFeed) Publish(_ context.Context, event *events.AgentEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", feedLogPrefix, err)
	}

	f.mu.RLock()
	clients := make([]*safeConn, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			slog.Debug(fmt.Sprintf("%s - dropping client %s: %v", feedLogPrefix, c.RemoteAddr(), err))
			f.remove(c)
		}
	}
	return nil
}

func (f *eventFeed) remove(c *safeConn) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (f *eventFeed) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *eventFeed) closeAll() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[*safeConn]struct{})
	f.mu.Unlock()
	for c := range clients {
		c.Close()
	}
}

// handleEvents upgrades the request and keeps the client registered until it disconnects.
func (f *eventFeed) handleEvents(w http.ResponseWriter, r *http.Request) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - websocket upgrade failed: %v", feedLogPrefix, err))
		return
	}
	conn := &safeConn{Conn: rawConn}

	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - client %s connected", feedLogPrefix, r.RemoteAddr))

	defer f.remove(conn)
	// Inbound frames are ignored; reading drives ping/pong and close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
