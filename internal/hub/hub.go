// Package hub is the per-user real-time fan-out channel for job
// lifecycle and progress events. Each connection receives one sync
// snapshot before any live event; per-job ordering follows publish
// order; heartbeats flag degraded connectivity.
package hub

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/evalforge/evalforge/internal/protocol"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "evalforge",
	"component": "hub",
})

// SnapshotSource produces the sync view for a user at connect time
type SnapshotSource interface {
	Snapshot(user string) (active, recent []protocol.JobSnapshot)
}

// Hub fans events out to each owner's open connections
type Hub struct {
	source   SnapshotSource
	upgrader websocket.Upgrader
	opts     Options

	mu    sync.Mutex
	conns map[string][]*Conn // keyed by user; append-only while connected, pruned on disconnect
}

// New creates a Hub reading sync snapshots from source
func New(source SnapshotSource, opts Options) *Hub {
	return &Hub{
		source: source,
		opts:   opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string][]*Conn),
	}
}

// Publish implements driver.Sink. Events reach every open connection of
// the owning user; connections still syncing buffer them so the sync
// message is always delivered first.
func (h *Hub) Publish(owner, msgType string, payload interface{}) {
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		logger.WithError(err).Error("marshaling event")
		return
	}

	h.mu.Lock()
	conns := h.conns[owner]
	for _, c := range conns {
		c.enqueue(data)
	}
	h.mu.Unlock()
}

// HandleWebSocket upgrades an incoming client connection. The user is
// taken from the query string; authentication happens upstream.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("upgrade failed")
		return
	}

	c := newConn(h, user, ws)

	// Register first so no event published after the snapshot is taken
	// can be missed; they queue behind the sync message.
	h.mu.Lock()
	h.conns[user] = append(h.conns[user], c)
	h.mu.Unlock()

	active, recent := h.source.Snapshot(user)
	c.sendSync(protocol.SyncMessage{ActiveJobs: active, RecentJobs: recent})

	go c.writePump()
	go c.readPump()

	logger.WithField("user", user).Info("client connected")
}

// ConnCount returns the number of open connections for a user
func (h *Hub) ConnCount(user string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[user])
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.conns[c.user]
	for i, other := range conns {
		if other == c {
			h.conns[c.user] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[c.user]) == 0 {
		delete(h.conns, c.user)
	}
	logger.WithField("user", c.user).Info("client disconnected")
}
