package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evalforge/evalforge/internal/protocol"
)

// State is the lifecycle of one client connection
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

// canTransition encodes the connection state machine
func canTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateDegraded || to == StateClosed
	case StateDegraded:
		return to == StateOpen || to == StateClosed
	}
	return false
}

// Options tunes heartbeat behavior
type Options struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	MissedPongLimit int
	SendBuffer      int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 2 * o.PingInterval
	}
	if o.MissedPongLimit <= 0 {
		o.MissedPongLimit = 3
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Conn is one client websocket connection
type Conn struct {
	hub  *Hub
	user string
	ws   *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	state    State
	synced   bool
	pending  [][]byte // events held back until the sync message is sent
	lastPong time.Time
	missed   int

	closeOnce sync.Once
}

func newConn(h *Hub, user string, ws *websocket.Conn) *Conn {
	return &Conn{
		hub:      h,
		user:     user,
		ws:       ws,
		send:     make(chan []byte, h.opts.SendBuffer),
		state:    StateConnecting,
		lastPong: time.Now(),
	}
}

// State returns the connection's current lifecycle state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setStateLocked(to State) bool {
	if !canTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// enqueue queues one marshaled event for delivery. Events arriving
// before the sync message are held back; a full send buffer drops the
// connection (slow consumer).
func (c *Conn) enqueue(data []byte) {
	c.mu.Lock()
	if !c.synced {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.send <- data:
	default:
		logger.WithField("user", c.user).Warn("send buffer full, dropping connection")
		c.close()
	}
}

// sendSync delivers the sync snapshot and releases any events that
// arrived while it was being prepared, in order.
func (c *Conn) sendSync(msg protocol.SyncMessage) {
	data, err := protocol.MarshalEnvelope(protocol.TypeSync, msg)
	if err != nil {
		logger.WithError(err).Error("marshaling sync")
		c.close()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.send <- data
	for _, ev := range c.pending {
		select {
		case c.send <- ev:
		default:
		}
	}
	c.pending = nil
	c.synced = true
	c.setStateLocked(StateOpen)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.checkHeartbeat()
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer c.close()

	wait := c.hub.opts.PongWait * time.Duration(c.hub.opts.MissedPongLimit+1)
	c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(wait))
		c.pongReceived()
		return nil
	})

	for {
		// Clients only send pongs and close frames; discard the rest
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithField("user", c.user).WithError(err).Debug("read error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(wait))
	}
}

// checkHeartbeat counts pings that went unanswered within the pong
// window and flips the degraded flag once the limit is reached.
func (c *Conn) checkHeartbeat() {
	c.mu.Lock()
	if time.Since(c.lastPong) <= c.hub.opts.PongWait {
		c.mu.Unlock()
		return
	}
	c.missed++
	flip := c.missed >= c.hub.opts.MissedPongLimit && c.state == StateOpen
	if flip {
		c.setStateLocked(StateDegraded)
	}
	missed := c.missed
	c.mu.Unlock()

	if flip {
		c.notifyDegraded(true, missed)
	}
}

// pongReceived clears the missed counter and the degraded flag
func (c *Conn) pongReceived() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.missed = 0
	cleared := c.state == StateDegraded
	if cleared {
		c.setStateLocked(StateOpen)
	}
	c.mu.Unlock()

	if cleared {
		c.notifyDegraded(false, 0)
	}
}

func (c *Conn) notifyDegraded(degraded bool, missed int) {
	data, err := protocol.MarshalEnvelope(protocol.TypeConnDegraded, protocol.DegradedMessage{
		Degraded:    degraded,
		MissedPongs: missed,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		c.ws.Close()
		c.hub.remove(c)
	})
}
