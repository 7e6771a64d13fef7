package sessionfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talentdeck-dev/talentdeck/pkg/sessiontimeout"
)

// Frame types sent to clients.
const (
	// FrameSnapshot is the current countdown state, sent once on connect.
	FrameSnapshot = "snapshot"

	// FrameCountdown carries a countdown update while the session is live.
	FrameCountdown = "countdown"

	// FrameExpired is terminal; the client should navigate to login.
	FrameExpired = "expired"
)

// Frame is one server-to-client message.
type Frame struct {
	Type  string               `json:"type"`
	Event sessiontimeout.Event `json:"event"`
}

// Client message types.
const (
	// MessageActivity reports a qualifying user interaction.
	MessageActivity = "activity"

	// MessageExtend asks to extend the session (stay signed in).
	MessageExtend = "extend"
)

// clientMessage is one client-to-server message.
type clientMessage struct {
	Type string `json:"type"`

	// Kind names the interaction class for activity messages.
	Kind string `json:"kind,omitempty"`
}

// Config configures the feed.
type Config struct {
	// WriteTimeout bounds each outbound frame write.
	// Default: 5 seconds.
	WriteTimeout time.Duration

	// ReadTimeout is the read deadline, refreshed on every inbound message
	// and pong. Default: 60 seconds.
	ReadTimeout time.Duration

	// HeartbeatInterval is how often pings are sent. Must be below
	// ReadTimeout. Default: 30 seconds.
	HeartbeatInterval time.Duration

	// SendBuffer is the per-connection outbound frame buffer. A tab that
	// cannot drain its buffer is disconnected rather than allowed to block
	// the broadcast. Default: 16.
	SendBuffer int

	// CheckOrigin validates the upgrade Origin header. Nil keeps the
	// gorilla same-origin default.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:      5 * time.Second,
		ReadTimeout:       60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		SendBuffer:        16,
	}
}

// Feed broadcasts monitor events to connected tabs.
// It is safe for concurrent use.
type Feed struct {
	mu sync.Mutex

	monitor  *sessiontimeout.Monitor
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	conns  map[*conn]struct{}
	closed bool

	unsubscribe func()
}

// conn is one connected tab.
type conn struct {
	sock *websocket.Conn
	send chan Frame
	done chan struct{}
	once sync.Once
}

// New creates a feed broadcasting from monitor.
func New(monitor *sessiontimeout.Monitor, config Config, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}

	f := &Feed{
		monitor: monitor,
		config:  config,
		logger:  logger.With("component", "session_feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		conns: make(map[*conn]struct{}),
	}

	f.unsubscribe = monitor.Subscribe(f.broadcast)

	return f
}

// ServeHTTP upgrades the request and serves countdown frames until the
// client disconnects or the feed shuts down.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		f.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &conn{
		sock: sock,
		send: make(chan Frame, f.config.SendBuffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sock.Close()
		return
	}
	f.conns[c] = struct{}{}
	f.mu.Unlock()

	f.logger.Debug("tab connected", "remote", r.RemoteAddr)

	// Connect-time snapshot so the tab renders the countdown immediately.
	c.enqueue(Frame{Type: FrameSnapshot, Event: f.monitor.Snapshot()})

	go f.writeLoop(c)
	f.readLoop(c)

	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
	c.close()

	f.logger.Debug("tab disconnected", "remote", r.RemoteAddr)
}

// Len returns the number of connected tabs.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Shutdown stops broadcasting and disconnects every tab.
func (f *Feed) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := make([]*conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	f.unsubscribe()
	for _, c := range conns {
		c.close()
	}
	return ctx.Err()
}

// broadcast fans a monitor event out to every connected tab.
func (f *Feed) broadcast(event sessiontimeout.Event) {
	frameType := FrameCountdown
	if event.State == sessiontimeout.StateExpired {
		frameType = FrameExpired
	}
	frame := Frame{Type: frameType, Event: event}

	f.mu.Lock()
	conns := make([]*conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		if !c.enqueue(frame) {
			// Buffer full: the tab stopped draining. Drop it instead of
			// stalling the other tabs.
			f.logger.Warn("dropping slow session feed connection")
			c.close()
		}
	}
}

// readLoop consumes client messages until the connection drops.
func (f *Feed) readLoop(c *conn) {
	c.sock.SetReadLimit(1024)
	c.sock.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				f.logger.Warn("session feed read error", "error", err)
			}
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Warn("malformed session feed message", "error", err)
			continue
		}
		f.handleMessage(c, msg)
	}
}

// handleMessage applies one client message to the monitor.
func (f *Feed) handleMessage(c *conn, msg clientMessage) {
	switch msg.Type {
	case MessageActivity:
		f.monitor.Activity(sessiontimeout.ActivityKind(msg.Kind))

	case MessageExtend:
		ctx, cancel := context.WithTimeout(context.Background(), f.config.WriteTimeout+30*time.Second)
		defer cancel()
		if err := f.monitor.ExtendSession(ctx); err != nil {
			// The expired frame reaches the tab through the broadcast path.
			f.logger.Warn("session extension failed", "error", err)
		}

	default:
		f.logger.Warn("unknown session feed message", "type", msg.Type)
	}
}

// writeLoop drains the send buffer and keeps the connection alive with pings.
func (f *Feed) writeLoop(c *conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
			if err := c.sock.WriteJSON(frame); err != nil {
				f.logger.Debug("session feed write error", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			return
		}
	}
}

// enqueue offers a frame to the connection without blocking. Returns false
// when the buffer is full or the connection is closed.
func (c *conn) enqueue(frame Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close tears the connection down once.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}
