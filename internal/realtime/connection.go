// Package realtime implements the push side of the sync core: one
// WebSocket client per logical channel, a coordinator owning both
// channels, and the handlers that map channel messages onto the stores.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/helmdesk/helmdesk-sync/internal/models"
	"github.com/helmdesk/helmdesk-sync/internal/pkg/metrics"
)

// State is the lifecycle state of one channel connection.
type State string

const (
	StateOffline      State = "offline"
	StateConnecting   State = "connecting"
	StateOnline       State = "online"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

const (
	dialTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
)

// Conn is the minimal transport surface a Connection drives. The gorilla
// adapter satisfies it in production; tests inject a scripted fake.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Conn to a channel URL.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteJSON(v any) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(v)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

type gorillaDialer struct {
	clientID string
}

// NewDialer returns the production WebSocket dialer. clientID is sent in
// the handshake so the Engine can correlate both channels of one session.
func NewDialer(clientID string) Dialer {
	return &gorillaDialer{clientID: clientID}
}

func (d *gorillaDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	if d.clientID != "" {
		header.Set("X-Client-ID", d.clientID)
	}
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// Options tunes one Connection.
type Options struct {
	InitialBackoff time.Duration // first reconnect delay
	MaxBackoff     time.Duration // backoff hard cap
	PingInterval   time.Duration // app-level ping period
	PongTimeout    time.Duration // dead if no pong this long after a ping
	BufferCap      int           // max messages buffered while suspended
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = 500 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 25 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 10 * time.Second
	}
	if out.BufferCap <= 0 {
		out.BufferCap = 256
	}
	return out
}

// Callbacks are invoked from the Connection's internal goroutines. They
// must not call back into the Connection.
type Callbacks struct {
	// OnMessage receives every sequenced message after gap accounting.
	OnMessage func(channel string, msg models.Message)
	// OnState fires on every state transition.
	OnState func(channel string, st State)
	// OnGap fires when a received sequence number skips past the cursor.
	OnGap func(channel string)
	// OnReconnected fires when a connection is re-established after the
	// cursor was already initialized; delivery continuity cannot be
	// assumed, so the owner should resync.
	OnReconnected func(channel string)
}

// Connection owns one socket to one logical channel and drives the
// offline → connecting → online ⇄ reconnecting state machine. Transport
// errors never propagate to the owner; they become capped-backoff retries.
// Retry is deliberately unbounded: the dashboard session outlives any
// Engine restart, so the connection keeps trying at MaxBackoff forever
// rather than giving up.
type Connection struct {
	channel string
	url     string
	dialer  Dialer
	log     *slog.Logger
	opts    Options
	cb      Callbacks

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            int // invalidates goroutines and timers of dead connections
	attempt        int
	cursor         int64
	cursorInit     bool
	suspended      bool
	buffer         [][]byte
	deliberate     bool // Disconnect/Destroy in progress; suppress reconnect
	destroyed      bool
	reconnectTimer *time.Timer
	pingStop       chan struct{}
	lastPong       time.Time

	notifyMu     sync.Mutex
	lastNotified State
}

// NewConnection builds a Connection for one channel. Call Connect to open it.
func NewConnection(channel, url string, dialer Dialer, opts Options, cb Callbacks, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		channel: channel,
		url:     url,
		dialer:  dialer,
		log:     log.With("channel", channel),
		opts:    opts.withDefaults(),
		cb:      cb,
		state:   StateOffline,
	}
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the last applied sequence number and whether any message
// has been applied yet.
func (c *Connection) Cursor() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor, c.cursorInit
}

// Connect opens the transport. Idempotent: a Connection that is already
// connecting or online is left alone.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.destroyed || c.state == StateConnecting || c.state == StateOnline {
		c.mu.Unlock()
		return
	}
	c.deliberate = false
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	go c.dial(gen)
}

// Disconnect closes the transport, cancels all timers, and suppresses
// reconnect attempts. Connect may be called again afterwards.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.deliberate = true
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopPingLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.attempt = 0
	c.setStateLocked(StateOffline)
	c.mu.Unlock()
}

// Destroy releases the Connection; no further Connect is expected.
func (c *Connection) Destroy() {
	c.Disconnect()
	c.mu.Lock()
	c.destroyed = true
	c.buffer = nil
	c.mu.Unlock()
}

// Suspend keeps the socket and liveness loop running but holds inbound
// messages in a bounded ordered buffer instead of dispatching. Used while
// the embedding UI is not visible.
func (c *Connection) Suspend() {
	c.mu.Lock()
	c.suspended = true
	c.mu.Unlock()
}

// Resume flushes the suspend buffer in original arrival order through the
// same gap-detection path as live messages, then dispatches live again.
func (c *Connection) Resume() {
	c.mu.Lock()
	c.suspended = false
	buf := c.buffer
	c.buffer = nil
	c.mu.Unlock()
	for _, data := range buf {
		c.dispatch(data)
	}
}

func (c *Connection) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := c.dialer.DialContext(ctx, c.url)
	cancel()

	c.mu.Lock()
	if c.destroyed || gen != c.gen || c.deliberate {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("dial failed", "error", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.lastPong = time.Now()
	wasConnected := c.cursorInit
	stop := make(chan struct{})
	c.pingStop = stop
	c.setStateLocked(StateOnline)
	c.mu.Unlock()

	c.log.Info("channel online")
	if wasConnected && c.cb.OnReconnected != nil {
		c.cb.OnReconnected(c.channel)
	}
	go c.readLoop(gen, conn)
	go c.pingLoop(gen, conn, stop)
}

func (c *Connection) readLoop(gen int, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.handleRaw(gen, conn, data)
	}
}

// handleRaw peeks the frame before the full decode: control frames are
// answered in place, and while suspended, event frames are buffered
// instead of dispatched.
func (c *Connection) handleRaw(gen int, conn Conn, data []byte) {
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() {
		c.log.Warn("dropping malformed frame", "size", len(data))
		return
	}
	switch typ.String() {
	case models.EventPong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return
	case models.EventPing:
		_ = conn.WriteJSON(models.Message{Type: models.EventPong})
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.suspended {
		if len(c.buffer) >= c.opts.BufferCap {
			c.buffer = c.buffer[1:]
			metrics.WSBufferDroppedTotal.WithLabelValues(c.channel).Inc()
		}
		c.buffer = append(c.buffer, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.dispatch(data)
}

// dispatch decodes one frame, advances the sequence cursor, and hands the
// message to the owner. A skipped sequence number raises the gap callback
// before the message's own state update is applied; a sequence at or below
// the cursor was already applied and is dropped.
func (c *Connection) dispatch(data []byte) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("dropping undecodable message", "error", err)
		return
	}

	c.mu.Lock()
	if c.cursorInit && msg.Seq <= c.cursor {
		c.mu.Unlock()
		c.log.Debug("dropping already-applied message", "seq", msg.Seq)
		return
	}
	gap := c.cursorInit && msg.Seq > c.cursor+1
	c.cursor = msg.Seq
	c.cursorInit = true
	c.mu.Unlock()

	if gap {
		c.log.Warn("sequence gap detected", "seq", msg.Seq)
		metrics.WSSequenceGapsTotal.WithLabelValues(c.channel).Inc()
		if c.cb.OnGap != nil {
			c.cb.OnGap(c.channel)
		}
	}
	metrics.WSMessagesTotal.WithLabelValues(c.channel, msg.Type).Inc()
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(c.channel, msg)
	}
}

// pingLoop sends app-level pings while connected and forces the reconnect
// path when the pong deadline is missed. It keeps running while suspended:
// liveness is independent of visibility.
func (c *Connection) pingLoop(gen int, conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			stale := time.Since(c.lastPong) > c.opts.PingInterval+c.opts.PongTimeout
			c.mu.Unlock()
			if stale {
				c.log.Warn("pong timeout, dropping connection")
				conn.Close() // readLoop unblocks with an error and reconnects
				return
			}
			if err := conn.WriteJSON(models.Message{Type: models.EventPing}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Connection) handleDisconnect(gen int, err error) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stopPingLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.deliberate {
		c.setStateLocked(StateOffline)
		c.mu.Unlock()
		return
	}
	c.log.Warn("connection lost", "error", err)
	c.setStateLocked(StateError)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

func (c *Connection) scheduleReconnectLocked() {
	delay := backoffDelay(c.attempt, c.opts.InitialBackoff, c.opts.MaxBackoff)
	c.attempt++
	metrics.WSReconnectsTotal.WithLabelValues(c.channel).Inc()
	c.setStateLocked(StateReconnecting)
	c.gen++
	gen := c.gen
	c.log.Info("reconnecting", "attempt", c.attempt, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.destroyed || c.deliberate || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.dial(gen)
	})
}

// backoffDelay is min(max, initial * 2^attempt).
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Connection) stopPingLocked() {
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
}

// setStateLocked records a transition and schedules a notification.
// Notifications run off the connection mutex (the observer can never
// deadlock against it) and are serialized by notifyMu; each one reads the
// state current at delivery time, so late delivery never reports a stale
// state as the newest.
func (c *Connection) setStateLocked(st State) {
	if c.state == st {
		return
	}
	c.state = st
	if c.cb.OnState != nil {
		go c.notifyState()
	}
}

func (c *Connection) notifyState() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	st := c.State()
	if st == c.lastNotified {
		return
	}
	c.lastNotified = st
	c.cb.OnState(c.channel, st)
}
