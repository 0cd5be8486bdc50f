package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/helmdesk/helmdesk-sync/internal/models"
	"github.com/helmdesk/helmdesk-sync/internal/pkg/metrics"
	"github.com/helmdesk/helmdesk-sync/internal/store"
)

// CoordinatorCallbacks plug the coordinator into its consumers. The
// coordinator routes by channel identity only; interpreting message
// contents is the handlers' job.
type CoordinatorCallbacks struct {
	OnDecisionEvent func(msg models.Message)
	OnAgentEvent    func(msg models.Message)
	// OnPollNeeded fires on a fixed interval while any channel is not
	// online, so the UI keeps getting fresh state over REST.
	OnPollNeeded func()
	// OnResyncNeeded fires at most once per occurrence of a gap or
	// reconnect; the consumer must call ResyncDone when its full refresh
	// completes.
	OnResyncNeeded func()
}

// CoordinatorOptions configures the coordinator and its two connections.
type CoordinatorOptions struct {
	BaseURL      string // http(s) Engine base; ws URLs are derived
	Dialer       Dialer // optional override, used by tests
	Conn         Options
	PollInterval time.Duration
	ConnState    *store.ConnState
	Logger       *slog.Logger
}

// Coordinator owns one Connection per logical channel and presents a
// single Start/Stop lifecycle.
type Coordinator struct {
	decisions *Connection
	agents    *Connection
	cb        CoordinatorCallbacks
	connState *store.ConnState
	log       *slog.Logger

	pollInterval time.Duration
	// limiter paces resync triggering so a gap storm cannot thrash the
	// REST API with back-to-back full refreshes.
	limiter       *rate.Limiter
	resyncPending atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCoordinator wires both channel connections. Call Start to connect.
func NewCoordinator(opts CoordinatorOptions, cb CoordinatorCallbacks) (*Coordinator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.ConnState == nil {
		opts.ConnState = store.NewConnState(models.ChannelDecisions, models.ChannelAgents)
	}
	if opts.Dialer == nil {
		opts.Dialer = NewDialer("")
	}

	c := &Coordinator{
		cb:           cb,
		connState:    opts.ConnState,
		log:          opts.Logger,
		pollInterval: opts.PollInterval,
		limiter:      rate.NewLimiter(rate.Every(2*time.Second), 1),
	}

	decisionsURL, err := channelURL(opts.BaseURL, models.ChannelDecisions)
	if err != nil {
		return nil, err
	}
	agentsURL, err := channelURL(opts.BaseURL, models.ChannelAgents)
	if err != nil {
		return nil, err
	}

	c.decisions = NewConnection(models.ChannelDecisions, decisionsURL, opts.Dialer, opts.Conn, c.connectionCallbacks(), opts.Logger)
	c.agents = NewConnection(models.ChannelAgents, agentsURL, opts.Dialer, opts.Conn, c.connectionCallbacks(), opts.Logger)
	return c, nil
}

func (c *Coordinator) connectionCallbacks() Callbacks {
	return Callbacks{
		OnMessage: c.route,
		OnState: func(channel string, st State) {
			c.connState.SetChannel(channel, store.ChannelState(st))
		},
		OnGap:         func(string) { c.requestResync() },
		OnReconnected: func(string) { c.requestResync() },
	}
}

// route dispatches by channel identity only.
func (c *Coordinator) route(channel string, msg models.Message) {
	switch channel {
	case models.ChannelDecisions:
		if c.cb.OnDecisionEvent != nil {
			c.cb.OnDecisionEvent(msg)
		}
	case models.ChannelAgents:
		if c.cb.OnAgentEvent != nil {
			c.cb.OnAgentEvent(msg)
		}
	}
}

// ConnState exposes the per-channel state projection.
func (c *Coordinator) ConnState() *store.ConnState { return c.connState }

// Start connects both channels and begins the polling fallback loop.
// Valid exactly once per coordinator; a second call is an error.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.decisions.Connect()
	c.agents.Connect()
	go c.pollLoop(c.ctx)
	return nil
}

// Stop tears down both connections. Safe to call multiple times.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cancel()
	c.mu.Unlock()
	c.decisions.Destroy()
	c.agents.Destroy()
}

// Suspend buffers inbound messages on both channels (UI not visible).
func (c *Coordinator) Suspend() {
	c.decisions.Suspend()
	c.agents.Suspend()
}

// Resume flushes both suspend buffers in order.
func (c *Coordinator) Resume() {
	c.decisions.Resume()
	c.agents.Resume()
}

// ResyncDone re-arms resync signaling; call it when the full refresh
// triggered by OnResyncNeeded has completed.
func (c *Coordinator) ResyncDone() {
	c.resyncPending.Store(false)
}

// pollLoop keeps the UI fed over REST while any channel is degraded.
// Ticks while fully online are no-ops, so polling stops the moment the
// push channels recover.
func (c *Coordinator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.connState.AllOnline() {
				continue
			}
			metrics.PollsTotal.Inc()
			if c.cb.OnPollNeeded != nil {
				c.cb.OnPollNeeded()
			}
		}
	}
}

// requestResync fires OnResyncNeeded at most once until ResyncDone;
// repeated gap signals while a resync is in flight collapse into the
// pending one.
func (c *Coordinator) requestResync() {
	if !c.resyncPending.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := c.limiter.Wait(ctx); err != nil {
			c.resyncPending.Store(false)
			return
		}
		metrics.ResyncsTotal.Inc()
		c.log.Info("resync needed")
		if c.cb.OnResyncNeeded != nil {
			c.cb.OnResyncNeeded()
		}
	}()
}

// channelURL derives the WebSocket URL for one channel from the Engine
// base URL.
func channelURL(base, channel string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse engine url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported engine url scheme %q", u.Scheme)
	}
	u.Path = "/api/ws/" + channel
	return u.String(), nil
}
