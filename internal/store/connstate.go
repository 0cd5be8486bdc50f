package store

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmdesk/helmdesk-sync/internal/models"
)

// ChannelState is the UI-facing connection state of one realtime channel.
// It is only ever set from connection lifecycle callbacks, never by UI code.
type ChannelState string

const (
	ChannelOffline      ChannelState = "offline"
	ChannelConnecting   ChannelState = "connecting"
	ChannelOnline       ChannelState = "online"
	ChannelReconnecting ChannelState = "reconnecting"
	ChannelError        ChannelState = "error"
)

// ConnState projects per-channel connection states for reactive consumers.
type ConnState struct {
	mu       sync.Mutex
	channels map[string]ChannelState
	obs      *Value[map[string]ChannelState]
}

func NewConnState(channels ...string) *ConnState {
	m := make(map[string]ChannelState, len(channels))
	for _, ch := range channels {
		m[ch] = ChannelOffline
	}
	return &ConnState{
		channels: m,
		obs:      NewValue(maps.Clone(m)),
	}
}

// SetChannel records a state transition for the given channel.
func (c *ConnState) SetChannel(channel string, st ChannelState) {
	c.mu.Lock()
	c.channels[channel] = st
	snapshot := maps.Clone(c.channels)
	c.mu.Unlock()
	c.obs.Set(snapshot)
}

// Channel returns the current state of one channel.
func (c *ConnState) Channel(channel string) ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channel]
	if !ok {
		return ChannelOffline
	}
	return st
}

// AllOnline reports whether every tracked channel is online.
func (c *ConnState) AllOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.channels {
		if st != ChannelOnline {
			return false
		}
	}
	return true
}

// Subscribe returns a channel receiving the latest state map after every
// transition, plus a cancel func.
func (c *ConnState) Subscribe() (<-chan map[string]ChannelState, func()) {
	return c.obs.Subscribe()
}

// NotificationQueue is a capped FIFO of transient alerts. On overflow the
// oldest entry is evicted.
type NotificationQueue struct {
	mu    sync.Mutex
	items []models.Notification
	cap   int
	obs   *Value[[]models.Notification]
	now   func() time.Time
}

func NewNotificationQueue(capacity int) *NotificationQueue {
	if capacity <= 0 {
		capacity = 20
	}
	return &NotificationQueue{
		cap: capacity,
		obs: NewValue([]models.Notification(nil)),
		now: time.Now,
	}
}

// Push appends a notification, evicting the oldest when full.
func (q *NotificationQueue) Push(kind, message string) models.Notification {
	n := models.Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Message:   message,
		CreatedAt: q.now(),
	}
	q.mu.Lock()
	q.items = append(q.items, n)
	if len(q.items) > q.cap {
		q.items = q.items[len(q.items)-q.cap:]
	}
	snapshot := append([]models.Notification(nil), q.items...)
	q.mu.Unlock()
	q.obs.Set(snapshot)
	return n
}

// Dismiss removes a notification by id; unknown ids are a no-op.
func (q *NotificationQueue) Dismiss(id string) {
	q.mu.Lock()
	for i, n := range q.items {
		if n.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	snapshot := append([]models.Notification(nil), q.items...)
	q.mu.Unlock()
	q.obs.Set(snapshot)
}

// List returns a copy of the current queue, oldest first.
func (q *NotificationQueue) List() []models.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Notification(nil), q.items...)
}

// Subscribe returns a channel receiving the queue snapshot after every
// change, plus a cancel func.
func (q *NotificationQueue) Subscribe() (<-chan []models.Notification, func()) {
	return q.obs.Subscribe()
}
