package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmdesk/helmdesk-sync/internal/models"
)

// scriptConn is a Conn fed by the test.
type scriptConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []models.Message
	pongs  bool // answer pings with pongs
}

func newScriptConn() *scriptConn {
	return &scriptConn{in: make(chan []byte, 64), closed: make(chan struct{}), pongs: true}
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *scriptConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	msg, ok := v.(models.Message)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	c.mu.Lock()
	c.writes = append(c.writes, msg)
	pongs := c.pongs
	c.mu.Unlock()
	if msg.Type == models.EventPing && pongs {
		c.deliverRaw([]byte(`{"type":"pong"}`))
	}
	return nil
}

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) deliverRaw(data []byte) {
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

func (c *scriptConn) deliver(t *testing.T, seq int64, typ string, payload any) {
	t.Helper()
	msg := models.Message{Seq: seq, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.deliverRaw(data)
}

// fakeDialer hands out scriptConns, optionally failing the first N dials.
type fakeDialer struct {
	mu        sync.Mutex
	failFirst int
	dials     int
	conns     []*scriptConn
	dialCh    chan *scriptConn
}

func newFakeDialer(failFirst int) *fakeDialer {
	return &fakeDialer{failFirst: failFirst, dialCh: make(chan *scriptConn, 16)}
}

func (d *fakeDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.dials <= d.failFirst {
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	conn := newScriptConn()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dialCh <- conn
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recorder struct {
	messages chan models.Message
	gaps     chan string
	resyncs  chan string
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan models.Message, 64),
		gaps:     make(chan string, 16),
		resyncs:  make(chan string, 16),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage:     func(_ string, msg models.Message) { r.messages <- msg },
		OnGap:         func(ch string) { r.gaps <- ch },
		OnReconnected: func(ch string) { r.resyncs <- ch },
	}
}

func (r *recorder) nextMessage(t *testing.T) models.Message {
	t.Helper()
	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return models.Message{}
	}
}

func fastOptions() Options {
	return Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     8 * time.Millisecond,
		PingInterval:   time.Hour, // liveness disabled unless a test wants it
		PongTimeout:    time.Hour,
		BufferCap:      4,
	}
}

func startConnection(t *testing.T, dialer *fakeDialer, rec *recorder, opts Options) (*Connection, *scriptConn) {
	t.Helper()
	conn := NewConnection(models.ChannelDecisions, "ws://engine/api/ws/decisions", dialer, opts, rec.callbacks(), nil)
	t.Cleanup(conn.Destroy)
	conn.Connect()
	select {
	case sc := <-dialer.dialCh:
		return conn, sc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dial")
		return nil, nil
	}
}

func TestConnection_AppliesMessagesInOrder(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	conn, sc := startConnection(t, dialer, rec, fastOptions())

	sc.deliver(t, 1, models.EventDecisionCreated, nil)
	sc.deliver(t, 2, models.EventDecisionResolved, nil)

	assert.Equal(t, int64(1), rec.nextMessage(t).Seq)
	assert.Equal(t, int64(2), rec.nextMessage(t).Seq)

	cursor, ok := conn.Cursor()
	assert.True(t, ok)
	assert.Equal(t, int64(2), cursor)
	assert.Empty(t, rec.gaps)
}

func TestConnection_GapTriggersResyncBeforeApply(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	conn, sc := startConnection(t, dialer, rec, fastOptions())

	sc.deliver(t, 1, models.EventDecisionCreated, nil)
	sc.deliver(t, 2, models.EventDecisionCreated, nil)
	sc.deliver(t, 5, models.EventDecisionCreated, nil)

	require.Equal(t, int64(1), rec.nextMessage(t).Seq)
	require.Equal(t, int64(2), rec.nextMessage(t).Seq)

	// The gap fires before message 5 is handed over.
	select {
	case <-rec.gaps:
	case <-time.After(time.Second):
		t.Fatal("expected a gap signal")
	}
	assert.Equal(t, int64(5), rec.nextMessage(t).Seq)

	cursor, _ := conn.Cursor()
	assert.Equal(t, int64(5), cursor)
	assert.Empty(t, rec.gaps, "exactly one gap signal")
}

func TestConnection_DuplicateSequenceDropped(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	_, sc := startConnection(t, dialer, rec, fastOptions())

	sc.deliver(t, 1, models.EventDecisionCreated, nil)
	sc.deliver(t, 1, models.EventDecisionCreated, nil)
	sc.deliver(t, 2, models.EventDecisionCreated, nil)

	assert.Equal(t, int64(1), rec.nextMessage(t).Seq)
	assert.Equal(t, int64(2), rec.nextMessage(t).Seq, "replayed seq 1 must be dropped")
}

func TestConnection_MalformedFramesDropped(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	conn, sc := startConnection(t, dialer, rec, fastOptions())

	sc.deliverRaw([]byte("{not json"))
	sc.deliverRaw([]byte(`{"seq":"str","type":123}`))
	sc.deliver(t, 1, models.EventDecisionCreated, nil)

	assert.Equal(t, int64(1), rec.nextMessage(t).Seq, "channel survives malformed frames")
	assert.Equal(t, StateOnline, conn.State())
}

func TestConnection_SuspendBuffersAndResumeFlushesInOrder(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	conn, sc := startConnection(t, dialer, rec, fastOptions())

	sc.deliver(t, 1, models.EventDecisionCreated, nil)
	require.Equal(t, int64(1), rec.nextMessage(t).Seq)

	conn.Suspend()
	sc.deliver(t, 2, models.EventDecisionCreated, nil)
	sc.deliver(t, 3, models.EventDecisionCreated, nil)

	select {
	case msg := <-rec.messages:
		t.Fatalf("message %d applied while suspended", msg.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	conn.Resume()
	assert.Equal(t, int64(2), rec.nextMessage(t).Seq)
	assert.Equal(t, int64(3), rec.nextMessage(t).Seq)
}

func TestConnection_SuspendBufferDropsOldestOnOverflow(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	opts := fastOptions()
	opts.BufferCap = 2
	conn, sc := startConnection(t, dialer, rec, opts)

	conn.Suspend()
	sc.deliver(t, 1, models.EventDecisionCreated, nil)
	sc.deliver(t, 2, models.EventDecisionCreated, nil)
	sc.deliver(t, 3, models.EventDecisionCreated, nil)
	// Let the read loop drain all three frames into the buffer.
	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.buffer) == 2
	}, time.Second, time.Millisecond)

	conn.Resume()
	first := rec.nextMessage(t)
	assert.Equal(t, int64(2), first.Seq, "oldest buffered message dropped")
	assert.Equal(t, int64(3), rec.nextMessage(t).Seq)
}

func TestConnection_ReconnectsAfterUnexpectedClose(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	conn, sc := startConnection(t, dialer, rec, fastOptions())

	sc.deliver(t, 1, models.EventDecisionCreated, nil)
	require.Equal(t, int64(1), rec.nextMessage(t).Seq)

	sc.Close() // unexpected close

	var sc2 *scriptConn
	select {
	case sc2 = <-dialer.dialCh:
	case <-time.After(time.Second):
		t.Fatal("expected a reconnect dial")
	}
	assert.Eventually(t, func() bool { return conn.State() == StateOnline }, time.Second, time.Millisecond)

	// A reconnect with an initialized cursor means delivery continuity is
	// gone; the owner must be told to resync.
	select {
	case <-rec.resyncs:
	case <-time.After(time.Second):
		t.Fatal("expected a resync signal after reconnect")
	}

	sc2.deliver(t, 2, models.EventDecisionCreated, nil)
	assert.Equal(t, int64(2), rec.nextMessage(t).Seq)
}

func TestConnection_FreshConnectDoesNotSignalResync(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	conn, _ := startConnection(t, dialer, rec, fastOptions())

	assert.Eventually(t, func() bool { return conn.State() == StateOnline }, time.Second, time.Millisecond)
	select {
	case <-rec.resyncs:
		t.Fatal("first connection must not request a resync")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_RetriesDialFailuresWithBackoff(t *testing.T) {
	dialer := newFakeDialer(3)
	rec := newRecorder()
	conn := NewConnection(models.ChannelDecisions, "ws://engine/api/ws/decisions", dialer, fastOptions(), rec.callbacks(), nil)
	t.Cleanup(conn.Destroy)
	conn.Connect()

	select {
	case <-dialer.dialCh:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected through dial failures")
	}
	assert.Eventually(t, func() bool { return conn.State() == StateOnline }, time.Second, time.Millisecond)
	assert.Equal(t, 4, dialer.dialCount())
}

func TestConnection_DisconnectSuppressesReconnect(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	conn, _ := startConnection(t, dialer, rec, fastOptions())

	conn.Disconnect()
	assert.Equal(t, StateOffline, conn.State())

	dials := dialer.dialCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount(), "no reconnect after deliberate disconnect")
}

func TestConnection_ConnectIsIdempotent(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	conn, _ := startConnection(t, dialer, rec, fastOptions())

	assert.Eventually(t, func() bool { return conn.State() == StateOnline }, time.Second, time.Millisecond)
	conn.Connect()
	conn.Connect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnection_PongTimeoutForcesReconnect(t *testing.T) {
	dialer := newFakeDialer(0)
	rec := newRecorder()
	opts := fastOptions()
	opts.PingInterval = 5 * time.Millisecond
	opts.PongTimeout = 2 * time.Millisecond
	conn, sc := startConnection(t, dialer, rec, opts)

	sc.mu.Lock()
	sc.pongs = false // peer goes silent
	sc.mu.Unlock()

	select {
	case <-dialer.dialCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reconnect after pong timeout")
	}
	assert.Eventually(t, func() bool { return conn.State() == StateOnline }, time.Second, time.Millisecond)
}

func TestBackoffDelay_CappedAndMonotonic(t *testing.T) {
	initial := 500 * time.Millisecond
	max := 30 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(attempt, initial, max)
		assert.LessOrEqual(t, d, max, "attempt %d exceeds cap", attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink")
		prev = d
	}
	assert.Equal(t, initial, backoffDelay(0, initial, max))
	assert.Equal(t, time.Second, backoffDelay(1, 500*time.Millisecond, max))
	assert.Equal(t, max, backoffDelay(19, initial, max))
}
