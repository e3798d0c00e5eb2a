package capacity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-router/internal/brokererr"
	"github.com/shehryarbajwa/browser-router/internal/containertest"
	"github.com/shehryarbajwa/browser-router/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	values []int
	seen   chan int
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan int, 64)}
}

func (r *recorder) apply(n int) {
	r.mu.Lock()
	r.values = append(r.values, n)
	r.mu.Unlock()
	r.seen <- n
}

func (r *recorder) next(t *testing.T) int {
	t.Helper()
	select {
	case n := <-r.seen:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for capacity message")
		return -1
	}
}

func TestChannelDeliversCapacity(t *testing.T) {
	c := containertest.New(2)
	defer c.Close()

	d := &Dialer{HandshakeTimeout: time.Second}
	ch, err := d.Dial(context.Background(), "c1", c.Endpoint())
	require.NoError(t, err)
	defer ch.Close()

	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx, logging.NewTestLogger(), rec.apply) }()

	assert.Equal(t, 2, rec.next(t))

	c.Publish("not a number")
	c.SetCapacity(5)
	assert.Equal(t, 5, rec.next(t))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestChannelReportsLoss(t *testing.T) {
	c := containertest.New(1)
	defer c.Close()

	d := &Dialer{HandshakeTimeout: time.Second}
	ch, err := d.Dial(context.Background(), "c1", c.Endpoint())
	require.NoError(t, err)

	rec := newRecorder()
	done := make(chan error, 1)
	go func() { done <- ch.Run(context.Background(), logging.NewTestLogger(), rec.apply) }()
	rec.next(t)

	c.DropChannels()
	select {
	case err := <-done:
		assert.Equal(t, brokererr.Channel, brokererr.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the container dropped the channel")
	}
}

func TestDialRefused(t *testing.T) {
	c := containertest.New(1)
	defer c.Close()
	c.RefuseUpgrade(true)

	d := &Dialer{HandshakeTimeout: time.Second}
	_, err := d.Dial(context.Background(), "c1", c.Endpoint())
	require.Error(t, err)

	var be *brokererr.Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, brokererr.Channel, be.Kind)
	assert.Equal(t, "c1", be.ContainerID)
	assert.Contains(t, be.Msg, "status 400")
}

// unresponsiveServer upgrades capacity requests, sends one report and then
// never reads again, so pings go unanswered as on a half-open connection.
func unresponsiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("3"))
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestChannelDetectsUnansweredPings(t *testing.T) {
	srv := unresponsiveServer(t)

	d := &Dialer{HandshakeTimeout: time.Second, PingInterval: 50 * time.Millisecond}
	ch, err := d.Dial(context.Background(), "c1", strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer ch.Close()

	rec := newRecorder()
	done := make(chan error, 1)
	go func() { done <- ch.Run(context.Background(), logging.NewTestLogger(), rec.apply) }()
	assert.Equal(t, 3, rec.next(t))

	select {
	case err := <-done:
		assert.Equal(t, brokererr.Channel, brokererr.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept waiting on a container that stopped answering")
	}
}

func TestChannelStaysOpenWhilePongsArrive(t *testing.T) {
	c := containertest.New(2)
	defer c.Close()

	d := &Dialer{HandshakeTimeout: time.Second, PingInterval: 20 * time.Millisecond}
	ch, err := d.Dial(context.Background(), "c1", c.Endpoint())
	require.NoError(t, err)
	defer ch.Close()

	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx, logging.NewTestLogger(), rec.apply) }()
	assert.Equal(t, 2, rec.next(t))

	// Many ping intervals pass without a capacity message.
	select {
	case err := <-done:
		t.Fatalf("Run returned while the container was answering pings: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
