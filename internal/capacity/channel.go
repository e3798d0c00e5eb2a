package capacity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/browser-router/internal/brokererr"
)

// Path is the well-known capacity endpoint on a container.
const Path = "/capacity"

// Dialer opens capacity channels to containers.
type Dialer struct {
	HandshakeTimeout time.Duration
	// PingInterval is how often an open channel is pinged. A channel that
	// answers nothing, pongs included, for two intervals is treated as lost.
	// Zero disables pings.
	PingInterval time.Duration
}

// Dial upgrades GET ws://{endpoint}/capacity. A refused upgrade is a Channel error.
func (d *Dialer) Dial(ctx context.Context, containerID, endpoint string) (*Channel, error) {
	u := url.URL{Scheme: "ws", Host: endpoint, Path: Path}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		msg := "failed to open capacity channel"
		if resp != nil {
			msg = fmt.Sprintf("container refused capacity upgrade (status %d)", resp.StatusCode)
		}
		return nil, brokererr.New(brokererr.Channel, containerID, msg, err)
	}

	return &Channel{containerID: containerID, conn: conn, pingInterval: d.PingInterval}, nil
}

// Channel is one live capacity connection. Apart from pings it only ever
// receives.
type Channel struct {
	containerID  string
	conn         *websocket.Conn
	pingInterval time.Duration
	closeOnce    sync.Once
}

// Run reads capacity messages until the connection fails or ctx is done,
// handing each parsed value to apply. Payloads that are not a decimal count
// are logged and skipped. With pings enabled, a container that stops
// answering is reported as lost. Run always returns a non-nil error.
func (c *Channel) Run(ctx context.Context, logger logr.Logger, apply func(int)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if c.pingInterval > 0 {
		pingCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		c.conn.SetPongHandler(func(string) error { return c.extendDeadline() })
		c.extendDeadline()
		go c.ping(pingCtx)
	}

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return brokererr.New(brokererr.Channel, c.containerID, "capacity channel lost", err)
		}

		if c.pingInterval > 0 {
			c.extendDeadline()
		}

		n, err := ParseCapacity(payload)
		if err != nil {
			logger.Error(err, "Ignoring malformed capacity message", "payload", string(payload))
			continue
		}
		apply(n)
	}
}

func (c *Channel) extendDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
}

// ping writes a ping every interval until ctx is done or a write fails. A
// failed write is left for the read loop to notice through its deadline.
func (c *Channel) ping(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pingInterval)); err != nil {
				return
			}
		}
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

var errNegative = errors.New("capacity must not be negative")

// ParseCapacity reads a bare decimal free-slot count.
func ParseCapacity(payload []byte) (int, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(payload)))
	if err != nil {
		return 0, fmt.Errorf("invalid capacity payload: %w", err)
	}
	if n < 0 {
		return 0, errNegative
	}
	return n, nil
}
