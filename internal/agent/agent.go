// Package agent supervises a single browser container: it launches it, waits
// for its service port, keeps a capacity channel open to it and reserves
// sessions against the capacity it reports.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/shehryarbajwa/browser-router/internal/address"
	"github.com/shehryarbajwa/browser-router/internal/brokererr"
	"github.com/shehryarbajwa/browser-router/internal/capacity"
	"github.com/shehryarbajwa/browser-router/internal/logging"
	"github.com/shehryarbajwa/browser-router/internal/metrics"
	"github.com/shehryarbajwa/browser-router/pkg/models"
)

// Launcher starts and stops container processes. Launch returns the host:port
// of the container's service port.
type Launcher interface {
	Launch(ctx context.Context, containerID, region string) (string, error)
	Stop(ctx context.Context, containerID string) error
}

// CapacityFunc receives every authoritative capacity report.
type CapacityFunc func(containerID string, capacity int)

// ChannelState is the agent's view of its capacity channel.
type ChannelState string

const (
	Disconnected ChannelState = "Disconnected"
	Connecting   ChannelState = "Connecting"
	Connected    ChannelState = "Connected"
)

// Options tunes every suspension point of an agent.
type Options struct {
	PortWaitRetries      int
	PortWaitInterval     time.Duration
	HandshakeTimeout     time.Duration
	FirstCapacityTimeout time.Duration
	SessionCreateTimeout time.Duration
	ChannelPingInterval  time.Duration // zero disables capacity channel pings
	Backoff              capacity.Backoff
}

// DefaultOptions mirrors the container runtime defaults.
func DefaultOptions() Options {
	return Options{
		PortWaitRetries:      20, // 10 seconds total (20 * 500ms)
		PortWaitInterval:     500 * time.Millisecond,
		HandshakeTimeout:     10 * time.Second,
		FirstCapacityTimeout: 10 * time.Second,
		SessionCreateTimeout: 30 * time.Second,
		ChannelPingInterval:  15 * time.Second,
		Backoff:              capacity.DefaultBackoff,
	}
}

// Snapshot is a point-in-time copy of an agent's state.
type Snapshot struct {
	ContainerID string       `json:"containerId"`
	Region      string       `json:"region"`
	Endpoint    string       `json:"endpoint,omitempty"`
	Ready       bool         `json:"ready"`
	Capacity    int          `json:"capacity"`
	Channel     ChannelState `json:"channel"`
	Attempt     uint         `json:"reconnectAttempt"`
	OpenConns   int          `json:"openConns"`
	LastActive  time.Time    `json:"lastActive"`
}

// Agent owns one container.
//
// Every capacity mutation (reservation, rollback, authoritative overwrite,
// disconnect) runs under reserveMu, and a reservation holds it across the
// remote call, so a report that arrives mid-reservation is applied after the
// reservation has either committed or rolled back. mu guards the fields and
// is only ever held briefly, so observers never wait on a reservation.
type Agent struct {
	id       string
	region   string
	launcher Launcher
	client   *http.Client
	dialer   *capacity.Dialer
	opts     Options
	logger   logr.Logger
	report   CapacityFunc
	now      func() time.Time

	initMu   sync.Mutex
	initDone chan struct{}
	initErr  error

	reserveMu sync.Mutex

	mu         sync.Mutex
	endpoint   string
	ready      bool
	capacity   int
	state      ChannelState
	attempt    uint
	openConns  int
	lastActive time.Time
	supervised bool

	firstCapacity     chan struct{}
	firstCapacityOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	supervise chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New builds an agent for containerID. Nothing is started until Initialize.
// report may be nil.
func New(containerID, region string, launcher Launcher, opts Options, logger logr.Logger, report CapacityFunc) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		id:            containerID,
		region:        region,
		launcher:      launcher,
		client:        &http.Client{},
		dialer:        &capacity.Dialer{HandshakeTimeout: opts.HandshakeTimeout, PingInterval: opts.ChannelPingInterval},
		opts:          opts,
		logger:        logger.WithName("agent").WithValues("containerId", containerID, "region", region),
		report:        report,
		now:           time.Now,
		state:         Disconnected,
		firstCapacity: make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		supervise:     make(chan struct{}),
	}
}

func (a *Agent) ID() string {
	return a.id
}

func (a *Agent) Region() string {
	return a.region
}

// Endpoint is host:port of the container's service port, empty before launch.
func (a *Agent) Endpoint() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endpoint
}

// Initialize launches the container, waits for its port, opens the capacity
// channel and waits for the first capacity report. Concurrent and repeated
// calls share one attempt and observe the same result.
func (a *Agent) Initialize(ctx context.Context) error {
	a.initMu.Lock()
	owner := a.initDone == nil
	if owner {
		a.initDone = make(chan struct{})
	}
	done := a.initDone
	a.initMu.Unlock()

	if owner {
		start := a.now()
		err := a.initialize(ctx)
		result := "ok"
		if err != nil {
			result = string(brokererr.KindOf(err))
		}
		metrics.RecordContainerInit(a.region, result, a.now().Sub(start))

		a.initMu.Lock()
		a.initErr = err
		a.initMu.Unlock()
		close(done)
		return err
	}

	select {
	case <-done:
		a.initMu.Lock()
		defer a.initMu.Unlock()
		return a.initErr
	case <-ctx.Done():
		return brokererr.New(brokererr.Init, a.id, "waiting for initialization", ctx.Err())
	}
}

func (a *Agent) initialize(ctx context.Context) error {
	logger := logging.FromContext(ctx, a.logger)
	logger.V(logging.DEBUG).Info("Launching container")

	endpoint, err := a.launcher.Launch(ctx, a.id, a.region)
	if err != nil {
		return brokererr.New(brokererr.Init, a.id, "failed to launch container", err)
	}
	a.mu.Lock()
	a.endpoint = endpoint
	a.mu.Unlock()

	if err := a.waitForPort(ctx, endpoint); err != nil {
		return err
	}
	logger.V(logging.DEBUG).Info("Container port is accepting connections", "endpoint", endpoint)

	a.setState(Connecting, 0)
	ch, err := a.dialer.Dial(ctx, a.id, endpoint)
	if err != nil {
		a.setState(Disconnected, 0)
		return brokererr.New(brokererr.Init, a.id, "failed to establish capacity channel", err)
	}
	a.setState(Connected, 0)
	a.mu.Lock()
	a.supervised = true
	a.mu.Unlock()
	go a.superviseChannel(ch)

	timer := time.NewTimer(a.opts.FirstCapacityTimeout)
	defer timer.Stop()
	select {
	case <-a.firstCapacity:
	case <-timer.C:
		return brokererr.New(brokererr.Init, a.id, "no capacity report received", context.DeadlineExceeded)
	case <-ctx.Done():
		return brokererr.New(brokererr.Init, a.id, "waiting for first capacity report", ctx.Err())
	case <-a.ctx.Done():
		return brokererr.Newf(brokererr.Init, a.id, "agent closed during initialization")
	}

	a.mu.Lock()
	a.ready = true
	a.lastActive = a.now()
	c := a.capacity
	a.mu.Unlock()

	logger.Info("Container ready", "endpoint", endpoint, "capacity", c)
	return nil
}

// waitForPort polls the service port a fixed number of times.
func (a *Agent) waitForPort(ctx context.Context, endpoint string) error {
	var lastErr error
	for i := 0; i < a.opts.PortWaitRetries; i++ {
		d := net.Dialer{Timeout: a.opts.PortWaitInterval}
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-time.After(a.opts.PortWaitInterval):
		case <-ctx.Done():
			return brokererr.New(brokererr.Init, a.id, "waiting for service port", ctx.Err())
		}
	}
	return brokererr.New(brokererr.Init, a.id,
		fmt.Sprintf("service port %s did not open after %d retries", endpoint, a.opts.PortWaitRetries), lastErr)
}

// NewSession reserves one slot and asks the container for a session. With no
// known capacity it fails immediately without contacting the container.
func (a *Agent) NewSession(ctx context.Context) (*models.SessionDetails, error) {
	if !a.Ready() {
		return nil, brokererr.Newf(brokererr.Init, a.id, "agent is not initialized")
	}

	a.reserveMu.Lock()
	defer a.reserveMu.Unlock()

	a.mu.Lock()
	switch {
	case a.state != Connected:
		a.mu.Unlock()
		return nil, brokererr.Newf(brokererr.NoCapacity, a.id, "capacity channel is %s", a.state)
	case a.capacity <= 0:
		a.mu.Unlock()
		return nil, brokererr.Newf(brokererr.NoCapacity, a.id, "no free session slot")
	}
	a.capacity--
	endpoint := a.endpoint
	a.lastActive = a.now()
	a.mu.Unlock()

	sessionID, err := a.createSession(ctx, endpoint)
	if err == nil {
		var path string
		path, err = address.Encode(a.id, sessionID)
		if err == nil {
			a.logger.Info("Session created", "sessionId", sessionID)
			return &models.SessionDetails{
				SessionID:     sessionID,
				WSConnectPath: path,
				ContainerID:   a.id,
			}, nil
		}
		err = brokererr.New(brokererr.Fetch, a.id, "container returned an unroutable session id", err)
	}

	a.mu.Lock()
	a.capacity++
	a.mu.Unlock()
	a.logger.Error(err, "Session creation failed, reservation rolled back")
	return nil, err
}

type newSessionResponse struct {
	ID string `json:"id"`
}

func (a *Agent) createSession(ctx context.Context, endpoint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.SessionCreateTimeout)
	defer cancel()

	u := url.URL{Scheme: "http", Host: endpoint, Path: "/new"}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", brokererr.New(brokererr.Fetch, a.id, "failed to build request", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", brokererr.New(brokererr.Fetch, a.id, "session request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", brokererr.Newf(brokererr.Fetch, a.id, "container answered %s: %s", resp.Status, body)
	}

	var out newSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", brokererr.New(brokererr.Fetch, a.id, "invalid session response", err)
	}
	if out.ID == "" {
		return "", brokererr.Newf(brokererr.Fetch, a.id, "container returned an empty session id")
	}
	return out.ID, nil
}

// applyCapacity overwrites the counter with an authoritative report.
func (a *Agent) applyCapacity(n int) {
	a.reserveMu.Lock()
	a.mu.Lock()
	prev := a.capacity
	a.capacity = n
	a.mu.Unlock()
	a.reserveMu.Unlock()

	a.logger.V(logging.TRACE).Info("Capacity report", "capacity", n, "previous", prev)
	a.firstCapacityOnce.Do(func() { close(a.firstCapacity) })
	if a.report != nil {
		a.report(a.id, n)
	}
}

// superviseChannel runs the capacity read loop and, whenever it ends,
// reconnects with backoff until the agent is closed.
func (a *Agent) superviseChannel(ch *capacity.Channel) {
	defer close(a.supervise)

	sup := capacity.NewSupervisor(a.opts.Backoff, a.onTransition)
	for {
		err := ch.Run(a.ctx, a.logger, a.applyCapacity)
		ch.Close()
		if a.ctx.Err() != nil {
			return
		}
		a.logger.Error(err, "Capacity channel lost")

		decision := sup.Observe(capacity.EventClosed)
		for {
			if !a.sleep(decision.After) {
				return
			}
			next, err := a.dialer.Dial(a.ctx, a.id, a.Endpoint())
			if err != nil {
				if a.ctx.Err() != nil {
					return
				}
				a.logger.V(logging.DEBUG).Info("Reconnect failed", "attempt", sup.Attempt(), "error", err.Error())
				decision = sup.Observe(capacity.EventDialFailed)
				continue
			}
			sup.Observe(capacity.EventDialSucceeded)
			metrics.RecordReconnect(a.region)
			a.logger.Info("Capacity channel reconnected")
			ch = next
			break
		}
	}
}

func (a *Agent) onTransition(from, to capacity.State, attempt uint) {
	switch to {
	case capacity.Connected:
		a.setState(Connected, 0)
	case capacity.Disconnected:
		a.setState(Disconnected, 0)
		if a.report != nil {
			a.report(a.id, 0)
		}
	case capacity.Reconnecting:
		a.setState(Connecting, attempt)
		a.logger.V(logging.DEBUG).Info("Reconnecting capacity channel", "attempt", attempt,
			"delay", a.opts.Backoff.Delay(attempt).String())
	}
}

// setState records channel state. Leaving Connected zeroes capacity: nothing
// is reserved against numbers the container can no longer confirm.
func (a *Agent) setState(s ChannelState, attempt uint) {
	a.reserveMu.Lock()
	defer a.reserveMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if s != Connected {
		a.capacity = 0
	}
	a.state = s
	a.attempt = attempt
}

func (a *Agent) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// Ready reports whether Initialize has completed successfully.
func (a *Agent) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// Capacity is the counter as it stands, optimistic reservations included.
func (a *Agent) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity
}

func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ContainerID: a.id,
		Region:      a.region,
		Endpoint:    a.endpoint,
		Ready:       a.ready,
		Capacity:    a.capacity,
		Channel:     a.state,
		Attempt:     a.attempt,
		OpenConns:   a.openConns,
		LastActive:  a.lastActive,
	}
}

// ConnOpened records a proxied client connection to one of this agent's
// sessions. Agents with open connections are never idle.
func (a *Agent) ConnOpened() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openConns++
	a.lastActive = a.now()
}

func (a *Agent) ConnClosed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openConns > 0 {
		a.openConns--
	}
	a.lastActive = a.now()
}

// IdleSince returns when the agent was last used and whether it is idle at
// all (ready with no open connections).
func (a *Agent) IdleSince() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActive, a.ready && a.openConns == 0
}

// Close stops channel supervision and the container. Safe to call more than
// once; later calls return the first result.
func (a *Agent) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.cancel()

		a.mu.Lock()
		launched := a.endpoint != ""
		supervised := a.supervised
		a.ready = false
		a.mu.Unlock()

		if supervised {
			select {
			case <-a.supervise:
			case <-ctx.Done():
			}
		}
		a.setState(Disconnected, 0)

		if launched {
			if err := a.launcher.Stop(ctx, a.id); err != nil {
				a.closeErr = fmt.Errorf("failed to stop container %s: %w", a.id, err)
			}
		}
		a.logger.Info("Agent closed")
	})
	return a.closeErr
}

