// Package containertest runs an in-process stand-in for the sandboxed browser
// container. It speaks the same HTTP and WebSocket contract: POST /new,
// GET /capacity (upgraded, bare decimal pushes) and GET /session/{id}
// (upgraded, echoes frames back).
package containertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Container is a fake container process.
type Container struct {
	srv *httptest.Server

	mu            sync.Mutex
	capacity      int
	sessions      map[string]bool
	channels      map[*websocket.Conn]bool
	newStatus     int
	newDelay      time.Duration
	refuseUpgrade bool
	silent        bool
	newCalls      int
	upgrades      int
}

// New starts a container reporting the given free-slot count.
func New(capacity int) *Container {
	c := &Container{
		capacity: capacity,
		sessions: make(map[string]bool),
		channels: make(map[*websocket.Conn]bool),
	}

	r := mux.NewRouter()
	r.HandleFunc("/new", c.handleNew).Methods("POST")
	r.HandleFunc("/capacity", c.handleCapacity).Methods("GET")
	r.HandleFunc("/session/{id}", c.handleSession).Methods("GET")
	c.srv = httptest.NewServer(r)
	return c
}

// Endpoint is host:port of the service port.
func (c *Container) Endpoint() string {
	return strings.TrimPrefix(c.srv.URL, "http://")
}

func (c *Container) URL() string {
	return c.srv.URL
}

// Close drops every channel and stops the server.
func (c *Container) Close() {
	c.DropChannels()
	c.srv.Close()
}

// SetCapacity changes the free-slot count and pushes it on every channel
// unless the container is silent.
func (c *Container) SetCapacity(n int) {
	c.mu.Lock()
	c.capacity = n
	silent := c.silent
	c.mu.Unlock()
	if !silent {
		c.Publish(strconv.Itoa(n))
	}
}

// Publish pushes a raw payload on every open channel.
func (c *Container) Publish(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for conn := range c.channels {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
	}
}

// Silence stops automatic capacity pushes; Publish still works.
func (c *Container) Silence(silent bool) {
	c.mu.Lock()
	c.silent = silent
	c.mu.Unlock()
}

// FailNew makes POST /new answer with status until reset with 0.
func (c *Container) FailNew(status int) {
	c.mu.Lock()
	c.newStatus = status
	c.mu.Unlock()
}

// DelayNew holds every POST /new for d before answering.
func (c *Container) DelayNew(d time.Duration) {
	c.mu.Lock()
	c.newDelay = d
	c.mu.Unlock()
}

// RefuseUpgrade makes /capacity answer 400 instead of upgrading.
func (c *Container) RefuseUpgrade(refuse bool) {
	c.mu.Lock()
	c.refuseUpgrade = refuse
	c.mu.Unlock()
}

// DropChannels closes every open capacity channel from the container side.
func (c *Container) DropChannels() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for conn := range c.channels {
		conn.Close()
		delete(c.channels, conn)
	}
}

func (c *Container) NewCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newCalls
}

// Upgrades counts accepted capacity channel upgrades.
func (c *Container) Upgrades() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upgrades
}

func (c *Container) OpenChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// WaitForChannels blocks until n channels are open or the timeout passes.
func (c *Container) WaitForChannels(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.OpenChannels() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (c *Container) handleNew(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.newCalls++
	status := c.newStatus
	delay := c.newDelay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, "session creation failed", status)
		return
	}

	c.mu.Lock()
	if c.capacity <= 0 {
		c.mu.Unlock()
		http.Error(w, "no available browser instances", http.StatusInternalServerError)
		return
	}
	c.capacity--
	id := uuid.New().String()
	c.sessions[id] = true
	remaining := c.capacity
	silent := c.silent
	c.mu.Unlock()

	if !silent {
		c.Publish(strconv.Itoa(remaining))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (c *Container) handleCapacity(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	refuse := c.refuseUpgrade
	c.mu.Unlock()
	if refuse {
		http.Error(w, "not a websocket endpoint", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.channels[conn] = true
	c.upgrades++
	current := c.capacity
	silent := c.silent
	if !silent {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(strconv.Itoa(current)))
	}
	c.mu.Unlock()

	// Drain until the agent goes away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.mu.Lock()
				delete(c.channels, conn)
				c.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

func (c *Container) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	c.mu.Lock()
	known := c.sessions[id]
	c.mu.Unlock()
	if !known {
		http.Error(w, fmt.Sprintf("session %s not found", id), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}

// Launcher hands out fake containers in place of real ones.
type Launcher struct {
	// Capacity is the initial capacity of every container launched.
	Capacity int
	// Fail, when set, is returned from Launch.
	Fail error

	mu         sync.Mutex
	containers map[string]*Container
	order      []string
	stopped    map[string]bool
}

func NewLauncher(capacity int) *Launcher {
	return &Launcher{
		Capacity:   capacity,
		containers: make(map[string]*Container),
		stopped:    make(map[string]bool),
	}
}

func (l *Launcher) Launch(ctx context.Context, containerID, region string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return "", l.Fail
	}
	c := New(l.Capacity)
	l.containers[containerID] = c
	l.order = append(l.order, containerID)
	return c.Endpoint(), nil
}

func (l *Launcher) Stop(ctx context.Context, containerID string) error {
	l.mu.Lock()
	c, ok := l.containers[containerID]
	l.stopped[containerID] = true
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %s not found", containerID)
	}
	c.Close()
	return nil
}

// Container returns the fake behind containerID.
func (l *Launcher) Container(containerID string) *Container {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.containers[containerID]
}

// Launched returns container ids in launch order.
func (l *Launcher) Launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *Launcher) Stopped(containerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped[containerID]
}

// CloseAll shuts every fake down.
func (l *Launcher) CloseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.containers {
		c.Close()
	}
}
