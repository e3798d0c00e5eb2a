package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browser-router/internal/address"
	"github.com/shehryarbajwa/browser-router/internal/agent"
	"github.com/shehryarbajwa/browser-router/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AgentFinder resolves a container id to the agent that owns it.
type AgentFinder interface {
	FindAgent(containerID string) (*agent.Agent, bool)
}

// Server relays client WebSocket connections to the container that holds
// the session named in the connect path.
type Server struct {
	agents      AgentFinder
	dialTimeout time.Duration
	logger      logr.Logger
}

func NewServer(agents AgentFinder, dialTimeout time.Duration, logger logr.Logger) *Server {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Server{
		agents:      agents,
		dialTimeout: dialTimeout,
		logger:      logger.WithName("proxy"),
	}
}

// ServeHTTP handles GET /session/{containerId}/{sessionId}.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	containerID, suffix, err := address.Decode(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger := s.logger.WithValues("containerId", containerID, "session", suffix)

	a, ok := s.agents.FindAgent(containerID)
	if !ok {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}
	endpoint := a.Endpoint()
	if endpoint == "" {
		http.Error(w, "container is not ready", http.StatusServiceUnavailable)
		return
	}

	target := url.URL{Scheme: "ws", Host: endpoint, Path: address.ContainerPath(suffix)}
	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
	defer cancel()

	upstream, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		logger.Error(err, "Failed to connect to container")
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to connect to container", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error(err, "Failed to upgrade connection")
		return
	}
	defer client.Close()

	a.ConnOpened()
	defer a.ConnClosed()
	logger.V(logging.DEBUG).Info("Client connected")

	var g errgroup.Group
	g.Go(func() error {
		defer upstream.Close()
		return s.proxyMessages(logger, client, upstream, "client→container")
	})
	g.Go(func() error {
		defer client.Close()
		return s.proxyMessages(logger, upstream, client, "container→client")
	})
	if err := g.Wait(); err != nil && !isClosed(err) {
		logger.V(logging.DEBUG).Info("Proxy ended", "reason", err.Error())
	}

	logger.V(logging.DEBUG).Info("Client disconnected")
}

func (s *Server) proxyMessages(logger logr.Logger, src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.V(logging.DEBUG).Info("WebSocket error", "direction", direction, "error", err.Error())
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

func isClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent)
}
