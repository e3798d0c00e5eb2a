package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-router/internal/address"
	"github.com/shehryarbajwa/browser-router/internal/agent"
	"github.com/shehryarbajwa/browser-router/internal/capacity"
	"github.com/shehryarbajwa/browser-router/internal/containertest"
	"github.com/shehryarbajwa/browser-router/internal/logging"
	"github.com/shehryarbajwa/browser-router/internal/region"
	"github.com/shehryarbajwa/browser-router/internal/router"
)

func setup(t *testing.T) (*region.Manager, *httptest.Server) {
	t.Helper()
	launcher := containertest.NewLauncher(2)
	t.Cleanup(launcher.CloseAll)

	opts := router.Options{
		Agent: agent.Options{
			PortWaitRetries:      5,
			PortWaitInterval:     20 * time.Millisecond,
			HandshakeTimeout:     time.Second,
			FirstCapacityTimeout: time.Second,
			SessionCreateTimeout: time.Second,
			Backoff:              capacity.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		},
	}
	m, err := region.NewManager(launcher, nil, "", opts, logging.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })

	srv := httptest.NewServer(NewServer(m, time.Second, logging.NewTestLogger()))
	t.Cleanup(srv.Close)
	return m, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestProxyRelaysFrames(t *testing.T) {
	m, srv := setup(t)

	details, _, err := m.RequestSession(context.Background(), "")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, details.WSConnectPath), nil)
	require.NoError(t, err)

	a, ok := m.FindAgent(details.ContainerID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return a.Snapshot().OpenConns == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Browser.getVersion"}`)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"method":"Browser.getVersion"}`, string(msg))

	conn.Close()
	assert.Eventually(t, func() bool { return a.Snapshot().OpenConns == 0 }, time.Second, 5*time.Millisecond)
}

func TestProxyRejects(t *testing.T) {
	m, srv := setup(t)

	details, _, err := m.RequestSession(context.Background(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"malformed path", "/session/only-container", http.StatusBadRequest},
		{"unknown container", address.MustEncode("missing", "abc"), http.StatusNotFound},
		{"unknown session", address.MustEncode(details.ContainerID, "not-a-session"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.path), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}
