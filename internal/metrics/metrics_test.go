package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(sessionRequests))
	require.NoError(t, reg.Register(regionCapacity))

	RecordSessionRequest("us-west-2", "ok")
	RecordSessionRequest("us-west-2", "ok")
	RecordSessionRequest("us-west-2", "NoCapacity")
	assert.Equal(t, 2.0, testutil.ToFloat64(sessionRequests.WithLabelValues("us-west-2", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sessionRequests.WithLabelValues("us-west-2", "NoCapacity")))

	SetCapacity("eu-central-1", 7)
	expected := `
# HELP browser_router_capacity Sum of the last reported free session slots per region.
# TYPE browser_router_capacity gauge
browser_router_capacity{region="eu-central-1"} 7
`
	assert.NoError(t, testutil.CollectAndCompare(regionCapacity, strings.NewReader(expected)))
}

func TestContainerInitHistogram(t *testing.T) {
	RecordContainerInit("us-east-1", "ok", 250*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(containerInit, "browser_router_container_init_seconds"))
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		Register(reg)
		Register(reg)
	})
}
