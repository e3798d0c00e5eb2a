package capacity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	want := []time.Duration{
		time.Second, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, b.Delay(uint(attempt)), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, b.Delay(1000))
}

func TestBackoffMonotonicAndBounded(t *testing.T) {
	for _, b := range []Backoff{
		DefaultBackoff,
		{Base: 10 * time.Millisecond, Max: 250 * time.Millisecond},
		{Base: 3 * time.Second, Max: 3 * time.Second},
		{Base: 5 * time.Second, Max: time.Second},
	} {
		prev := time.Duration(0)
		for n := uint(1); n < 200; n++ {
			d := b.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "%+v attempt %d", b, n)
			assert.LessOrEqual(t, d, max(b.Max, b.Base), "%+v attempt %d", b, n)
			prev = d
		}
	}
}

type transition struct {
	from, to State
	attempt  uint
}

func TestSupervisorReconnectCycle(t *testing.T) {
	var got []transition
	s := NewSupervisor(Backoff{Base: time.Second, Max: 30 * time.Second}, func(from, to State, attempt uint) {
		got = append(got, transition{from, to, attempt})
	})
	require.Equal(t, Connected, s.State())

	d := s.Observe(EventClosed)
	assert.Equal(t, Decision{Redial: true, After: time.Second}, d)
	assert.Equal(t, Reconnecting, s.State())
	assert.Equal(t, uint(1), s.Attempt())

	d = s.Observe(EventDialFailed)
	assert.Equal(t, Decision{Redial: true, After: 2 * time.Second}, d)
	d = s.Observe(EventDialFailed)
	assert.Equal(t, Decision{Redial: true, After: 4 * time.Second}, d)
	assert.Equal(t, uint(3), s.Attempt())

	d = s.Observe(EventDialSucceeded)
	assert.Equal(t, Decision{}, d)
	assert.Equal(t, Connected, s.State())
	assert.Equal(t, uint(0), s.Attempt())

	// The next loss starts from the base delay again.
	d = s.Observe(EventClosed)
	assert.Equal(t, time.Second, d.After)

	assert.Equal(t, []transition{
		{Connected, Disconnected, 0},
		{Disconnected, Reconnecting, 1},
		{Reconnecting, Reconnecting, 2},
		{Reconnecting, Reconnecting, 3},
		{Reconnecting, Connected, 0},
		{Connected, Disconnected, 0},
		{Disconnected, Reconnecting, 1},
	}, got)
}

func TestSupervisorNeverGivesUp(t *testing.T) {
	s := NewSupervisor(Backoff{Base: time.Millisecond, Max: 8 * time.Millisecond}, nil)
	s.Observe(EventClosed)
	for i := 0; i < 10000; i++ {
		d := s.Observe(EventDialFailed)
		require.True(t, d.Redial)
		require.LessOrEqual(t, d.After, 8*time.Millisecond)
	}
	assert.Equal(t, Reconnecting, s.State())
}

func TestSupervisorIgnoresIrrelevantEvents(t *testing.T) {
	s := NewSupervisor(DefaultBackoff, nil)

	assert.Equal(t, Decision{}, s.Observe(EventDialFailed))
	assert.Equal(t, Decision{}, s.Observe(EventDialSucceeded))
	assert.Equal(t, Connected, s.State())

	s.Observe(EventClosed)
	d := s.Observe(EventClosed)
	assert.Equal(t, Decision{Redial: true, After: time.Second}, d)
	assert.Equal(t, uint(1), s.Attempt())
}

func TestParseCapacity(t *testing.T) {
	for payload, want := range map[string]int{"0": 0, "2": 2, "10\n": 10, " 7 ": 7} {
		n, err := ParseCapacity([]byte(payload))
		require.NoError(t, err, payload)
		assert.Equal(t, want, n)
	}
	for _, payload := range []string{"", "-1", "two", `{"size":2}`, "1.5"} {
		_, err := ParseCapacity([]byte(payload))
		assert.Error(t, err, payload)
	}
}
