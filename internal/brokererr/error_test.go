package brokererr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: Unknown},
		{name: "plain error", err: errors.New("boom"), want: Unknown},
		{name: "direct", err: New(NoCapacity, "c1", "no free slot", nil), want: NoCapacity},
		{name: "wrapped", err: fmt.Errorf("outer: %w", New(Fetch, "c1", "", errors.New("502"))), want: Fetch},
		{
			name: "request error",
			err:  &RequestError{Region: "us-west-2", Err: New(Init, "c1", "port never opened", context.DeadlineExceeded)},
			want: Init,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, KindOf(test.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := &RequestError{Region: "eu-central-1", Err: New(Fetch, "c1", "status 500", nil)}

	assert.True(t, errors.Is(err, ErrFetch))
	assert.False(t, errors.Is(err, ErrNoCapacity))

	timeout := New(Init, "c1", "waiting for first capacity", context.DeadlineExceeded)
	assert.True(t, errors.Is(timeout, ErrInit))
	assert.True(t, errors.Is(timeout, context.DeadlineExceeded))
}

func TestErrorMessage(t *testing.T) {
	err := New(Channel, "abc", "upgrade refused", errors.New("bad handshake"))
	assert.Equal(t, "browser router: Channel [container abc] - upgrade refused: bad handshake", err.Error())

	assert.Equal(t, "browser router: NoCapacity", ErrNoCapacity.Error())
}
