package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []OrderStatus{
	StatusNew, StatusSent, StatusAccepted, StatusPartFilled,
	StatusFilled, StatusCancelled, StatusRejected, StatusError,
}

func TestCancellableEqualsModifiable(t *testing.T) {
	for _, s := range allStatuses {
		o := Order{Status: s}
		live := s == StatusSent || s == StatusAccepted || s == StatusPartFilled
		assert.Equalf(t, o.IsCancellable(), o.IsModifiable(), "status %s", s)
		assert.Equalf(t, live, o.IsCancellable(), "status %s", s)
	}
}

func TestForwardLifecycle(t *testing.T) {
	now := time.Now()
	o := Order{OrderID: "o-1", Status: StatusNew}
	for _, next := range []OrderStatus{StatusSent, StatusAccepted, StatusPartFilled, StatusFilled} {
		var err error
		o, err = o.TransitionTo(next, now)
		require.NoErrorf(t, err, "-> %s", next)
		assert.Equal(t, next, o.Status)
	}
}

func TestTerminalStatusesRejectEverything(t *testing.T) {
	for _, from := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected, StatusError} {
		for _, to := range allStatuses {
			assert.Falsef(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestAbsorbingStatesReachableFromNonTerminal(t *testing.T) {
	for _, from := range []OrderStatus{StatusNew, StatusSent, StatusAccepted, StatusPartFilled} {
		for _, to := range []OrderStatus{StatusCancelled, StatusRejected, StatusError} {
			assert.Truef(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestBackwardTransitionFails(t *testing.T) {
	o := Order{Status: StatusPartFilled}
	_, err := o.TransitionTo(StatusAccepted, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusPartFilled, o.Status, "receiver must not change")
}

func TestOpenStatuses(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusNew || s.IsLive()
		assert.Equalf(t, want, s.IsOpen(), "status %s", s)
	}
	assert.Len(t, OpenStatuses(), 4)
}
