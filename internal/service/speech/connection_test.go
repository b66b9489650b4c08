package speech

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopStream struct{ events chan Event }

func (s *nopStream) SendAudio([]byte) error { return nil }
func (s *nopStream) Events() <-chan Event   { return s.events }
func (s *nopStream) Close() error           { return nil }

type scriptedDialer struct {
	errs  []error
	calls int
}

func (d *scriptedDialer) Open(ctx context.Context, _ OpenOptions) (Stream, error) {
	d.calls++
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected attempt deadline")
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &nopStream{events: make(chan Event)}, nil
}

func testRetryOptions(attempts int) RetryOptions {
	return RetryOptions{MaxAttempts: attempts, AttemptTimeout: time.Second, Backoff: time.Millisecond}
}

func TestRetryDialerRetriesTransientErrors(t *testing.T) {
	next := &scriptedDialer{errs: []error{&net.OpError{Op: "dial", Err: errors.New("refused")}}}
	dialer := NewRetryDialer(next, testRetryOptions(3))

	stream, err := dialer.Open(context.Background(), OpenOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.NotNil(t, stream)
	assert.Equal(t, 2, next.calls)
}

func TestRetryDialerStopsOnBadHandshake(t *testing.T) {
	next := &scriptedDialer{errs: []error{websocket.ErrBadHandshake}}
	dialer := NewRetryDialer(next, testRetryOptions(3))

	_, err := dialer.Open(context.Background(), OpenOptions{SessionID: "s1"})
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, 1, next.calls)
}

func TestRetryDialerGivesUpAfterMaxAttempts(t *testing.T) {
	transient := &websocket.CloseError{Code: websocket.CloseTryAgainLater}
	next := &scriptedDialer{errs: []error{transient, transient, transient}}
	dialer := NewRetryDialer(next, testRetryOptions(2))

	_, err := dialer.Open(context.Background(), OpenOptions{SessionID: "s1"})
	require.Error(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestRetryDialerHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next := &scriptedDialer{errs: []error{context.Canceled}}

	_, err := NewRetryDialer(next, testRetryOptions(3)).Open(ctx, OpenOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, next.calls)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(&websocket.CloseError{Code: websocket.ClosePolicyViolation}))
	assert.True(t, IsRetryableError(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(errors.New("invalid api key")))
}
