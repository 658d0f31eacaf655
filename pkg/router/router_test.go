package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/axis/pkg/audit"
	"github.com/meridianhq/axis/pkg/types"
)

func newTestRouter() *Router {
	return New(Config{
		MaxMessageSizeBytes: 1024,
		WarningSizeBytes:    512,
		DispatchTimeout:     200 * time.Millisecond,
	}, audit.NoOpWriter{})
}

func echoHandler(ctx context.Context, msg *Message) (*Message, error) {
	return &Message{Type: "echo.response", Payload: msg.Payload}, nil
}

func TestDispatchDeliversAndCorrelates(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.Register("scout", echoHandler))

	msg := &Message{
		From:    "orchestrator",
		To:      "scout",
		Type:    "echo",
		Payload: json.RawMessage(`{"hello":"world"}`),
		JobID:   "job-1",
	}
	resp, err := r.Dispatch(context.Background(), msg)
	require.NoError(t, err)

	assert.Nil(t, resp.Error)
	assert.Equal(t, msg.CorrelationID, resp.CorrelationID)
	assert.Equal(t, msg.ID, resp.ReplyTo)
	assert.Equal(t, "scout", resp.From)
	assert.Equal(t, "orchestrator", resp.To)
	assert.Equal(t, "job-1", resp.JobID)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Payload))
}

func TestDispatchNoHandler(t *testing.T) {
	r := newTestRouter()

	resp, err := r.Dispatch(context.Background(), &Message{From: "a", To: "nobody", Type: "x"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrNoHandler, resp.Error.Kind)
}

func TestDispatchTimeout(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.Register("slow", func(ctx context.Context, msg *Message) (*Message, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}))

	start := time.Now()
	resp, err := r.Dispatch(context.Background(), &Message{From: "a", To: "slow", Type: "x"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrTimeout, resp.Error.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDispatchHandlerErrorKind(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.Register("breaker", func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, &types.JobError{Kind: types.ErrCircuitOpen, Message: "gear shell unavailable"}
	}))
	require.NoError(t, r.Register("flaky", func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, fmt.Errorf("boom")
	}))

	resp, err := r.Dispatch(context.Background(), &Message{From: "a", To: "breaker", Type: "x"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrCircuitOpen, resp.Error.Kind)

	resp, err = r.Dispatch(context.Background(), &Message{From: "a", To: "flaky", Type: "x"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrInternal, resp.Error.Kind)
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.Register("panicky", func(ctx context.Context, msg *Message) (*Message, error) {
		panic("unexpected nil plan")
	}))

	resp, err := r.Dispatch(context.Background(), &Message{From: "a", To: "panicky", Type: "x"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrInternal, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "unexpected nil plan")
}

func TestDispatchRejectsOversizedPayload(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.Register("scout", echoHandler))

	big := bytes.Repeat([]byte("a"), 2048)
	resp, err := r.Dispatch(context.Background(), &Message{From: "a", To: "scout", Type: "x", Payload: big})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrMessageTooLarge, resp.Error.Kind)
}

func TestDispatchRejectsMalformedEnvelope(t *testing.T) {
	r := newTestRouter()

	_, err := r.Dispatch(context.Background(), nil)
	assert.Error(t, err)

	_, err = r.Dispatch(context.Background(), &Message{From: "a", Type: "x"})
	assert.Error(t, err)

	_, err = r.Dispatch(context.Background(), &Message{From: "a", To: "b"})
	assert.Error(t, err)
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.Register("scout", echoHandler))
	assert.Error(t, r.Register("scout", echoHandler))

	r.Unregister("scout")
	assert.False(t, r.Registered("scout"))
	assert.NoError(t, r.Register("scout", echoHandler))
}
