package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/protocol"
	"github.com/liuxiao2015/gamecore/internal/session"
)

type recordConn struct {
	mu   sync.Mutex
	sent []protocol.GameMessage
}

func (c *recordConn) Send(m protocol.GameMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return true
}

func (c *recordConn) Close() error       { return nil }
func (c *recordConn) RemoteAddr() string { return "test" }

func (c *recordConn) last(t *testing.T) protocol.GameMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	return c.sent[len(c.sent)-1]
}

func (c *recordConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestSession(t *testing.T) (*session.Session, *recordConn) {
	t.Helper()
	conn := &recordConn{}
	reg := session.NewRegistry(1, metrics.NewForTest(), session.Options{})
	s, err := reg.Create(conn)
	require.NoError(t, err)
	return s, conn
}

func errMessage(t *testing.T, m protocol.GameMessage) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(m.Payload, &body))
	return body["message"]
}

type echoReq struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"min=1,max=100"`
}

func TestUnknownProtocolAnswersIllegalOperation(t *testing.T) {
	d := New(metrics.NewForTest(), 0)
	s, conn := newTestSession(t)

	d.Dispatch(context.Background(), s, protocol.NewRequest(0x0999, 7, nil))

	m := conn.last(t)
	assert.Equal(t, protocol.KindResponse, m.Kind)
	assert.EqualValues(t, 0x0999, m.ID)
	assert.EqualValues(t, 7, m.Seq)
	assert.Equal(t, errs.CodeIllegalOperation, m.ErrorCode)
}

func TestRequireLoginGate(t *testing.T) {
	d := New(metrics.NewForTest(), 0)
	called := 0
	require.NoError(t, d.Register(Registration{
		ProtocolID:   0x0201,
		Desc:         "guarded",
		RequireLogin: true,
		Handle: func(context.Context, *session.Session, protocol.GameMessage, any) (any, error) {
			called++
			return nil, nil
		},
	}))
	require.NoError(t, d.Register(Registration{
		ProtocolID:   protocol.IDLogin,
		Desc:         "login-family",
		RequireLogin: true,
		Handle: func(context.Context, *session.Session, protocol.GameMessage, any) (any, error) {
			called++
			return nil, nil
		},
	}))

	s, conn := newTestSession(t)
	ctx := context.Background()

	d.Dispatch(ctx, s, protocol.NewRequest(0x0201, 1, nil))
	assert.Equal(t, errs.CodeTokenInvalid, conn.last(t).ErrorCode)
	assert.Equal(t, 0, called)

	// Login-family ids pass the gate even while unauthenticated.
	d.Dispatch(ctx, s, protocol.NewRequest(protocol.IDLogin, 2, nil))
	assert.Equal(t, errs.CodeSuccess, conn.last(t).ErrorCode)
	assert.Equal(t, 1, called)

	s.SetAccount("acc-1")
	d.Dispatch(ctx, s, protocol.NewRequest(0x0201, 3, nil))
	assert.Equal(t, errs.CodeSuccess, conn.last(t).ErrorCode)
	assert.Equal(t, 2, called)
}

func TestParseAndValidationFailures(t *testing.T) {
	d := New(metrics.NewForTest(), 0)
	require.NoError(t, d.Register(Registration{
		ProtocolID: 0x0202,
		Desc:       "echo",
		Parse:      JSON[echoReq](),
		Handle: func(_ context.Context, _ *session.Session, _ protocol.GameMessage, req any) (any, error) {
			return req, nil
		},
	}))

	s, conn := newTestSession(t)
	ctx := context.Background()

	d.Dispatch(ctx, s, protocol.NewRequest(0x0202, 1, []byte("{not json")))
	m := conn.last(t)
	assert.Equal(t, errs.CodeParseError, m.ErrorCode)
	assert.Equal(t, "malformed payload", errMessage(t, m))

	d.Dispatch(ctx, s, protocol.NewRequest(0x0202, 2, []byte(`{"name":"","count":5}`)))
	assert.Equal(t, errs.CodeValidation, conn.last(t).ErrorCode)

	d.Dispatch(ctx, s, protocol.NewRequest(0x0202, 3, []byte(`{"name":"x","count":500}`)))
	assert.Equal(t, errs.CodeValidation, conn.last(t).ErrorCode)

	d.Dispatch(ctx, s, protocol.NewRequest(0x0202, 4, []byte(`{"name":"x","count":5}`)))
	m = conn.last(t)
	assert.Equal(t, errs.CodeSuccess, m.ErrorCode)
	assert.EqualValues(t, 4, m.Seq)
	var out echoReq
	require.NoError(t, json.Unmarshal(m.Payload, &out))
	assert.Equal(t, echoReq{Name: "x", Count: 5}, out)
}

func TestTypedErrorsKeepTheirCodeAndMessage(t *testing.T) {
	d := New(metrics.NewForTest(), 0)
	require.NoError(t, d.Register(Registration{
		ProtocolID: 0x0203,
		Desc:       "buy",
		Handle: func(context.Context, *session.Session, protocol.GameMessage, any) (any, error) {
			return nil, errs.New(errs.CodeNotEnoughCurrency, "need 100 gold")
		},
	}))

	s, conn := newTestSession(t)
	d.Dispatch(context.Background(), s, protocol.NewRequest(0x0203, 1, nil))

	m := conn.last(t)
	assert.Equal(t, errs.CodeNotEnoughCurrency, m.ErrorCode)
	assert.Equal(t, "need 100 gold", errMessage(t, m))
}

func TestUntypedErrorsAreMasked(t *testing.T) {
	d := New(metrics.NewForTest(), 0)
	require.NoError(t, d.Register(Registration{
		ProtocolID: 0x0204,
		Desc:       "flaky",
		Handle: func(context.Context, *session.Session, protocol.GameMessage, any) (any, error) {
			return nil, errors.New("pq: connection reset while writing row 17")
		},
	}))

	s, conn := newTestSession(t)
	d.Dispatch(context.Background(), s, protocol.NewRequest(0x0204, 1, nil))

	m := conn.last(t)
	assert.Equal(t, errs.CodeSystemError, m.ErrorCode)
	assert.Equal(t, "internal error", errMessage(t, m), "internals never reach the wire")
}

func TestPanicBecomesSystemError(t *testing.T) {
	d := New(metrics.NewForTest(), 0)
	require.NoError(t, d.Register(Registration{
		ProtocolID: 0x0205,
		Desc:       "bomb",
		Handle: func(context.Context, *session.Session, protocol.GameMessage, any) (any, error) {
			panic("kaboom")
		},
	}))

	s, conn := newTestSession(t)
	d.Dispatch(context.Background(), s, protocol.NewRequest(0x0205, 9, nil))

	m := conn.last(t)
	assert.Equal(t, errs.CodeSystemError, m.ErrorCode)
	assert.EqualValues(t, 9, m.Seq)
}

func TestAsyncHandlersRunOnPoolAndShedWhenFull(t *testing.T) {
	d := New(metrics.NewForTest(), 1)
	gate := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Register(Registration{
		ProtocolID: 0x0206,
		Desc:       "slow-report",
		Async:      true,
		Handle: func(context.Context, *session.Session, protocol.GameMessage, any) (any, error) {
			close(started)
			<-gate
			return "done", nil
		},
	}))

	s, conn := newTestSession(t)
	ctx := context.Background()

	d.Dispatch(ctx, s, protocol.NewRequest(0x0206, 1, nil))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("async handler never started")
	}
	assert.Equal(t, 0, conn.count(), "async response not sent yet")

	// Pool of one is busy: the next async dispatch sheds immediately.
	d.Dispatch(ctx, s, protocol.NewRequest(0x0206, 2, nil))
	m := conn.last(t)
	assert.Equal(t, errs.CodeSystemError, m.ErrorCode)
	assert.EqualValues(t, 2, m.Seq)
	assert.Equal(t, "server busy", errMessage(t, m))

	close(gate)
	d.Wait()
	require.Equal(t, 2, conn.count())
	assert.Equal(t, errs.CodeSuccess, conn.last(t).ErrorCode)
	assert.EqualValues(t, 1, conn.last(t).Seq, "the parked handler answers its own seq")
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	d := New(metrics.NewForTest(), 0)
	reg := Registration{
		ProtocolID: 0x0207,
		Desc:       "first",
		Handle:     func(context.Context, *session.Session, protocol.GameMessage, any) (any, error) { return nil, nil },
	}
	require.NoError(t, d.Register(reg))
	err := d.Register(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	err = d.Register(Registration{ProtocolID: 0x0208})
	require.Error(t, err, "nil handler is a wiring bug")
}

func TestRawPayloadPassthroughWithoutParser(t *testing.T) {
	d := New(metrics.NewForTest(), 0)
	var got []byte
	require.NoError(t, d.Register(Registration{
		ProtocolID: 0x0209,
		Desc:       "raw",
		Handle: func(_ context.Context, _ *session.Session, _ protocol.GameMessage, req any) (any, error) {
			got = req.([]byte)
			return json.RawMessage(`{"ok":true}`), nil
		},
	}))

	s, conn := newTestSession(t)
	d.Dispatch(context.Background(), s, protocol.NewRequest(0x0209, 1, []byte{0xDE, 0xAD}))

	assert.Equal(t, []byte{0xDE, 0xAD}, got)
	m := conn.last(t)
	assert.Equal(t, errs.CodeSuccess, m.ErrorCode)
	assert.JSONEq(t, `{"ok":true}`, string(m.Payload))
}
