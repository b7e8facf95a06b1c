// Package dispatch routes decoded frames to registered protocol handlers.
// Synchronous handlers run on the caller (the connection's read loop), which
// gives per-session ordering for free; asynchronous handlers run on a
// bounded worker pool and may interleave.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/protocol"
	"github.com/liuxiao2015/gamecore/internal/session"
	"github.com/liuxiao2015/gamecore/internal/trace"
)

// HandlerFunc is a business handler. msg is the decoded frame (for its id
// and seq); req is the Parse output, or the raw payload bytes when the
// registration has no parser. The returned value is marshalled into the
// RESPONSE payload; a typed error sets the response code instead.
type HandlerFunc func(ctx context.Context, s *session.Session, msg protocol.GameMessage, req any) (any, error)

// NoResponse suppresses the automatic RESPONSE frame. Handlers return it
// when they answer through another path, such as a session resumed onto the
// current connection.
var NoResponse any = noResponse{}

type noResponse struct{}

// Registration describes one protocol id.
type Registration struct {
	ProtocolID   uint16
	Desc         string
	RequireLogin bool
	// Async hands the handler to the worker pool instead of the read loop.
	// Async handlers of one session may interleave with later messages.
	Async  bool
	Parse  func(payload []byte) (any, error)
	Handle HandlerFunc
}

// slowThreshold is the handler latency above which a warning is logged.
const slowThreshold = 100 * time.Millisecond

// Dispatcher holds the handler table and the async pool.
type Dispatcher struct {
	m        *metrics.Metrics
	validate *validator.Validate

	mu       sync.RWMutex
	handlers map[uint16]Registration

	pool *errgroup.Group
}

// New creates a dispatcher. asyncWorkers caps the async pool; <= 0 means
// twice the CPU count.
func New(m *metrics.Metrics, asyncWorkers int) *Dispatcher {
	if asyncWorkers <= 0 {
		asyncWorkers = 2 * runtime.NumCPU()
	}
	pool := &errgroup.Group{}
	pool.SetLimit(asyncWorkers)
	return &Dispatcher{
		m:        m,
		validate: validator.New(),
		handlers: make(map[uint16]Registration),
		pool:     pool,
	}
}

// Register adds a handler. Registration happens at boot; a duplicate id is a
// wiring bug and is rejected.
func (d *Dispatcher) Register(reg Registration) error {
	if reg.Handle == nil {
		return fmt.Errorf("protocol 0x%04X: nil handler", reg.ProtocolID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.handlers[reg.ProtocolID]; ok {
		return fmt.Errorf("protocol 0x%04X already registered as %q", reg.ProtocolID, existing.Desc)
	}
	d.handlers[reg.ProtocolID] = reg
	return nil
}

// Registered reports whether a handler exists for id.
func (d *Dispatcher) Registered(id uint16) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[id]
	return ok
}

// Dispatch routes one decoded frame. It never returns an error: every
// outcome, including infrastructure failures, becomes a RESPONSE on the
// session.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, msg protocol.GameMessage) {
	ctx = trace.Ensure(ctx)

	d.mu.RLock()
	reg, ok := d.handlers[msg.ID]
	d.mu.RUnlock()
	if !ok {
		d.respondError(s, msg, errs.New(errs.CodeIllegalOperation, "unknown protocol"))
		return
	}

	if reg.RequireLogin && !s.Authenticated() && protocol.Module(msg.ID) != protocol.ModuleLogin {
		d.respondError(s, msg, errs.New(errs.CodeTokenInvalid, "login required"))
		return
	}

	if !reg.Async {
		d.run(ctx, reg, s, msg)
		return
	}
	// Async handlers outlive the read loop's per-frame context.
	asyncCtx := context.WithoutCancel(ctx)
	if !d.pool.TryGo(func() error {
		d.run(asyncCtx, reg, s, msg)
		return nil
	}) {
		d.respondError(s, msg, errs.New(errs.CodeSystemError, "server busy"))
	}
}

// Wait blocks until in-flight async handlers finish. Part of graceful drain.
func (d *Dispatcher) Wait() { _ = d.pool.Wait() }

func (d *Dispatcher) run(ctx context.Context, reg Registration, s *session.Session, msg protocol.GameMessage) {
	start := time.Now()
	label := fmt.Sprintf("0x%04X", msg.ID)

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "handler panicked",
				"protocol", label, "desc", reg.Desc, "panic", r,
				"stack", string(debug.Stack()), trace.Attr(ctx))
			d.respondError(s, msg, errs.New(errs.CodeSystemError, "internal error"))
		}
		elapsed := time.Since(start)
		d.m.DispatchDuration.WithLabelValues(label).Observe(elapsed.Seconds())
		if elapsed > slowThreshold {
			d.m.SlowHandlers.WithLabelValues(label).Inc()
			slog.WarnContext(ctx, "slow handler",
				"protocol", label, "desc", reg.Desc,
				"elapsed", elapsed, "session_id", s.ID(), trace.Attr(ctx))
		}
	}()

	var req any = msg.Payload
	if reg.Parse != nil {
		parsed, err := reg.Parse(msg.Payload)
		if err != nil {
			slog.DebugContext(ctx, "payload parse failed",
				"protocol", label, "error", err, trace.Attr(ctx))
			d.respondError(s, msg, errs.New(errs.CodeParseError, "malformed payload"))
			return
		}
		req = parsed
		if err := d.validateStruct(req); err != nil {
			d.respondError(s, msg, errs.Newf(errs.CodeValidation, "invalid request: %v", err))
			return
		}
	}

	result, err := reg.Handle(ctx, s, msg, req)
	if err != nil {
		var typed *errs.Error
		if !errors.As(err, &typed) {
			slog.ErrorContext(ctx, "handler failed",
				"protocol", label, "desc", reg.Desc, "error", err, trace.Attr(ctx))
		}
		d.respondError(s, msg, err)
		return
	}
	if result == NoResponse {
		return
	}

	payload, err := marshalResult(result)
	if err != nil {
		slog.ErrorContext(ctx, "encoding handler result",
			"protocol", label, "error", err, trace.Attr(ctx))
		d.respondError(s, msg, errs.New(errs.CodeSystemError, "internal error"))
		return
	}
	s.Send(protocol.NewResponse(msg.ID, msg.Seq, errs.CodeSuccess, payload))
}

// validateStruct runs validator tags when the parsed payload is a struct.
func (d *Dispatcher) validateStruct(req any) error {
	if req == nil {
		return nil
	}
	v := reflect.ValueOf(req)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return d.validate.Struct(v.Interface())
}

func (d *Dispatcher) respondError(s *session.Session, msg protocol.GameMessage, err error) {
	code := errs.CodeOf(err)
	label := fmt.Sprintf("0x%04X", msg.ID)
	d.m.DispatchErrors.WithLabelValues(label, fmt.Sprint(code)).Inc()

	payload, merr := json.Marshal(map[string]string{"message": errs.MessageOf(err)})
	if merr != nil {
		payload = nil
	}
	s.Send(protocol.NewResponse(msg.ID, msg.Seq, code, payload))
}

// JSON returns a Parse function decoding the payload into a fresh *T. An
// empty payload yields the zero value, so optional-body protocols parse too.
func JSON[T any]() func([]byte) (any, error) {
	return func(payload []byte) (any, error) {
		req := new(T)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, req); err != nil {
				return nil, err
			}
		}
		return req, nil
	}
}

func marshalResult(result any) ([]byte, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case []byte:
		return r, nil
	case json.RawMessage:
		return r, nil
	default:
		return json.Marshal(r)
	}
}
