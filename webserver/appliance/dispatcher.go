package appliance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
	"github.com/mordilloSan/truenas-passwd/webserver/metrics"
)

// dispatcher issues one request at a time over a transport and waits for the
// reply whose id matches. Interleaved pushes and stale replies are skipped.
type dispatcher struct {
	transport Transport
	codec     protocol.Codec
	recorder  metrics.Recorder
	timeout   time.Duration

	// calls are serialized: the socket has a single reader.
	mu     sync.Mutex
	nextID atomic.Uint64
}

func newDispatcher(t Transport, c protocol.Codec, rec metrics.Recorder, timeout time.Duration) *dispatcher {
	if rec == nil {
		rec = metrics.NewNoopMetrics()
	}
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	return &dispatcher{transport: t, codec: c, recorder: rec, timeout: timeout}
}

// call sends method with params and returns the raw result payload.
func (d *dispatcher) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	result, err := d.roundTrip(ctx, method, params)
	d.recorder.RecordApplianceCall(method, outcomeOf(err), time.Since(start))
	if IsUnreachable(err) {
		// the stream may be out of step; the connection cannot be reused
		_ = d.transport.Close()
	}
	return result, err
}

func (d *dispatcher) roundTrip(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id := d.nextID.Add(1)
	want := protocol.FormatID(id)

	req, err := d.codec.EncodeRequest(id, method, params)
	if err != nil {
		return nil, &ProtocolError{Op: "encode " + method, Err: err}
	}
	if err := d.transport.Send(ctx, req); err != nil {
		return nil, err
	}

	for {
		raw, err := d.transport.Receive(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := d.codec.DecodeResponse(raw)
		if err != nil {
			return nil, &ProtocolError{Op: "decode " + method, Err: err}
		}

		switch resp.Kind {
		case protocol.KindPing:
			if err := d.pong(ctx, resp); err != nil {
				return nil, err
			}
			continue
		case protocol.KindNotification:
			logger.Debugf("[appliance] skipping push msg=%q while waiting for %s", resp.Msg, method)
			continue
		}

		if resp.ID != want {
			logger.Debugf("[appliance] skipping reply id=%s, waiting for id=%s", resp.ID, want)
			continue
		}
		if resp.Kind == protocol.KindError {
			return nil, newApplianceError(method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (d *dispatcher) pong(ctx context.Context, ping *protocol.Response) error {
	msg, err := d.codec.Pong(ping)
	if err != nil {
		return &ProtocolError{Op: "pong", Err: err}
	}
	if msg == nil {
		return nil
	}
	return d.transport.Send(ctx, msg)
}

func outcomeOf(err error) string {
	var (
		ae *ApplianceError
		pe *ProtocolError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ae):
		return "appliance_error"
	case errors.As(err, &pe):
		return "protocol_error"
	default:
		return "transport_error"
	}
}
