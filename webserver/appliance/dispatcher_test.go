package appliance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
)

func TestDispatcherCorrelation(t *testing.T) {
	for _, d := range dialects {
		t.Run(string(d), func(t *testing.T) {
			f := newFakeAppliance(t, d)
			for i := 1; i <= 5; i++ {
				f.addUser(fmt.Sprintf("user%d", i), fakeUser{id: int64(i), password: "pw"})
			}
			f.pushes = 3
			f.staleReply = true
			f.start()
			c := connectedClient(t, f)
			dir := &Directory{d: c.conn.dispatcher}

			for i := 1; i <= 5; i++ {
				rec, err := dir.FindByUsername(context.Background(), fmt.Sprintf("user%d", i))
				require.NoError(t, err)
				assert.Equal(t, int64(i), rec.ID)
				assert.Equal(t, fmt.Sprintf("user%d", i), rec.Username)
			}
		})
	}
}

func TestDispatcherIDsAreMonotonic(t *testing.T) {
	for _, d := range dialects {
		t.Run(string(d), func(t *testing.T) {
			f := newFakeAppliance(t, d)
			f.addUser("alice", fakeUser{id: 7, password: "pw"})
			f.start()
			c := connectedClient(t, f)
			dir := &Directory{d: c.conn.dispatcher}

			for i := 0; i < 3; i++ {
				_, err := dir.FindByUsername(context.Background(), "alice")
				require.NoError(t, err)
			}

			calls := f.recorded()
			require.Len(t, calls, 4)
			for i, call := range calls {
				want := fmt.Sprintf("%d", i+1)
				if d == protocol.DialectLegacy {
					want = fmt.Sprintf("%q", want)
				}
				assert.JSONEq(t, want, string(call.ID))
			}
		})
	}
}

func TestDispatcherAnswersPings(t *testing.T) {
	f := newFakeAppliance(t, protocol.DialectLegacy)
	f.addUser("alice", fakeUser{id: 7, password: "pw"})
	f.pings = true
	f.start()
	c := connectedClient(t, f)

	require.NoError(t, c.Login(context.Background(), Credentials{Username: "alice", Password: "pw"}))
	// one ping before the bootstrap reply, one before the query reply
	assert.Eventually(t, func() bool { return f.pongs.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestDispatcherMalformedReply(t *testing.T) {
	for _, d := range dialects {
		t.Run(string(d), func(t *testing.T) {
			f := newFakeAppliance(t, d)
			f.garbage = true
			f.start()

			err := New(f.config()).Connect(context.Background())

			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.ErrorIs(t, err, protocol.ErrMalformed)
			assert.True(t, IsUnreachable(err))
			waitClosed(t, f)
		})
	}
}

func TestDispatcherReadTimeout(t *testing.T) {
	f := newFakeAppliance(t, protocol.DialectJSONRPC)
	f.silent = true
	f.start()
	cfg := f.config()
	cfg.CallTimeout = 100 * time.Millisecond

	start := time.Now()
	err := New(cfg).Connect(context.Background())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout(), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
	waitClosed(t, f)
}

func TestDispatcherContextDeadline(t *testing.T) {
	f := newFakeAppliance(t, protocol.DialectJSONRPC)
	f.silent = true
	f.start()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := New(f.config()).Connect(ctx)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, IsUnreachable(err))
}

// scriptedTransport replays canned replies.
type scriptedTransport struct {
	replies [][]byte
	sent    [][]byte
	closed  bool
}

func (s *scriptedTransport) Open(context.Context) error { return nil }

func (s *scriptedTransport) Send(_ context.Context, msg []byte) error {
	if s.closed {
		return ErrNotConnected
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *scriptedTransport) Receive(context.Context) ([]byte, error) {
	if s.closed {
		return nil, ErrNotConnected
	}
	if len(s.replies) == 0 {
		return nil, &TransportError{Op: "receive", Err: context.DeadlineExceeded}
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedTransport) Close() error {
	s.closed = true
	return nil
}

func TestDispatcherFailureClosesConnection(t *testing.T) {
	codec, err := protocol.NewCodec(protocol.DialectJSONRPC)
	require.NoError(t, err)

	tr := &scriptedTransport{replies: [][]byte{[]byte(`{"jsonrpc":`)}}
	d := newDispatcher(tr, codec, nil, time.Second)

	_, err = d.call(context.Background(), protocol.MethodUserQuery)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.True(t, tr.closed)

	_, err = d.call(context.Background(), protocol.MethodUserQuery)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDispatcherApplianceErrorKeepsConnection(t *testing.T) {
	codec, err := protocol.NewCodec(protocol.DialectJSONRPC)
	require.NoError(t, err)

	tr := &scriptedTransport{replies: [][]byte{
		[]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":22,"message":"Invalid params"}}`),
		[]byte(`{"jsonrpc":"2.0","id":2,"result":true}`),
	}}
	d := newDispatcher(tr, codec, nil, time.Second)

	_, err = d.call(context.Background(), protocol.MethodUserUpdate, 1, map[string]any{})
	var ae *ApplianceError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 22, ae.Code)
	assert.False(t, tr.closed)

	res, err := d.call(context.Background(), protocol.MethodUserUpdate, 1, map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res))
}

func TestTruthy(t *testing.T) {
	tests := map[string]bool{
		`true`:      true,
		`false`:     false,
		`null`:      false,
		``:          false,
		`0`:         false,
		`1`:         true,
		`""`:        false,
		`"token"`:   true,
		`[]`:        false,
		`[1]`:       true,
		`{}`:        false,
		`{"id": 3}`: true,
		`not-json`:  false,
		"  true \n": true,
	}
	for raw, want := range tests {
		assert.Equal(t, want, truthy([]byte(raw)), "truthy(%q)", raw)
	}
}
