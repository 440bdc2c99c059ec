package appliance

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mordilloSan/truenas-passwd/common/protocol"
	"github.com/mordilloSan/truenas-passwd/common/unixcrypt"
)

const testAPIKey = "1-service-key"

type fakeUser struct {
	id        int64
	password  string
	hash      string
	smb       bool
	twoFactor bool
	otp       string
}

type fakeError struct {
	errno   int
	errname string
	reason  string
	message string
}

type fakeCall struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

type fakeRequest struct {
	ID     json.RawMessage `json:"id"`
	Msg    string          `json:"msg"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeAppliance is an in-process management API speaking either dialect.
// Behaviour fields are set before start and read-only afterwards.
type fakeAppliance struct {
	t       *testing.T
	dialect protocol.Dialect
	apiKey  string
	users   map[string]fakeUser

	refuseHello bool
	pushes      int  // unsolicited messages before every reply
	staleReply  bool // a reply for an unknown id before every reply
	pings       bool // a legacy ping before every reply
	silent      bool // never reply
	garbage     bool // reply with invalid JSON
	updateErr   *fakeError

	srv   *httptest.Server
	open  atomic.Int32
	pongs atomic.Int32

	mu    sync.Mutex
	calls []fakeCall
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newFakeAppliance(t *testing.T, dialect protocol.Dialect) *fakeAppliance {
	t.Helper()
	return &fakeAppliance{
		t:       t,
		dialect: dialect,
		apiKey:  testAPIKey,
		users:   map[string]fakeUser{},
	}
}

// addUser registers a user whose stored hash is generated from password.
func (f *fakeAppliance) addUser(name string, u fakeUser) {
	f.t.Helper()
	if u.hash == "" {
		h, err := unixcrypt.Generate(unixcrypt.SchemeSHA512, u.password)
		require.NoError(f.t, err)
		u.hash = h
	}
	f.users[name] = u
}

func (f *fakeAppliance) start() *fakeAppliance {
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	f.t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAppliance) startTLS() *fakeAppliance {
	f.srv = httptest.NewTLSServer(http.HandlerFunc(f.serve))
	f.t.Cleanup(f.srv.Close)
	return f
}

// config returns a client config pointing at the fake.
func (f *fakeAppliance) config() Config {
	f.t.Helper()
	host, port, err := net.SplitHostPort(f.srv.Listener.Addr().String())
	require.NoError(f.t, err)
	p, err := strconv.Atoi(port)
	require.NoError(f.t, err)
	return Config{
		Host:              host,
		Port:              p,
		UseTLS:            f.srv.TLS != nil,
		Dialect:           f.dialect,
		ServiceCredential: f.apiKey,
	}
}

func (f *fakeAppliance) recorded() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func (f *fakeAppliance) callsTo(method string) []fakeCall {
	var out []fakeCall
	for _, c := range f.recorded() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAppliance) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != defaultPath {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.open.Add(1)
	defer f.open.Add(-1)
	defer conn.Close()

	if f.dialect == protocol.DialectLegacy && !f.handshake(conn) {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req fakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if req.Msg == "pong" {
			f.pongs.Add(1)
			continue
		}

		f.mu.Lock()
		f.calls = append(f.calls, fakeCall{ID: req.ID, Method: req.Method, Params: req.Params})
		f.mu.Unlock()

		if f.silent {
			continue
		}
		if f.garbage {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
			continue
		}
		for i := 0; i < f.pushes; i++ {
			f.write(conn, f.push(i))
		}
		if f.pings {
			f.write(conn, map[string]any{"msg": "ping", "id": uuid.NewString()})
		}
		if f.staleReply {
			f.write(conn, f.envelope(f.foreignID(), true, nil))
		}
		result, rpcErr := f.handle(req)
		f.write(conn, f.envelope(req.ID, result, rpcErr))
	}
}

func (f *fakeAppliance) handshake(conn *websocket.Conn) bool {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var hello struct {
		Msg     string   `json:"msg"`
		Version string   `json:"version"`
		Support []string `json:"support"`
	}
	if err := json.Unmarshal(data, &hello); err != nil || hello.Msg != "connect" {
		return false
	}
	if f.refuseHello {
		f.write(conn, map[string]any{"msg": "failed", "version": "1"})
		return false
	}
	f.write(conn, map[string]any{"msg": "connected", "session": uuid.NewString()})
	return true
}

func (f *fakeAppliance) handle(req fakeRequest) (any, *fakeError) {
	var params []json.RawMessage
	_ = json.Unmarshal(req.Params, &params)
	str := func(i int) string {
		var s string
		if i < len(params) {
			_ = json.Unmarshal(params[i], &s)
		}
		return s
	}

	switch req.Method {
	case protocol.MethodLoginWithAPIKey:
		return str(0) == f.apiKey, nil
	case protocol.MethodLogin:
		u, ok := f.users[str(0)]
		if !ok || u.password != str(1) {
			return false, nil
		}
		if u.twoFactor && u.otp != str(2) {
			return false, nil
		}
		return true, nil
	case protocol.MethodUserQuery:
		var filter [][]any
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &filter)
		}
		rows := []map[string]any{}
		if len(filter) == 1 && len(filter[0]) == 3 {
			name, _ := filter[0][2].(string)
			if u, ok := f.users[name]; ok {
				rows = append(rows, map[string]any{
					"id":                        u.id,
					"uid":                       1000 + u.id,
					"username":                  name,
					"unixhash":                  u.hash,
					"smb":                       u.smb,
					"twofactor_auth_configured": u.twoFactor,
				})
			}
		}
		return rows, nil
	case protocol.MethodUserUpdate:
		if f.updateErr != nil {
			return nil, f.updateErr
		}
		var id int64
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &id)
		}
		return id, nil
	case protocol.MethodVerifyTwoFactor:
		u, ok := f.users[str(0)]
		return ok && u.otp != "" && u.otp == str(1), nil
	default:
		return nil, &fakeError{errno: 22, errname: "EINVAL", reason: "unknown method " + req.Method}
	}
}

func (f *fakeAppliance) foreignID() json.RawMessage {
	if f.dialect == protocol.DialectLegacy {
		return json.RawMessage(`"9999"`)
	}
	return json.RawMessage(`9999`)
}

func (f *fakeAppliance) push(i int) map[string]any {
	if f.dialect == protocol.DialectLegacy {
		return map[string]any{"msg": "added", "collection": "core.get_jobs", "id": i}
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "collection_update",
		"params":  map[string]any{"msg": "added", "collection": "core.get_jobs"},
	}
}

func (f *fakeAppliance) envelope(id json.RawMessage, result any, e *fakeError) map[string]any {
	if f.dialect == protocol.DialectLegacy {
		if e != nil {
			return map[string]any{"id": id, "msg": "error", "error": map[string]any{
				"error":   e.errno,
				"errname": e.errname,
				"reason":  e.reason,
				"message": e.message,
			}}
		}
		return map[string]any{"id": id, "msg": "result", "result": result}
	}
	if e != nil {
		return map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{
			"code":    -32001,
			"message": e.message,
			"data": map[string]any{
				"error":   e.errno,
				"errname": e.errname,
				"reason":  e.reason,
			},
		}}
	}
	return map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
}

func (f *fakeAppliance) write(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("fake appliance marshal: %v", err)
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

var dialects = []protocol.Dialect{protocol.DialectJSONRPC, protocol.DialectLegacy}
