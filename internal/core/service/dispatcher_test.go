package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/execution"
)

// fakeModules answers every frame through reply, running on its own goroutine.
type fakeModules struct {
	table   *execution.Table
	codes   map[string]domain.InstanceInfo
	sendErr error
	reply   func(frame map[string]any) (string, time.Duration, bool)

	mu     sync.Mutex
	probed []domain.InstanceRef
	sent   [][]byte
}

func (f *fakeModules) SelectFor(code string) (domain.InstanceInfo, error) {
	inst, ok := f.codes[code]
	if !ok {
		return domain.InstanceInfo{}, domain.ErrHandlerNotFound
	}
	return inst, nil
}

func (f *fakeModules) Send(_ domain.InstanceRef, frame []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()

	var m map[string]any
	_ = json.Unmarshal(frame, &m)
	if f.reply == nil {
		return nil
	}
	payload, delay, ok := f.reply(m)
	if !ok {
		return nil
	}
	id := uint32(m["execution_id"].(float64))
	msgID := m["msg_id"].(string)
	go func() {
		time.Sleep(delay)
		_ = f.table.Complete(id, msgID, payload)
	}()
	return nil
}

func (f *fakeModules) Probe(ref domain.InstanceRef) {
	f.mu.Lock()
	f.probed = append(f.probed, ref)
	f.mu.Unlock()
}

type fakeDedup struct {
	seen map[string]bool
	err  error
}

func (d *fakeDedup) IsDuplicate(_ context.Context, userID, code, msgID string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	k := userID + ":" + code + ":" + msgID
	if d.seen[k] {
		return true, nil
	}
	d.seen[k] = true
	return false, nil
}

type dispatcherFixture struct {
	d       *Dispatcher
	table   *execution.Table
	modules *fakeModules
	store   *stubStore
	token   string
}

func newDispatcherFixture(t *testing.T, cfg DispatcherConfig) *dispatcherFixture {
	t.Helper()
	store := newStubStore()
	tokens := NewTokenService(TokenConfig{Secret: "secret", Issuer: "fds", TTL: time.Hour}, store)
	auth := NewAuthService(store, tokens, SHA256Hasher{}, domain.LicenseDemo, zerolog.Nop())
	table := execution.NewTable(time.Minute, zerolog.Nop())
	modules := &fakeModules{
		table: table,
		codes: map[string]domain.InstanceInfo{
			"orb_propagation_tle": {
				InstanceRef: domain.InstanceRef{ModuleID: 1, InstanceID: 1},
				ModuleName:  "orbit",
				State:       domain.InstanceRunning,
				Ready:       true,
			},
		},
	}
	if cfg.Version == "" {
		cfg.Version = "1.2.3"
	}
	d := NewDispatcher(DispatcherDeps{
		Auth:    auth,
		Tokens:  tokens,
		Table:   table,
		Modules: modules,
	}, cfg, zerolog.Nop())

	f := &dispatcherFixture{d: d, table: table, modules: modules, store: store}

	resp := d.Handle(context.Background(), request(t, "register", "", "r1", map[string]any{
		"username": "alice", "password": "pw-hash-A", "email": "alice@x",
	}))
	if resp.Status != http.StatusOK {
		t.Fatalf("register: %+v", resp)
	}
	resp = d.Handle(context.Background(), request(t, "login", "", "l1", map[string]any{
		"username": "alice", "password": "pw-hash-A",
	}))
	if resp.Status != http.StatusOK || resp.AuthenticationKey == "" {
		t.Fatalf("login: %+v", resp)
	}
	f.token = resp.AuthenticationKey
	return f
}

func request(t *testing.T, code, token, msgID string, params map[string]any) *domain.RestRequest {
	t.Helper()
	body := map[string]any{
		"version":            "1.0",
		"msg_code":           code,
		"authentication_key": token,
		"msg_id":             msgID,
		"timestamp":          1700000000,
	}
	for k, v := range params {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	var req domain.RestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return &req
}

func TestDispatcher_HappyPath(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.modules.reply = func(m map[string]any) (string, time.Duration, bool) {
		if m["user_id"] == "" || m["tle"] != "1 25544U" {
			return "", 0, false
		}
		return `{"msg_id":"ignored","msg_code":"orb_propagation_tle_response","status":200,"detail":"","result":{"x":1}}`, 5 * time.Millisecond, true
	}

	resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "42", map[string]any{"tle": "1 25544U"}))
	if resp.Status != http.StatusOK || resp.MsgID != "42" || resp.MsgCode != "orb_propagation_tle_response" || resp.Detail != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if string(resp.Result) != `{"x":1}` {
		t.Fatalf("unexpected result %s", resp.Result)
	}
	if f.table.Len() != 0 {
		t.Fatalf("execution should be closed")
	}
}

func TestDispatcher_ModuleResponseDefaults(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.modules.reply = func(map[string]any) (string, time.Duration, bool) {
		return `{"position":[1,2,3]}`, 0, true
	}
	resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "5", nil))
	if resp.Status != http.StatusOK || resp.MsgCode != "orb_propagation_tle_response" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if string(resp.Result) != `{"position":[1,2,3]}` {
		t.Fatalf("extra fields should fold into result, got %s", resp.Result)
	}
}

func TestDispatcher_UnknownCode(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	resp := f.d.Handle(context.Background(), request(t, "no_such_op", f.token, "7", nil))
	if resp.Status != http.StatusNotFound || resp.Detail != "handler not found" || resp.MsgCode != "error_response" || resp.MsgID != "7" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(f.table.Snapshot()) != 0 {
		t.Fatalf("no execution should be created")
	}
}

func TestDispatcher_BadToken(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	resp := f.d.Handle(context.Background(), request(t, "get_status", "tampered", "9", nil))
	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	resp = f.d.Handle(context.Background(), request(t, "get_status", "", "9", nil))
	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing key, got %+v", resp)
	}
}

func TestDispatcher_InvalidEnvelope(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	req := request(t, "get_status", f.token, "1", nil)
	req.Version = "2.0"
	resp := f.d.Handle(context.Background(), req)
	if resp.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
	req = request(t, "get_status", f.token, "", nil)
	if resp := f.d.Handle(context.Background(), req); resp.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing msg_id, got %+v", resp)
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{
		Timeout:         time.Minute,
		MessageTimeouts: map[string]time.Duration{"orb_propagation_tle": 30 * time.Millisecond},
	})
	late := make(chan uint32, 1)
	f.modules.reply = func(m map[string]any) (string, time.Duration, bool) {
		late <- uint32(m["execution_id"].(float64))
		return "", 0, false
	}

	resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "8", nil))
	if resp.Status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %+v", resp)
	}
	id := <-late
	if err := f.table.Complete(id, "8", `{}`); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Fatalf("late reply should find no execution, got %v", err)
	}
	if len(f.modules.probed) != 1 {
		t.Fatalf("timed-out instance should be probed")
	}
}

func TestDispatcher_SendFailure(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.modules.sendErr = domain.ErrSendFailed
	resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "3", nil))
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
	if f.table.Len() != 0 {
		t.Fatalf("execution should be closed")
	}
}

func TestDispatcher_CancelledByModuleFailure(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.modules.reply = func(m map[string]any) (string, time.Duration, bool) {
		id := uint32(m["execution_id"].(float64))
		go func() {
			time.Sleep(5 * time.Millisecond)
			_ = f.table.Cancel(id, domain.CancelModuleFailure)
		}()
		return "", 0, false
	}
	resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "4", nil))
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestDispatcher_ClientGone(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := f.d.Handle(ctx, request(t, "orb_propagation_tle", f.token, "11", nil))
	if resp.MsgCode != "error_response" {
		t.Fatalf("expected error envelope, got %+v", resp)
	}
	if f.table.Len() != 0 {
		t.Fatalf("execution should be closed")
	}
}

func TestDispatcher_Duplicate(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.d.deps.Dedup = &fakeDedup{seen: map[string]bool{}}
	f.modules.reply = func(map[string]any) (string, time.Duration, bool) { return `{}`, 0, true }

	if resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "dup", nil)); resp.Status != http.StatusOK {
		t.Fatalf("first dispatch: %+v", resp)
	}
	resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "dup", nil))
	if resp.Status != http.StatusBadRequest || resp.Detail != "duplicate msg_id" {
		t.Fatalf("expected duplicate rejection, got %+v", resp)
	}
}

func TestDispatcher_DedupFailsOpen(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.d.deps.Dedup = &fakeDedup{err: errors.New("redis down")}
	f.modules.reply = func(map[string]any) (string, time.Duration, bool) { return `{}`, 0, true }
	if resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "x", nil)); resp.Status != http.StatusOK {
		t.Fatalf("dedup errors must not fail the request: %+v", resp)
	}
}

func TestDispatcher_DoubleLogin(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	resp := f.d.Handle(context.Background(), request(t, "login", "", "l2", map[string]any{
		"username": "alice", "password": "pw-hash-A",
	}))
	if resp.Status != http.StatusBadRequest || resp.Detail != "user already logged in" {
		t.Fatalf("expected double login rejection, got %+v", resp)
	}
}

func TestDispatcher_Builtins(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Version: "2.0.1"})

	resp := f.d.Handle(context.Background(), request(t, "get_version", f.token, "v", nil))
	if resp.Status != http.StatusOK || string(resp.Result) != `{"version":"2.0.1"}` {
		t.Fatalf("unexpected get_version %+v", resp)
	}
	resp = f.d.Handle(context.Background(), request(t, "get_status", f.token, "s", nil))
	if resp.Status != http.StatusOK || string(resp.Result) != `{"status":"Running"}` {
		t.Fatalf("unexpected get_status %+v", resp)
	}
	resp = f.d.Handle(context.Background(), request(t, "logout", f.token, "o", nil))
	if resp.Status != http.StatusOK || resp.MsgCode != "logout_response" {
		t.Fatalf("unexpected logout %+v", resp)
	}
	resp = f.d.Handle(context.Background(), request(t, "deregister", f.token, "d", nil))
	if resp.Status != http.StatusOK {
		t.Fatalf("unexpected deregister %+v", resp)
	}
	resp = f.d.Handle(context.Background(), request(t, "get_status", f.token, "s2", nil))
	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("deregistered user token should be rejected, got %+v", resp)
	}
}

func TestDispatcher_RegisterValidation(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	resp := f.d.Handle(context.Background(), request(t, "register", "", "r", map[string]any{"username": "bob"}))
	if resp.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
	resp = f.d.Handle(context.Background(), request(t, "register", "", "r", map[string]any{
		"username": "alice", "password": "x", "email": "other@x",
	}))
	if resp.Status != http.StatusBadRequest || resp.Detail != "user already exists" {
		t.Fatalf("expected duplicate user, got %+v", resp)
	}
}

func TestDispatcher_Stopping(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.d.Stop()
	resp := f.d.Handle(context.Background(), request(t, "orb_propagation_tle", f.token, "z", nil))
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while stopping, got %+v", resp)
	}
	resp = f.d.Handle(context.Background(), request(t, "get_status", f.token, "z", nil))
	if resp.Status != http.StatusOK {
		t.Fatalf("get_status stays available while stopping, got %+v", resp)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrHandlerNotFound, 404},
		{&domain.AuthError{Reason: domain.AuthLicenseDenied}, 403},
		{&domain.AuthError{Reason: domain.AuthInvalidToken}, 401},
		{&domain.CancelledError{Reason: domain.CancelExpired}, 504},
		{&domain.CancelledError{Reason: domain.CancelShutdown}, 503},
		{domain.ErrExecutionTimeout, 504},
		{domain.ErrDuplicateMessage, 400},
		{errors.New("boom"), 500},
	}
	for _, tc := range cases {
		if got, _ := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
