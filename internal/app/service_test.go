package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/infrastructure/config"
	"github.com/orbitalops/fds-service/internal/infrastructure/db/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "-")
	return &config.Config{
		Version:                 domain.ProtocolVersion,
		SecretKey:               "test-secret",
		Issuer:                  "fds-service",
		TokenTTLMinutes:         60,
		PasswordScheme:          "sha256",
		PermittedLicenses:       []string{"Demo"},
		DefaultLicense:          "Demo",
		HTTPAddress:             "127.0.0.1:0",
		StopWord:                "halt",
		ModulesBaseAddress:      "tcp://127.0.0.1",
		ModulesBasePort:         7300,
		SubAddress:              "inproc://" + name + "-sub",
		RepAddress:              "inproc://" + name + "-rep",
		PIDDir:                  t.TempDir(),
		ExecutionTimeoutSeconds: 5,
		ExecutionTTLSeconds:     10,
		SweepIntervalSeconds:    1,
		HealthIntervalSeconds:   30,
		ReadyTimeoutSeconds:     20,
		RestartLimit:            2,
		ExitGraceSeconds:        1,
		Store:                   config.StoreConfig{Driver: config.DriverMemory},
	}
}

func newTestService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts = append([]Option{WithDefinitions(nil), WithMetrics(reg, reg)}, opts...)
	svc, err := New(context.Background(), cfg, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func startService(t *testing.T, svc *Service) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for svc.Status() != domain.ServiceRunning {
		if time.Now().After(deadline) {
			t.Fatalf("service did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
}

func post(t *testing.T, h http.Handler, code string, body map[string]any) domain.RestResponse {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/"+code, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp domain.RestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s: invalid json %q: %v", code, rec.Body.String(), err)
	}
	if rec.Code != resp.Status {
		t.Fatalf("%s: http status %d does not mirror envelope status %d", code, rec.Code, resp.Status)
	}
	return resp
}

func envelope(code, msgID, key string, fields map[string]any) map[string]any {
	out := map[string]any{
		"version":            domain.ProtocolVersion,
		"msg_code":           code,
		"msg_id":             msgID,
		"authentication_key": key,
		"timestamp":          time.Now().Unix(),
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func TestService_EndToEnd(t *testing.T) {
	svc := newTestService(t, testConfig(t))
	if svc.Status() != domain.ServiceNone {
		t.Fatalf("expected None before Run, got %s", svc.Status())
	}
	done := startService(t, svc)
	h := svc.Handler()

	reg := post(t, h, "register", envelope("register", "r-1", "", map[string]any{
		"username": "ada", "password": "lovelace", "email": "ada@example.com",
	}))
	if reg.Status != http.StatusOK || reg.UserID == "" {
		t.Fatalf("register: %+v", reg)
	}

	login := post(t, h, "login", envelope("login", "l-1", "", map[string]any{
		"username": "ada", "password": "lovelace",
	}))
	if login.Status != http.StatusOK || login.AuthenticationKey == "" {
		t.Fatalf("login: %+v", login)
	}
	key := login.AuthenticationKey

	again := post(t, h, "login", envelope("login", "l-2", "", map[string]any{
		"username": "ada", "password": "lovelace",
	}))
	if again.Status != http.StatusBadRequest {
		t.Fatalf("second login: expected 400, got %+v", again)
	}

	list := post(t, h, "get_module_list", envelope("get_module_list", "g-1", key, nil))
	if list.Status != http.StatusOK || list.MsgID != "g-1" || list.MsgCode != "get_module_list_response" {
		t.Fatalf("get_module_list: %+v", list)
	}
	if !strings.Contains(string(list.Result), `"catalog"`) {
		t.Fatalf("catalog missing from result: %s", list.Result)
	}

	unknown := post(t, h, "propagate", envelope("propagate", "p-1", key, nil))
	if unknown.Status != http.StatusNotFound || unknown.Detail == "" {
		t.Fatalf("unknown code: expected 404, got %+v", unknown)
	}

	if out := post(t, h, "logout", envelope("logout", "o-1", key, nil)); out.Status != http.StatusOK {
		t.Fatalf("logout: %+v", out)
	}

	svc.Stop()
	waitStopped(t, done)
	if svc.Status() != domain.ServiceStopped {
		t.Fatalf("expected Stopped, got %s", svc.Status())
	}

	store := svc.users.(*memory.Store)
	recs := store.Executions(svc.RunID())
	if len(recs) != 1 {
		t.Fatalf("expected 1 execution audit row, got %d", len(recs))
	}
	if recs[0].MsgCode != "get_module_list" || recs[0].Status != domain.ExecutionCompleted {
		t.Fatalf("unexpected audit row: %+v", recs[0])
	}
	if len(store.Access()) < 6 {
		t.Fatalf("expected an access row per request, got %d", len(store.Access()))
	}
}

func TestService_StopRoute(t *testing.T) {
	svc := newTestService(t, testConfig(t))
	done := startService(t, svc)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stop/wrong", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong secret: expected 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stop/halt", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("stop: expected 202, got %d", rec.Code)
	}
	waitStopped(t, done)
}

func TestService_ContextCancelStops(t *testing.T) {
	svc := newTestService(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	resp, err := waitHTTP(svc.Addr())
	if err != nil {
		t.Fatalf("status over tcp: %v", err)
	}
	if !strings.Contains(resp, `"Running"`) {
		t.Fatalf("unexpected status: %s", resp)
	}

	cancel()
	waitStopped(t, done)
}

func waitHTTP(addr string) (string, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/status")
		if err == nil {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return "", readErr
			}
			if strings.Contains(string(body), "Running") || time.Now().After(deadline) {
				return string(body), nil
			}
		} else if time.Now().After(deadline) {
			return "", err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.HTTPAddress = ln.Addr().String()
	reg := prometheus.NewRegistry()
	if _, err := New(context.Background(), cfg, zerolog.Nop(), WithDefinitions(nil), WithMetrics(reg, reg)); err == nil {
		t.Fatalf("expected a bind error")
	}

	// The sockets opened before the failure are released again.
	cfg.HTTPAddress = "127.0.0.1:0"
	svc := newTestService(t, cfg)
	done := startService(t, svc)
	svc.Stop()
	waitStopped(t, done)
}

func TestNew_BadDefinitionsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ModulesDefinitionFile = filepath.Join(t.TempDir(), "modules.json")
	if err := os.WriteFile(cfg.ModulesDefinitionFile, []byte(`{"modules": [`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg := prometheus.NewRegistry()
	_, err := New(context.Background(), cfg, zerolog.Nop(), WithMetrics(reg, reg))
	if err == nil {
		t.Fatalf("expected a definitions error")
	}
}

func TestNew_UnknownPasswordScheme(t *testing.T) {
	cfg := testConfig(t)
	cfg.PasswordScheme = "md5"
	reg := prometheus.NewRegistry()
	_, err := New(context.Background(), cfg, zerolog.Nop(), WithDefinitions(nil), WithMetrics(reg, reg))
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected a hasher error, got %v", err)
	}
}
