package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

type stubDispatcher struct {
	handleFn func(ctx context.Context, req *domain.RestRequest) domain.RestResponse
	calls    int
}

func (s *stubDispatcher) Handle(ctx context.Context, req *domain.RestRequest) domain.RestResponse {
	s.calls++
	return s.handleFn(ctx, req)
}

func postEnvelope(t *testing.T, h *EnvelopeHandler, code, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/"+code, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/:code")
	c.SetParamNames("code")
	c.SetParamValues(code)
	return rec, h.Dispatch(c)
}

func TestEnvelopeHandler_MirrorsStatus(t *testing.T) {
	stub := &stubDispatcher{
		handleFn: func(_ context.Context, req *domain.RestRequest) domain.RestResponse {
			if req.MsgCode != "propagate" || req.MsgID != "m-1" {
				t.Fatalf("unexpected envelope: %+v", req)
			}
			if _, ok := req.Params["epoch"]; !ok {
				t.Fatalf("operation fields not kept: %+v", req.Params)
			}
			return domain.RestResponse{MsgID: req.MsgID, MsgCode: "propagate_response", Status: http.StatusOK, Result: json.RawMessage(`{"x":1}`)}
		},
	}
	h := NewEnvelopeHandler(stub, zerolog.Nop())

	rec, err := postEnvelope(t, h, "propagate", `{"version":"1.0","msg_code":"propagate","authentication_key":"k","msg_id":"m-1","timestamp":1,"epoch":"2026-01-01"}`)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp domain.RestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.MsgCode != "propagate_response" || resp.MsgID != "m-1" || string(resp.Result) != `{"x":1}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestEnvelopeHandler_ErrorStatus(t *testing.T) {
	stub := &stubDispatcher{
		handleFn: func(_ context.Context, req *domain.RestRequest) domain.RestResponse {
			return domain.RestResponse{MsgID: req.MsgID, MsgCode: domain.CodeErrorResponse, Status: http.StatusGatewayTimeout, Detail: "execution timed out"}
		},
	}
	h := NewEnvelopeHandler(stub, zerolog.Nop())

	rec, err := postEnvelope(t, h, "propagate", `{"version":"1.0","msg_code":"propagate","msg_id":"m-2"}`)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestEnvelopeHandler_CodeMismatch(t *testing.T) {
	stub := &stubDispatcher{}
	h := NewEnvelopeHandler(stub, zerolog.Nop())

	rec, err := postEnvelope(t, h, "propagate", `{"version":"1.0","msg_code":"login","msg_id":"m-3"}`)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if stub.calls != 0 {
		t.Fatalf("dispatcher should not be called")
	}
}

func TestEnvelopeHandler_MissingCodeTakesRoute(t *testing.T) {
	stub := &stubDispatcher{
		handleFn: func(_ context.Context, req *domain.RestRequest) domain.RestResponse {
			return domain.RestResponse{MsgID: req.MsgID, MsgCode: domain.ResponseCode(req.MsgCode), Status: http.StatusOK}
		},
	}
	h := NewEnvelopeHandler(stub, zerolog.Nop())

	rec, err := postEnvelope(t, h, "logout", `{"version":"1.0","msg_id":"m-4","authentication_key":"k"}`)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"logout_response"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestEnvelopeHandler_InvalidJSON(t *testing.T) {
	h := NewEnvelopeHandler(&stubDispatcher{}, zerolog.Nop())

	_, err := postEnvelope(t, h, "login", `{"version":`)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 http error, got %v", err)
	}
}

func TestEnvelopeHandler_ClientGoneWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := &stubDispatcher{
		handleFn: func(_ context.Context, req *domain.RestRequest) domain.RestResponse {
			cancel()
			return domain.RestResponse{MsgID: req.MsgID, MsgCode: domain.CodeErrorResponse, Status: http.StatusServiceUnavailable}
		},
	}
	h := NewEnvelopeHandler(stub, zerolog.Nop())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/propagate", strings.NewReader(`{"version":"1.0","msg_code":"propagate","msg_id":"m-5"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("propagate")

	if err := h.Dispatch(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if c.Response().Committed {
		t.Fatalf("response should not be written after the client left")
	}
}
