package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatd/internal/chat"
	"chatd/pkg/types"
)

// fakeService scripts the service surface for handler tests.
type fakeService struct {
	models      []types.ModelStatus
	downloadErr error
	pauseErr    error
	activateErr error
	sendErr     error
	deltas      []string
	ready       bool

	downloaded []string
	activated  []string
	cleared    bool
}

func (f *fakeService) Models() []types.ModelStatus { return f.models }

func (f *fakeService) StartDownload(id string) error {
	f.downloaded = append(f.downloaded, id)
	return f.downloadErr
}

func (f *fakeService) PauseDownload(id string) error { return f.pauseErr }

func (f *fakeService) ActivateModel(id string) error {
	f.activated = append(f.activated, id)
	return f.activateErr
}

func (f *fakeService) Messages() ([]chat.Message, error) { return nil, nil }

func (f *fakeService) ClearMessages() error {
	f.cleared = true
	return nil
}

func (f *fakeService) Send(ctx context.Context, content string, w io.Writer, flush func()) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	for _, d := range f.deltas {
		b, _ := json.Marshal(map[string]string{"delta": d})
		w.Write(append(b, '\n'))
		if flush != nil {
			flush()
		}
	}
	return nil
}

func (f *fakeService) Status() types.StatusResponse {
	return types.StatusResponse{Models: f.models}
}

func (f *fakeService) Ready() bool { return f.ready }

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestModelsEndpoint(t *testing.T) {
	svc := &fakeService{models: []types.ModelStatus{{ModelID: "m1", State: "paused", Total: 5}}}
	rec := doRequest(t, NewMux(svc), http.MethodGet, "/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].ModelID != "m1" {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestDownloadEndpoints(t *testing.T) {
	svc := &fakeService{}
	mux := NewMux(svc)

	rec := doRequest(t, mux, http.MethodPost, "/models/m1/download", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("download status %d", rec.Code)
	}
	if len(svc.downloaded) != 1 || svc.downloaded[0] != "m1" {
		t.Fatalf("id not forwarded: %v", svc.downloaded)
	}

	rec = doRequest(t, mux, http.MethodPost, "/models/m1/pause", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("pause status %d", rec.Code)
	}
}

func TestDownloadErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", chat.ErrModelNotFound("x"), http.StatusNotFound},
		{"not ready", chat.ErrModelNotReady("x"), http.StatusConflict},
		{"no engine", chat.ErrEngineUnavailable("built without engine"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{activateErr: tc.err}
			rec := doRequest(t, NewMux(svc), http.MethodPost, "/models/x/activate", "")
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d", rec.Code, tc.want)
			}
			var er types.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
				t.Fatalf("error body not JSON: %v", err)
			}
			if er.Code != tc.want {
				t.Fatalf("body code %d, want %d", er.Code, tc.want)
			}
		})
	}
}

func TestActivateSuccess(t *testing.T) {
	svc := &fakeService{}
	rec := doRequest(t, NewMux(svc), http.MethodPost, "/models/m2/activate", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d", rec.Code)
	}
	if len(svc.activated) != 1 || svc.activated[0] != "m2" {
		t.Fatalf("id not forwarded: %v", svc.activated)
	}
}

func TestChatStreamsNDJSON(t *testing.T) {
	svc := &fakeService{deltas: []string{"a", "b"}}
	rec := doRequest(t, NewMux(svc), http.MethodPost, "/chat", `{"content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), rec.Body.String())
	}
}

func TestChatValidation(t *testing.T) {
	svc := &fakeService{}
	mux := NewMux(svc)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"content":"x"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPost, "/chat", `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("broken body: status %d", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPost, "/chat", `{"content":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank content: status %d", rec.Code)
	}
}

func TestChatNoBackend(t *testing.T) {
	svc := &fakeService{sendErr: chat.ErrNoBackend()}
	rec := doRequest(t, NewMux(svc), http.MethodPost, "/chat", `{"content":"hi"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestMessagesEndpoints(t *testing.T) {
	svc := &fakeService{}
	mux := NewMux(svc)

	rec := doRequest(t, mux, http.MethodGet, "/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	// A nil log must render as an empty array, not null.
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	rec = doRequest(t, mux, http.MethodDelete, "/messages", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	if !svc.cleared {
		t.Fatalf("clear not forwarded")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	svc := &fakeService{}
	mux := NewMux(svc)

	rec := doRequest(t, mux, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	rec = doRequest(t, mux, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz not provisioning: %d", rec.Code)
	}
	svc.ready = true
	rec = doRequest(t, mux, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := NewMux(&fakeService{})
	// Drive one instrumented request so the counter family exists.
	doRequest(t, mux, http.MethodGet, "/healthz", "")
	rec := doRequest(t, mux, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chatd_http_requests_total") {
		t.Fatalf("request counter not exported")
	}
}
