package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/pagetweak/internal/jobs"
	"github.com/kalambet/pagetweak/internal/pipeline"
	"github.com/kalambet/pagetweak/internal/proxy"
	"github.com/kalambet/pagetweak/internal/request"
	"github.com/kalambet/pagetweak/internal/script"
	"github.com/kalambet/pagetweak/internal/storage"
)

// --- mocks ---

type mockService struct {
	targets   map[string]pipeline.TargetInfo
	scripts   map[string]storage.ScriptRecord
	generate  func(key string, in pipeline.GenerateInput) (pipeline.GenerateResult, error)
	previewFn func(key, id string) (storage.ScriptRecord, error)
	lastInput pipeline.GenerateInput
	revoked   []string
	cancelled []string
}

func newMockService() *mockService {
	return &mockService{
		targets: map[string]pipeline.TargetInfo{
			"t1": {Key: "t1", URL: "https://example.com/", Previews: []string{}},
		},
		scripts: map[string]storage.ScriptRecord{
			"s1": {ID: "s1", Selector: "#cta", Script: script.Payload{JSCode: "x()"}, Status: script.StatusApplied},
			"s2": {ID: "s2", Selector: "#nav", Script: script.Payload{JSCode: "y()"}, Status: script.StatusPending},
		},
	}
}

func (m *mockService) OpenTarget(ctx context.Context, url string) (pipeline.TargetInfo, error) {
	if strings.HasPrefix(url, "bad:") {
		return pipeline.TargetInfo{}, errors.New("navigation failed")
	}
	info := pipeline.TargetInfo{Key: "t2", URL: url, Previews: []string{}}
	m.targets["t2"] = info
	return info, nil
}

func (m *mockService) Targets(ctx context.Context) []pipeline.TargetInfo {
	out := []pipeline.TargetInfo{}
	for _, t := range m.targets {
		out = append(out, t)
	}
	return out
}

func (m *mockService) Target(ctx context.Context, key string) (pipeline.TargetInfo, error) {
	t, ok := m.targets[key]
	if !ok {
		return pipeline.TargetInfo{}, pipeline.ErrTargetNotFound
	}
	return t, nil
}

func (m *mockService) CloseTarget(ctx context.Context, key string) error {
	if _, ok := m.targets[key]; !ok {
		return pipeline.ErrTargetNotFound
	}
	delete(m.targets, key)
	return nil
}

func (m *mockService) Generate(ctx context.Context, key string, in pipeline.GenerateInput) (pipeline.GenerateResult, error) {
	m.lastInput = in
	if _, ok := m.targets[key]; !ok {
		return pipeline.GenerateResult{}, pipeline.ErrTargetNotFound
	}
	return m.generate(key, in)
}

func (m *mockService) Cancel(key string) error {
	if _, ok := m.targets[key]; !ok {
		return pipeline.ErrTargetNotFound
	}
	m.cancelled = append(m.cancelled, key)
	return nil
}

func (m *mockService) Preview(ctx context.Context, key, id string) (storage.ScriptRecord, error) {
	if m.previewFn != nil {
		return m.previewFn(key, id)
	}
	rec, ok := m.scripts[id]
	if !ok {
		return storage.ScriptRecord{}, storage.ErrNotFound
	}
	rec.Status = script.StatusApplied
	return rec, nil
}

func (m *mockService) Revoke(ctx context.Context, key, id string) error {
	if _, ok := m.targets[key]; !ok {
		return pipeline.ErrTargetNotFound
	}
	m.revoked = append(m.revoked, id)
	return nil
}

func (m *mockService) RevokeAll(ctx context.Context, key string) error {
	if _, ok := m.targets[key]; !ok {
		return pipeline.ErrTargetNotFound
	}
	m.revoked = append(m.revoked, "*")
	return nil
}

func (m *mockService) Scripts() ([]storage.ScriptRecord, error) {
	return []storage.ScriptRecord{m.scripts["s1"], m.scripts["s2"]}, nil
}

func (m *mockService) Script(id string) (pipeline.ScriptDetail, error) {
	rec, ok := m.scripts[id]
	if !ok {
		return pipeline.ScriptDetail{}, storage.ErrNotFound
	}
	return pipeline.ScriptDetail{ScriptRecord: rec}, nil
}

func (m *mockService) RemoveScript(ctx context.Context, id string) error {
	if _, ok := m.scripts[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.scripts, id)
	return nil
}

type mockModels struct {
	models []proxy.Model
	err    error
}

func (m mockModels) ListModels(ctx context.Context) ([]proxy.Model, error) {
	return m.models, m.err
}

// --- helpers ---

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return env.Error
}

// --- tests ---

func TestHealth(t *testing.T) {
	h := NewHandler(Deps{Service: newMockService(), Token: "secret"})

	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestBearerAuth(t *testing.T) {
	h := NewHandler(Deps{Service: newMockService(), Token: "secret"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"no scheme", "secret", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/targets", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestBearerAuth_EmptyTokenDisabled(t *testing.T) {
	h := NewHandler(Deps{Service: newMockService()})
	if rr := do(t, h, http.MethodGet, "/v1/targets", ""); rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without a token", rr.Code)
	}
}

func TestModels(t *testing.T) {
	h := NewHandler(Deps{Service: newMockService(), Models: mockModels{models: []proxy.Model{{ID: "gpt-4o-mini", Object: "model"}}}})

	rr := do(t, h, http.MethodGet, "/v1/models", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var list proxy.ModelList
	json.NewDecoder(rr.Body).Decode(&list)
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "gpt-4o-mini" {
		t.Errorf("list = %+v", list)
	}

	h = NewHandler(Deps{Service: newMockService(), Models: mockModels{err: errors.New("boom")}})
	if rr := do(t, h, http.MethodGet, "/v1/models", ""); rr.Code != http.StatusBadGateway {
		t.Errorf("upstream failure status = %d, want 502", rr.Code)
	}
}

func TestOpenTarget(t *testing.T) {
	svc := newMockService()
	h := NewHandler(Deps{Service: svc})

	rr := do(t, h, http.MethodPost, "/v1/targets", `{"url":"https://example.com/docs"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var info pipeline.TargetInfo
	json.NewDecoder(rr.Body).Decode(&info)
	if info.Key != "t2" || info.URL != "https://example.com/docs" {
		t.Errorf("info = %+v", info)
	}

	if rr := do(t, h, http.MethodPost, "/v1/targets", `{"url":"  "}`); rr.Code != http.StatusBadRequest {
		t.Errorf("blank url status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/targets", `{invalid`); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/targets", `{"url":"bad:x"}`); rr.Code != http.StatusInternalServerError {
		t.Errorf("open failure status = %d", rr.Code)
	}
}

func TestTargetLifecycle(t *testing.T) {
	svc := newMockService()
	h := NewHandler(Deps{Service: svc})

	if rr := do(t, h, http.MethodGet, "/v1/targets/t1", ""); rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/targets/t1/cancel", ""); rr.Code != http.StatusOK || len(svc.cancelled) != 1 {
		t.Errorf("cancel status = %d, cancelled = %v", rr.Code, svc.cancelled)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/targets/t1", ""); rr.Code != http.StatusOK {
		t.Errorf("close status = %d", rr.Code)
	}

	rr := do(t, h, http.MethodGet, "/v1/targets/t1", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("after close status = %d, want 404", rr.Code)
	}
	if e := decodeError(t, rr); e.Type != "not_found" {
		t.Errorf("error type = %q", e.Type)
	}
}

func TestGenerate_Success(t *testing.T) {
	svc := newMockService()
	svc.generate = func(key string, in pipeline.GenerateInput) (pipeline.GenerateResult, error) {
		return pipeline.GenerateResult{
			Script:   storage.ScriptRecord{ID: "s3", Script: script.Payload{JSCode: "z()"}, Status: script.StatusApplied},
			Warnings: []string{},
			Applied:  true,
		}, nil
	}
	h := NewHandler(Deps{Service: svc})

	body := `{"prompt":"hide it","selector":"#ad","apply":true,"responseFormat":"text","temperature":0.5,"maxOutputTokens":300}`
	rr := do(t, h, http.MethodPost, "/v1/targets/t1/generate", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	in := svc.lastInput
	if in.Prompt != "hide it" || in.Selector != "#ad" || !in.Apply || in.ResponseFormat != request.FormatText {
		t.Errorf("input = %+v", in)
	}
	if in.Temperature == nil || *in.Temperature != 0.5 || in.MaxOutputTokens == nil || *in.MaxOutputTokens != 300 {
		t.Errorf("sampling = %v, %v", in.Temperature, in.MaxOutputTokens)
	}

	var res struct {
		Script struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Script struct {
				JSCode string `json:"jsCode"`
			} `json:"script"`
		} `json:"script"`
		Applied bool `json:"applied"`
	}
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Script.ID != "s3" || res.Script.Status != "applied" || res.Script.Script.JSCode != "z()" || !res.Applied {
		t.Errorf("response = %+v", res)
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"invalid input", fmt.Errorf("%w: prompt is empty", request.ErrInvalidInput), http.StatusBadRequest, "invalid_request_error"},
		{"cancelled", fmt.Errorf("%w: %w", pipeline.ErrCancelled, jobs.ErrSuperseded), http.StatusConflict, "cancelled"},
		{"validation", &pipeline.ValidationError{Errors: []string{"no js"}, Warnings: []string{"w"}}, http.StatusUnprocessableEntity, "validation_error"},
		{"model", &proxy.ModelRequestError{Message: "Rate limit exceeded", Status: 429}, http.StatusBadGateway, "upstream_error"},
		{"model timeout", &proxy.ModelRequestError{Message: "Model request timed out."}, http.StatusGatewayTimeout, "upstream_error"},
		{"unknown script", fmt.Errorf("loading script x: %w", storage.ErrNotFound), http.StatusNotFound, "not_found"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.generate = func(string, pipeline.GenerateInput) (pipeline.GenerateResult, error) {
				return pipeline.GenerateResult{}, tt.err
			}
			h := NewHandler(Deps{Service: svc})

			rr := do(t, h, http.MethodPost, "/v1/targets/t1/generate", `{"prompt":"x"}`)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if e := decodeError(t, rr); e.Type != tt.wantType {
				t.Errorf("type = %q, want %q", e.Type, tt.wantType)
			}
		})
	}
}

func TestGenerate_ValidationDetails(t *testing.T) {
	svc := newMockService()
	svc.generate = func(string, pipeline.GenerateInput) (pipeline.GenerateResult, error) {
		return pipeline.GenerateResult{}, &pipeline.ValidationError{
			Errors:   []string{"Generated response did not include JavaScript to execute."},
			Warnings: []string{"Script calls fetch()"},
			RawText:  "{}",
		}
	}
	h := NewHandler(Deps{Service: svc})

	rr := do(t, h, http.MethodPost, "/v1/targets/t1/generate", `{"prompt":"x"}`)
	e := decodeError(t, rr)
	if len(e.Errors) != 1 || len(e.Warnings) != 1 || e.RawText != "{}" {
		t.Errorf("error body = %+v", e)
	}
}

func TestGenerate_UpstreamStatus(t *testing.T) {
	svc := newMockService()
	svc.generate = func(string, pipeline.GenerateInput) (pipeline.GenerateResult, error) {
		return pipeline.GenerateResult{}, &proxy.ModelRequestError{Message: "Rate limit exceeded", Status: 429}
	}
	h := NewHandler(Deps{Service: svc})

	e := decodeError(t, do(t, h, http.MethodPost, "/v1/targets/t1/generate", `{"prompt":"x"}`))
	if e.Message != "Rate limit exceeded" || e.Status != 429 {
		t.Errorf("error body = %+v", e)
	}
}

func TestPreviews(t *testing.T) {
	svc := newMockService()
	h := NewHandler(Deps{Service: svc})

	rr := do(t, h, http.MethodPut, "/v1/targets/t1/previews/s2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("preview status = %d", rr.Code)
	}
	var rec storage.ScriptRecord
	json.NewDecoder(rr.Body).Decode(&rec)
	if rec.ID != "s2" || rec.Status != script.StatusApplied {
		t.Errorf("record = %+v", rec)
	}

	if rr := do(t, h, http.MethodPut, "/v1/targets/t1/previews/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing script status = %d", rr.Code)
	}

	svc.previewFn = func(key, id string) (storage.ScriptRecord, error) {
		return storage.ScriptRecord{}, fmt.Errorf("%w: TypeError", pipeline.ErrPreviewFailed)
	}
	rr = do(t, h, http.MethodPut, "/v1/targets/t1/previews/s1", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("failed preview status = %d", rr.Code)
	}
	if e := decodeError(t, rr); e.Type != "preview_error" {
		t.Errorf("type = %q", e.Type)
	}

	if rr := do(t, h, http.MethodDelete, "/v1/targets/t1/previews/s1", ""); rr.Code != http.StatusOK {
		t.Errorf("revoke status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/targets/t1/previews", ""); rr.Code != http.StatusOK {
		t.Errorf("revoke all status = %d", rr.Code)
	}
	if len(svc.revoked) != 2 || svc.revoked[0] != "s1" || svc.revoked[1] != "*" {
		t.Errorf("revoked = %v", svc.revoked)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/targets/nope/previews", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown target status = %d", rr.Code)
	}
}

func TestScripts(t *testing.T) {
	svc := newMockService()
	h := NewHandler(Deps{Service: svc})

	rr := do(t, h, http.MethodGet, "/v1/scripts", "")
	var all []storage.ScriptRecord
	json.NewDecoder(rr.Body).Decode(&all)
	if rr.Code != http.StatusOK || len(all) != 2 {
		t.Fatalf("status = %d, scripts = %d", rr.Code, len(all))
	}

	rr = do(t, h, http.MethodGet, "/v1/scripts?status=pending", "")
	var pending []storage.ScriptRecord
	json.NewDecoder(rr.Body).Decode(&pending)
	if len(pending) != 1 || pending[0].ID != "s2" {
		t.Errorf("pending = %+v", pending)
	}

	if rr := do(t, h, http.MethodGet, "/v1/scripts?status=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/v1/scripts/s1", "")
	var detail map[string]any
	json.NewDecoder(rr.Body).Decode(&detail)
	if detail["id"] != "s1" {
		t.Errorf("detail id = %v", detail["id"])
	}
	if turns, ok := detail["turns"].([]any); !ok || len(turns) != 0 {
		t.Errorf("turns = %#v, want empty array", detail["turns"])
	}

	if rr := do(t, h, http.MethodDelete, "/v1/scripts/s1", ""); rr.Code != http.StatusOK {
		t.Errorf("delete status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/scripts/s1", ""); rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rr.Code)
	}
}
