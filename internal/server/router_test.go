package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"latent-probe/internal/probe"
)

const testAdminToken = "test-admin-token"

type fakeRunner struct {
	createMeta ExperimentMeta
	createErr  error
	suite      []probe.ProbeSpec
	previewErr error

	lastRequest ExperimentRequest
	lastSource  string
}

func (f *fakeRunner) CreateExperiment(request ExperimentRequest, principal Principal, source string) (ExperimentMeta, error) {
	f.lastRequest = request
	f.lastSource = source
	return f.createMeta, f.createErr
}

func (f *fakeRunner) PreviewSuite(request ExperimentRequest, ipHash, uaHash string) ([]probe.ProbeSpec, error) {
	f.lastRequest = request
	return f.suite, f.previewErr
}

func newTestAPI(t *testing.T, runner RunnerService) (*API, *MemoryFileStore) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Security.AdminToken = testAdminToken
	store := newTestStore(t)
	return NewAPI(NewAuth(nil, cfg), store, runner, nil), store
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRunner{})
	rec := doRequest(t, api.Handler(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRunner{})
	handler := api.Handler()

	for _, path := range []string{
		"/api/v1/admin/experiments",
		"/api/v1/admin/metrics/overview",
		"/api/v1/admin/audit",
	} {
		if rec := doRequest(t, handler, http.MethodGet, path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: status = %d", path, rec.Code)
		}
		if rec := doRequest(t, handler, http.MethodGet, path, "wrong-token", ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token: status = %d", path, rec.Code)
		}
		if rec := doRequest(t, handler, http.MethodGet, path, testAdminToken, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s with token: status = %d", path, rec.Code)
		}
	}
}

func TestAdminCreateExperiment(t *testing.T) {
	runner := &fakeRunner{createMeta: ExperimentMeta{ExperimentID: "exp_1", Status: "queued"}}
	api, _ := newTestAPI(t, runner)

	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/v1/admin/experiments", testAdminToken,
		`{"hypothesis":"h","protocol":"conflict_stress","probe_count":3}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["experiment_id"] != "exp_1" || body["status"] != "queued" {
		t.Fatalf("body = %v", body)
	}
	if runner.lastRequest.Hypothesis != "h" || runner.lastSource != "admin.manual" {
		t.Fatalf("runner saw %+v source=%q", runner.lastRequest, runner.lastSource)
	}
}

func TestAdminCreateExperimentBadBody(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRunner{})
	handler := api.Handler()

	if rec := doRequest(t, handler, http.MethodPost, "/api/v1/admin/experiments", testAdminToken, `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodPost, "/api/v1/admin/experiments", testAdminToken, `{"hypothesis":"h","bogus_field":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status = %d", rec.Code)
	}
	rec := doRequest(t, handler, http.MethodPost, "/api/v1/admin/experiments", testAdminToken, `{"hypothesis":"h"} {"second":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("trailing data: status = %d", rec.Code)
	}
	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope["error"] == "" || envelope["status"] != float64(http.StatusBadRequest) {
		t.Fatalf("error envelope = %v", envelope)
	}
}

func TestAdminCreateExperimentRunnerError(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRunner{createErr: errors.New("hypothesis is required")})
	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/v1/admin/experiments", testAdminToken, `{"hypothesis":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminGetExperiment(t *testing.T) {
	api, store := newTestAPI(t, &fakeRunner{})
	handler := api.Handler()

	if rec := doRequest(t, handler, http.MethodGet, "/api/v1/admin/experiments/missing", testAdminToken, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d", rec.Code)
	}

	if err := store.CreateExperiment(ExperimentMeta{ExperimentID: "exp_1", Status: "done", CreatedAt: "2026-08-30T00:00:00Z"}); err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}
	rec := doRequest(t, handler, http.MethodGet, "/api/v1/admin/experiments/exp_1", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var meta ExperimentMeta
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.ExperimentID != "exp_1" || meta.Status != "done" {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestPreviewSuitePublic(t *testing.T) {
	runner := &fakeRunner{suite: []probe.ProbeSpec{
		{ProbeID: "probe_conflict_stress_0_deadbeef", Protocol: probe.ProtocolConflictStress},
	}}
	api, _ := newTestAPI(t, runner)

	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/v1/experiments/preview", "",
		`{"hypothesis":"h","protocol":"conflict_stress"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Probes []probe.ProbeSpec `json:"probes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Probes) != 1 || body.Probes[0].ProbeID != "probe_conflict_stress_0_deadbeef" {
		t.Fatalf("probes = %+v", body.Probes)
	}
}

func TestPreviewSuiteRateLimited(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRunner{previewErr: errors.New("preview rate limit reached")})
	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/v1/experiments/preview", "", `{"hypothesis":"h"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUserMyExperiments(t *testing.T) {
	api, store := newTestAPI(t, &fakeRunner{})
	handler := api.Handler()

	if rec := doRequest(t, handler, http.MethodGet, "/api/v1/user/my-experiments", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("without token: status = %d", rec.Code)
	}

	// the static token principal has subject "admin-token"
	if err := store.CreateExperiment(ExperimentMeta{
		ExperimentID: "exp_mine", Status: "done", CreatorSub: "admin-token",
		Request:   ExperimentRequest{Protocol: "safety_boundary"},
		CreatedAt: "2026-08-30T00:00:00Z",
		Summary:   ResultSummary{MostCommonOutcome: "stable_execution", StabilityScore: 1},
	}); err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}
	if err := store.CreateExperiment(ExperimentMeta{ExperimentID: "exp_other", CreatorSub: "someone-else", CreatedAt: "2026-08-30T01:00:00Z"}); err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/user/my-experiments", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Experiments []map[string]any `json:"experiments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Experiments) != 1 {
		t.Fatalf("experiments = %+v", body.Experiments)
	}
	entry := body.Experiments[0]
	if entry["experiment_id"] != "exp_mine" || entry["most_common_outcome"] != "stable_execution" {
		t.Fatalf("entry = %v", entry)
	}
	if _, present := entry["results"]; present {
		t.Fatal("compact listing should not carry full results")
	}
}

func TestExperimentEventsSSE(t *testing.T) {
	api, store := newTestAPI(t, &fakeRunner{})

	if err := store.CreateExperiment(ExperimentMeta{ExperimentID: "exp_1", Status: "running", CreatedAt: "2026-08-30T00:00:00Z"}); err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}
	if _, err := store.AppendExperimentEvent("exp_1", "start", "experiment started", nil); err != nil {
		t.Fatalf("AppendExperimentEvent: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/admin/experiments/exp_1/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if dataLine == "" {
		t.Fatal("no SSE data frame received")
	}
	var event ExperimentEvent
	if err := json.Unmarshal([]byte(dataLine), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Seq != 1 || event.Stage != "start" {
		t.Fatalf("event = %+v", event)
	}
	cancel()
}
