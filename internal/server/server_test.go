package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/events"
	"planline/internal/jobs"
	"planline/internal/llm"
)

type stubCompleter struct {
	gate chan struct{}
}

func (s *stubCompleter) Complete(context.Context, llm.Request) (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	return "agent output without structured blocks", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(`service:
  name: planline-test
  coordinator_role: program_coordinator
  curator_role: knowledge_curator
agents:
  program_coordinator:
    role: Program Coordinator
    goal: synthesize
    backstory: coordinator
  knowledge_curator:
    role: Knowledge Curator
    goal: curate
    backstory: curator
rounds:
  - round: 1
    name: Vision
    description: align
    objectives: [agree]
    participating_agents: [program_coordinator]
    outputs: [vision]
`))
	if err != nil {
		t.Fatalf("test config: %v", err)
	}
	return cfg
}

func newTestServer(t *testing.T, completer llm.Completer, auth AuthConfig) (*httptest.Server, *jobs.Manager) {
	t.Helper()
	eventLog := events.NewLog()
	m := jobs.NewManager(completer, testConfig(t), eventLog)
	m.Logger = nil
	handler, err := New(Config{Manager: m, Events: eventLog, Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, m
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func generateBody() map[string]any {
	return map[string]any{
		"businessContext": map[string]any{
			"name":        "Acme",
			"type":        "saas",
			"scale":       "smb",
			"description": "small business transformation",
		},
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubCompleter{}, AuthConfig{})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("health body = %v", body)
	}
}

func TestStartJobAndPoll(t *testing.T) {
	srv, m := newTestServer(t, &stubCompleter{}, AuthConfig{})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/start-job", generateBody(), nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start-job status %d: %s", res.StatusCode, string(data))
	}
	var started StartJobResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal start-job: %v", err)
	}
	if started.JobID == "" {
		t.Fatalf("missing job id: %s", string(data))
	}
	m.Wait()

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/job-status/"+started.JobID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("job-status status %d: %s", res.StatusCode, string(data))
	}
	var status JobStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal job-status: %v", err)
	}
	if status.Status != "completed" || status.Progress != 100 {
		t.Fatalf("job-status = %s/%d, want completed/100", status.Status, status.Progress)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/job-result/"+started.JobID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("job-result status %d: %s", res.StatusCode, string(data))
	}
	var result struct {
		Program struct {
			Title string `json:"title"`
		} `json:"program"`
		Metadata struct {
			Generator string `json:"generator"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal job-result: %v", err)
	}
	if result.Program.Title != "Acme Strategic Transformation Program" {
		t.Errorf("program title = %q", result.Program.Title)
	}
	if result.Metadata.Generator != "planline-multi-agent" {
		t.Errorf("generator = %q", result.Metadata.Generator)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/jobs/"+started.JobID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evs EventsResponse
	if err := json.Unmarshal(data, &evs); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evs.Items) == 0 || evs.Items[0].Type != "job.created" {
		t.Errorf("event trail = %+v", evs.Items)
	}
	if evs.NextCursor != evs.Items[len(evs.Items)-1].Seq {
		t.Errorf("next cursor = %d", evs.NextCursor)
	}
}

func TestStartJobValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubCompleter{}, AuthConfig{})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/start-job", map[string]any{
		"businessContext": map[string]any{"name": "Acme"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("start-job status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Errorf("error code = %q: %s", envelope.Error.Code, string(data))
	}
}

func TestJobStatusUnknown(t *testing.T) {
	srv, _ := newTestServer(t, &stubCompleter{}, AuthConfig{})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/job-status/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Errorf("error code = %q", envelope.Error.Code)
	}
}

func TestJobResultWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	srv, m := newTestServer(t, &stubCompleter{gate: gate}, AuthConfig{})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/start-job", generateBody(), nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start-job status %d: %s", res.StatusCode, string(data))
	}
	var started StartJobResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal start-job: %v", err)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/job-result/"+started.JobID, nil, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("job-result status %d, want 202: %s", res.StatusCode, string(data))
	}
	var progress JobInProgressResponse
	if err := json.Unmarshal(data, &progress); err != nil {
		t.Fatalf("unmarshal in-progress body: %v", err)
	}
	if progress.JobID != started.JobID {
		t.Errorf("in-progress job id = %q", progress.JobID)
	}

	close(gate)
	m.Wait()
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/job-result/"+started.JobID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("job-result after completion %d: %s", res.StatusCode, string(data))
	}
}

func TestJobResultFailed(t *testing.T) {
	srv, m := newTestServer(t, nil, AuthConfig{})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/start-job", generateBody(), nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start-job status %d: %s", res.StatusCode, string(data))
	}
	var started StartJobResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal start-job: %v", err)
	}
	m.Wait()

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/job-result/"+started.JobID, nil, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("job-result status %d, want 500: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "generation_failed" {
		t.Errorf("error code = %q", envelope.Error.Code)
	}
}

func TestGenerateProgramSynchronous(t *testing.T) {
	srv, _ := newTestServer(t, &stubCompleter{}, AuthConfig{})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/generate-program", generateBody(), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate-program status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		Program struct {
			Workstreams []struct {
				ID string `json:"id"`
			} `json:"workstreams"`
		} `json:"program"`
		KnowledgeLedger struct {
			Emissions []any `json:"emissions"`
		} `json:"knowledgeLedger"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(out.Program.Workstreams) != 3 {
		t.Errorf("workstreams = %d, want defaults", len(out.Program.Workstreams))
	}
	if len(out.KnowledgeLedger.Emissions) == 0 {
		t.Error("expected knowledge emissions")
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubCompleter{}, AuthConfig{APIKeys: []string{"secret-key"}})

	// Health stays open.
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/generate-program", generateBody(), nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/generate-program", generateBody(), map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/generate-program", generateBody(), map[string]string{
		"X-Api-Key": "secret-key",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubCompleter{}, AuthConfig{JWTSecret: "hmac-secret"})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/job-status/nope", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}

	token := signTestToken(t, "hmac-secret", "tester")
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/job-status/nope", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	// Authenticated but unknown job: the auth layer let us through.
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("valid token status %d: %s", res.StatusCode, string(data))
	}
}

func signTestToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token, err := SignToken(secret, subject, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}
