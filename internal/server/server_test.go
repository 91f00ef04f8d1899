package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skyforge/provisd/internal/drivers"
	"github.com/skyforge/provisd/internal/server/middleware"
	"github.com/skyforge/provisd/pkg/job"
	"github.com/skyforge/provisd/pkg/kvstore/fskv"
	"github.com/skyforge/provisd/pkg/runner"
)

func newTestServer(t *testing.T) (*Server, *drivers.Provisioner) {
	t.Helper()

	kv, err := fskv.New(t.TempDir())
	if err != nil {
		t.Fatalf("fskv.New failed: %v", err)
	}
	registry, err := job.NewRegistry(kv, "instance-launch", "instance-terminate")
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	drv := drivers.NewRegistry()
	for _, op := range []string{"launch", "terminate"} {
		drv.Register("fake", op, drivers.Fake("i-test"))
	}

	p := drivers.NewProvisioner(registry, drv, runner.Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
	}, nil)
	t.Cleanup(p.Stop)

	srv := New(Options{Version: "test"}, p, nil)
	return srv, p
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
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
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeSummary(t *testing.T, rr *httptest.ResponseRecorder) job.Summary {
	t.Helper()
	var s job.Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode summary: %v (body %s)", err, rr.Body.String())
	}
	return s
}

func waitTerminal(t *testing.T, p *drivers.Provisioner, jobType, id string) job.Summary {
	t.Helper()
	store, err := p.Registry().Store(jobType)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Status().Terminal() {
			s, err := job.Summarize(context.Background(), rec)
			if err != nil {
				t.Fatalf("Summarize failed: %v", err)
			}
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached a terminal state (status %s)", id, rec.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreateJob(t *testing.T) {
	srv, p := newTestServer(t)

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"type":      "instance-launch",
		"cloudType": "fake",
		"imageId":   "ami-42",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rr.Code, rr.Body.String())
	}

	s := decodeSummary(t, rr)
	if s.ID == "" || s.Type != "instance-launch" {
		t.Fatalf("summary = %+v", s)
	}
	if s.ImageID != "ami-42" {
		t.Fatalf("ImageID = %q", s.ImageID)
	}

	final := waitTerminal(t, p, "instance-launch", s.ID)
	if final.Status != job.StatusCompleted {
		t.Fatalf("final status = %s, want Completed", final.Status)
	}
	if len(final.Result) != 1 || final.Result[0] != "i-test" {
		t.Fatalf("result = %v, want [i-test]", final.Result)
	}
}

func TestCreateJobValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name string
		body any
	}{
		{"MissingType", map[string]any{"cloudType": "fake"}},
		{"MissingCloudType", map[string]any{"type": "instance-launch"}},
		{"NegativeTTL", map[string]any{"type": "instance-launch", "cloudType": "fake", "ttl": -5}},
		{"UnknownType", map[string]any{"type": "instance-destroy", "cloudType": "fake"}},
		{"UnknownDriver", map[string]any{"type": "instance-launch", "cloudType": "vsphere"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rr.Code, rr.Body.String())
			}
			var resp middleware.ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Error.Code != "VALIDATION_ERROR" {
				t.Fatalf("code = %q", resp.Error.Code)
			}
		})
	}

	t.Run("MalformedBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte("{not json")))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
	})
}

func TestGetJob(t *testing.T) {
	srv, p := newTestServer(t)

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"type":      "instance-launch",
		"cloudType": "fake",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create status = %d", rr.Code)
	}
	created := decodeSummary(t, rr)
	waitTerminal(t, p, "instance-launch", created.ID)

	rr = doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/instance-launch/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d (body %s)", rr.Code, rr.Body.String())
	}
	s := decodeSummary(t, rr)
	if s.ID != created.ID || s.Status != job.StatusCompleted {
		t.Fatalf("summary = %+v", s)
	}
	if len(s.History) == 0 {
		t.Fatal("summary missing history")
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{
		"/v1/jobs/instance-launch/no-such-id",
		"/v1/jobs/unregistered-type/abc",
	} {
		rr := doJSON(t, srv.Handler(), http.MethodGet, path, nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("GET %s = %d, want 404", path, rr.Code)
		}
		var resp middleware.ErrorResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if resp.Error.Code != "NOT_FOUND" {
			t.Fatalf("code = %q", resp.Error.Code)
		}
	}
}

func TestJobLogs(t *testing.T) {
	srv, p := newTestServer(t)

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"type":      "instance-launch",
		"cloudType": "fake",
	})
	created := decodeSummary(t, rr)
	waitTerminal(t, p, "instance-launch", created.ID)

	rr = doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/instance-launch/"+created.ID+"/logs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logs status = %d", rr.Code)
	}
	var logs []job.LogEntry
	if err := json.Unmarshal(rr.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) < 2 {
		t.Fatalf("logs = %v, want launch narration", logs)
	}
}

func TestListJobs(t *testing.T) {
	srv, p := newTestServer(t)

	for _, jt := range []string{"instance-launch", "instance-terminate"} {
		rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
			"type":      jt,
			"cloudType": "fake",
		})
		if rr.Code != http.StatusAccepted {
			t.Fatalf("create %s = %d", jt, rr.Code)
		}
		waitTerminal(t, p, jt, decodeSummary(t, rr).ID)
	}

	rr := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var all []job.Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list = %d entries, want 2", len(all))
	}

	rr = doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs?type=instance-term*", nil)
	var filtered []job.Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &filtered); err != nil {
		t.Fatalf("decode filtered list: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Type != "instance-terminate" {
		t.Fatalf("filtered = %v", filtered)
	}

	rr = doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs?status=Bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d, want 400", rr.Code)
	}
}

func TestCancelJob(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"type":      "instance-launch",
		"cloudType": "fake",
	})
	created := decodeSummary(t, rr)

	rr = doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/instance-launch/"+created.ID+"/cancel", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d (body %s)", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/unregistered-type/abc/cancel", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown type = %d, want 404", rr.Code)
	}
}

func TestUnknownRouteEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doJSON(t, srv.Handler(), http.MethodGet, "/v1/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var resp middleware.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error.Code != "NOT_FOUND" {
		t.Fatalf("code = %q", resp.Error.Code)
	}

	rr = doJSON(t, srv.Handler(), http.MethodDelete, "/v1/jobs", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	srv.Health().RegisterChecker("store", checkerFunc(func(context.Context) error { return nil }))

	rr := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "healthy" || body["version"] != "test" {
		t.Fatalf("health body = %v", body)
	}

	srv.Health().RegisterChecker("store", checkerFunc(func(context.Context) error {
		return errors.New("backend unreachable")
	}))
	rr = doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d, want 503", rr.Code)
	}
}
