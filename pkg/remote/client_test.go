package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skyforge/provisd/pkg/job"
	"github.com/skyforge/provisd/pkg/polling"
)

// fakeAgent is an in-process management agent speaking the polling
// protocol.
type fakeAgent struct {
	mu          sync.Mutex
	states      map[string]string
	returnCodes map[string]string
	submitCode  int
	jobStates   []int
	fetches     int
	tableHits   map[string]int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		states: map[string]string{
			"2":  "Started",
			"4":  "Running",
			"7":  "Completed",
			"10": "Failed",
		},
		returnCodes: map[string]string{
			"200":  "Submitted",
			"4096": "Method Parameters Checked - Job Started",
			"500":  "Agent Internal Error",
		},
		submitCode: 200,
		tableHits:  make(map[string]int),
	}
}

func (a *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		code := a.submitCode
		a.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"returnCode": code, "jobId": "agent-job-1"})
	})
	mux.HandleFunc("GET /v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		idx := a.fetches
		if idx >= len(a.jobStates) {
			idx = len(a.jobStates) - 1
		}
		state := a.jobStates[idx]
		a.fetches++
		a.mu.Unlock()

		body := map[string]any{"jobState": state}
		if state == 7 {
			body["result"] = "i-9876"
		}
		if state == 10 {
			body["fault"] = "hypervisor rejected the request"
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("GET /v1/tables/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v1/tables/")
		a.mu.Lock()
		a.tableHits[name]++
		var values map[string]string
		switch name {
		case "job-states":
			values = a.states
		case "return-codes":
			values = a.returnCodes
		}
		a.mu.Unlock()
		if values == nil {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"values": values})
	})
	return mux
}

func newTestClient(t *testing.T, agent *fakeAgent) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(agent.handler())
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, srv
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "relative/path"} {
		if _, err := New(Config{BaseURL: u}, nil); err == nil {
			t.Errorf("New(%q) succeeded, want error", u)
		}
	}
}

func TestSubmitAction(t *testing.T) {
	agent := newFakeAgent()
	c, _ := newTestClient(t, agent)

	h, err := c.SubmitAction(context.Background(), "launch", map[string]string{"imageId": "ami-42"})
	if err != nil {
		t.Fatalf("SubmitAction failed: %v", err)
	}
	if h.ID != "agent-job-1" {
		t.Fatalf("ID = %q, want agent-job-1", h.ID)
	}
	if h.Status != job.StatusStarted {
		t.Fatalf("Status = %s, want Started", h.Status)
	}
}

func TestSubmitActionBadReturnCode(t *testing.T) {
	agent := newFakeAgent()
	agent.submitCode = 500
	c, _ := newTestClient(t, agent)

	_, err := c.SubmitAction(context.Background(), "launch", nil)
	var rcErr *ReturnCodeError
	if !errors.As(err, &rcErr) {
		t.Fatalf("SubmitAction = %v, want ReturnCodeError", err)
	}
	if rcErr.Expected != SubmittedReturnCode || rcErr.Actual != 500 {
		t.Fatalf("ReturnCodeError = %+v", rcErr)
	}
	// The description comes from the agent's own return-code table.
	if rcErr.Description != "Agent Internal Error" {
		t.Fatalf("Description = %q", rcErr.Description)
	}
	if !strings.Contains(rcErr.Error(), "Agent Internal Error") {
		t.Fatalf("Error() = %q", rcErr.Error())
	}
}

func TestJobStateMapsThroughValueMap(t *testing.T) {
	agent := newFakeAgent()
	agent.jobStates = []int{4}
	c, _ := newTestClient(t, agent)

	h, err := c.JobState(context.Background(), Handle{ID: "agent-job-1"})
	if err != nil {
		t.Fatalf("JobState failed: %v", err)
	}
	if h.Status != job.StatusRunning {
		t.Fatalf("Status = %s, want Running", h.Status)
	}
	if h.RawState != 4 {
		t.Fatalf("RawState = %d, want 4", h.RawState)
	}
}

func TestJobStateUnmappedValue(t *testing.T) {
	agent := newFakeAgent()
	agent.jobStates = []int{99}
	c, _ := newTestClient(t, agent)

	if _, err := c.JobState(context.Background(), Handle{ID: "agent-job-1"}); err == nil {
		t.Fatal("JobState accepted an unmapped numeric state")
	}
}

func TestPollJobUntilCompleted(t *testing.T) {
	agent := newFakeAgent()
	agent.jobStates = []int{2, 4, 4, 7}
	c, _ := newTestClient(t, agent)

	h, err := c.PollJob(context.Background(), Handle{ID: "agent-job-1"}, 5*time.Second)
	if err != nil {
		t.Fatalf("PollJob failed: %v", err)
	}
	if h.Status != job.StatusCompleted {
		t.Fatalf("Status = %s, want Completed", h.Status)
	}
	if h.Result != "i-9876" {
		t.Fatalf("Result = %q, want i-9876", h.Result)
	}
}

func TestPollJobFailure(t *testing.T) {
	agent := newFakeAgent()
	agent.jobStates = []int{4, 10}
	c, _ := newTestClient(t, agent)

	h, err := c.PollJob(context.Background(), Handle{ID: "agent-job-1"}, 5*time.Second)
	if err != nil {
		t.Fatalf("PollJob failed: %v", err)
	}
	if h.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want Failed", h.Status)
	}
	if h.Fault != "hypervisor rejected the request" {
		t.Fatalf("Fault = %q", h.Fault)
	}
}

func TestPollJobTimeout(t *testing.T) {
	agent := newFakeAgent()
	agent.jobStates = []int{4}
	c, _ := newTestClient(t, agent)

	h, err := c.PollJob(context.Background(), Handle{ID: "agent-job-1"}, 25*time.Millisecond)
	if !errors.Is(err, polling.ErrTimeout) {
		t.Fatalf("PollJob = %v, want ErrTimeout", err)
	}
	if h.Status != job.StatusRunning {
		t.Fatalf("last observed status = %s, want Running", h.Status)
	}
}

func TestValueMapCachedUntilTTL(t *testing.T) {
	agent := newFakeAgent()
	agent.jobStates = []int{4, 4, 7}
	c, _ := newTestClient(t, agent)

	if _, err := c.PollJob(context.Background(), Handle{ID: "agent-job-1"}, 5*time.Second); err != nil {
		t.Fatalf("PollJob failed: %v", err)
	}
	// Three state fetches, one table fetch.
	agent.mu.Lock()
	hits := agent.tableHits["job-states"]
	agent.mu.Unlock()
	if hits != 1 {
		t.Fatalf("job-states fetched %d times, want 1", hits)
	}

	if err := c.RefreshTables(context.Background()); err != nil {
		t.Fatalf("RefreshTables failed: %v", err)
	}
	agent.mu.Lock()
	hits = agent.tableHits["job-states"]
	agent.mu.Unlock()
	if hits != 2 {
		t.Fatalf("RefreshTables did not refetch: %d hits", hits)
	}
}

func TestDecodeValueMap(t *testing.T) {
	m, err := decodeValueMap(map[string]string{"200": "OK", "4096": "Job Started"})
	if err != nil {
		t.Fatalf("decodeValueMap failed: %v", err)
	}
	if m[200] != "OK" || m[4096] != "Job Started" {
		t.Fatalf("decodeValueMap = %v", m)
	}
	if _, err := decodeValueMap(map[string]string{"abc": "bad"}); err == nil {
		t.Fatal("decodeValueMap accepted a non-numeric key")
	}
}
