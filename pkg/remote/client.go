// Package remote polls asynchronous jobs on a management agent (the
// CIM-style "check for updates / apply update" pattern). It is the second
// consumer of the generic poller: submit an action, receive an opaque job
// handle, fetch state by handle until terminal.
//
// The agent speaks JSON over HTTP:
//
//	POST <base>/v1/actions                  submit, returns returnCode + job id
//	GET  <base>/v1/jobs/<id>                numeric jobState + optional result/fault
//	GET  <base>/v1/tables/job-states        value map: numeric state -> status name
//	GET  <base>/v1/tables/return-codes      value map: code -> description
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skyforge/provisd/pkg/job"
	"github.com/skyforge/provisd/pkg/polling"
)

// Config configures an agent client.
type Config struct {
	// BaseURL is the agent endpoint, e.g. http://10.0.0.4:5988 (required).
	BaseURL string

	// RequestsPerSecond throttles calls to the agent. Zero disables
	// throttling.
	RequestsPerSecond float64

	// RequestTimeout bounds each HTTP call. Default: 30s.
	RequestTimeout time.Duration

	// TableTTL is how long cached value maps stay fresh. Default: 5m.
	TableTTL time.Duration

	// PollInterval is the sleep between job-state checks. Default: 1s.
	PollInterval time.Duration
}

// Handle identifies an asynchronous job on the agent and carries its last
// observed state.
type Handle struct {
	ID     string
	Status job.Status

	// RawState is the agent's numeric state from the last fetch.
	RawState int

	// Result is the agent-reported result reference, set once terminal.
	Result string

	// Fault is the agent-reported failure message, set when Failed.
	Fault string
}

// Client drives and polls jobs on one management agent.
type Client struct {
	base        *url.URL
	http        *http.Client
	limiter     *rate.Limiter
	log         *zap.Logger
	interval    time.Duration
	states      *valueMap
	returnCodes *valueMap
}

// New creates an agent client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid agent base URL %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tableTTL := cfg.TableTTL
	if tableTTL <= 0 {
		tableTTL = 5 * time.Minute
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	c := &Client{
		base:     base,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
		log:      logger,
		interval: interval,
	}
	c.states = newValueMap(tableTTL, func(ctx context.Context) (map[int]string, error) {
		return c.fetchTable(ctx, "job-states")
	})
	c.returnCodes = newValueMap(tableTTL, func(ctx context.Context) (map[int]string, error) {
		return c.fetchTable(ctx, "return-codes")
	})
	return c, nil
}

// RefreshTables refetches the agent's value maps, ignoring their TTL.
func (c *Client) RefreshTables(ctx context.Context) error {
	if err := c.states.Refresh(ctx); err != nil {
		return err
	}
	return c.returnCodes.Refresh(ctx)
}

func (c *Client) endpoint(parts ...string) string {
	return c.base.String() + "/v1/" + strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, u string, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}

type tableResponse struct {
	Values map[string]string `json:"values"`
}

func (c *Client) fetchTable(ctx context.Context, name string) (map[int]string, error) {
	var resp tableResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint("tables", name), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch %s table: %w", name, err)
	}
	return decodeValueMap(resp.Values)
}

type submitRequest struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

type submitResponse struct {
	ReturnCode int    `json:"returnCode"`
	JobID      string `json:"jobId"`
}

// SubmitAction starts an asynchronous action on the agent and returns its
// job handle. A return code other than SubmittedReturnCode becomes a
// ReturnCodeError carrying the agent's own description for the code.
func (c *Client) SubmitAction(ctx context.Context, action string, params map[string]string) (Handle, error) {
	var resp submitResponse
	err := c.do(ctx, http.MethodPost, c.endpoint("actions"), submitRequest{Action: action, Params: params}, &resp)
	if err != nil {
		return Handle{}, err
	}

	if resp.ReturnCode != SubmittedReturnCode {
		desc, ok, lookupErr := c.returnCodes.lookup(ctx, resp.ReturnCode)
		if lookupErr != nil || !ok {
			desc = ""
		}
		return Handle{}, &ReturnCodeError{
			Expected:    SubmittedReturnCode,
			Actual:      resp.ReturnCode,
			Description: desc,
		}
	}

	c.log.Debug("agent action submitted",
		zap.String("action", action),
		zap.String("agent_job_id", resp.JobID))
	return Handle{ID: resp.JobID, Status: job.StatusStarted}, nil
}

type jobResponse struct {
	JobState int    `json:"jobState"`
	Result   string `json:"result,omitempty"`
	Fault    string `json:"fault,omitempty"`
}

// JobState fetches the job's current state and maps the agent's numeric
// value to a status through the server-provided value map.
func (c *Client) JobState(ctx context.Context, h Handle) (Handle, error) {
	var resp jobResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint("jobs", h.ID), nil, &resp); err != nil {
		return h, err
	}

	name, ok, err := c.states.lookup(ctx, resp.JobState)
	if err != nil {
		return h, err
	}
	if !ok {
		return h, fmt.Errorf("agent reported unmapped job state %d", resp.JobState)
	}
	status, err := mapJobState(name)
	if err != nil {
		return h, err
	}

	h.Status = status
	h.RawState = resp.JobState
	h.Result = resp.Result
	h.Fault = resp.Fault
	return h, nil
}

// PollJob polls the handle until terminal or timeout, using the shared
// poller. On timeout the last observed handle is returned with
// polling.ErrTimeout.
func (c *Client) PollJob(ctx context.Context, h Handle, timeout time.Duration) (Handle, error) {
	p := &polling.Poller[Handle]{
		Interval: c.interval,
		Refresh:  c.JobState,
		Complete: func(h Handle) bool { return h.Status.Terminal() },
		Successful: func(h Handle) bool {
			return h.Status == job.StatusCompleted
		},
	}
	return p.PollForCompletion(ctx, h, timeout)
}

// CheckForUpdates submits the agent's update-discovery action.
func (c *Client) CheckForUpdates(ctx context.Context) (Handle, error) {
	return c.SubmitAction(ctx, "check-updates", nil)
}

// ApplyUpdate submits the agent's update-apply action for a version.
func (c *Client) ApplyUpdate(ctx context.Context, version string) (Handle, error) {
	return c.SubmitAction(ctx, "apply-update", map[string]string{"version": version})
}
