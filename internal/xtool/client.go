package xtool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// requestTimeout bounds every HTTP exchange with a device.
const requestTimeout = 10 * time.Second

// Client is the device API consumed by the coordinator, registry, and
// service handlers. Implemented by HTTPClient; MockClient covers tests.
type Client interface {
	Host() string
	Ping(ctx context.Context) error
	MachineType(ctx context.Context) (string, error)
	MAC(ctx context.Context) (string, error)
	Progress(ctx context.Context) (ProgressReport, error)
	WorkingState(ctx context.Context) (string, error)
	PeripheralStatus(ctx context.Context) (PeripheralStatus, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HTTPClient talks to one device's HTTP API on port 8080. It performs no
// retries; retry policy belongs to the caller.
type HTTPClient struct {
	host string
	base string
	http *http.Client
}

// NewClient creates a client for the device at host.
func NewClient(host string) *HTTPClient {
	host = strings.TrimSpace(host)
	return &HTTPClient{
		host: host,
		base: BaseURL(host),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Host returns the configured device host.
func (c *HTTPClient) Host() string {
	return c.host
}

// getJSON issues one GET and decodes the JSON response into out.
func (c *HTTPClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	reqURL := c.base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	op := path
	if action := params.Get("action"); action != "" {
		op = fmt.Sprintf("%s?action=%s", path, action)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &CommError{Op: op, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &CommError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return commErrorf(op, "unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return commErrorf(op, "malformed response: %w", err)
	}

	return nil
}

// Ping checks device reachability via /ping.
func (c *HTTPClient) Ping(ctx context.Context) error {
	var payload struct {
		Result string `json:"result"`
	}
	if err := c.getJSON(ctx, "/ping", nil, &payload); err != nil {
		return err
	}
	if payload.Result != "ok" {
		return commErrorf("/ping", "unexpected result %q", payload.Result)
	}
	return nil
}

// MachineType returns the device model string.
func (c *HTTPClient) MachineType(ctx context.Context) (string, error) {
	var payload struct {
		Type string `json:"type"`
	}
	if err := c.getJSON(ctx, "/getmachinetype", nil, &payload); err != nil {
		return "", err
	}
	if payload.Type == "" {
		return "Unknown xTool", nil
	}
	return payload.Type, nil
}

// MAC returns the device MAC address, or "" if the firmware does not report one.
func (c *HTTPClient) MAC(ctx context.Context) (string, error) {
	var payload struct {
		MAC string `json:"mac"`
	}
	if err := c.getJSON(ctx, "/system", url.Values{"action": {"mac"}}, &payload); err != nil {
		return "", err
	}
	return payload.MAC, nil
}

// Progress returns the active job's progress report. The percent is clamped
// to [0,100].
func (c *HTTPClient) Progress(ctx context.Context) (ProgressReport, error) {
	var report ProgressReport
	if err := c.getJSON(ctx, "/progress", nil, &report); err != nil {
		return ProgressReport{}, err
	}

	if report.Progress < 0 {
		report.Progress = 0
	} else if report.Progress > 100 {
		report.Progress = 100
	}

	return report, nil
}

// WorkingState returns the raw working state code as a string. Firmware
// omitting the field means idle.
func (c *HTTPClient) WorkingState(ctx context.Context) (string, error) {
	var payload struct {
		Working string `json:"working"`
	}
	if err := c.getJSON(ctx, "/system", url.Values{"action": {"get_working_sta"}}, &payload); err != nil {
		return "", err
	}
	if payload.Working == "" {
		return WorkingStateIdle, nil
	}
	return payload.Working, nil
}

// PeripheralStatus returns the safety/peripheral flags.
func (c *HTTPClient) PeripheralStatus(ctx context.Context) (PeripheralStatus, error) {
	var status PeripheralStatus
	if err := c.getJSON(ctx, "/peripherystatus", nil, &status); err != nil {
		return PeripheralStatus{}, err
	}
	return status, nil
}

// Snapshot fetches the four read endpoints concurrently and combines them.
// Any single failure fails the whole snapshot; there is never a partial result.
func (c *HTTPClient) Snapshot(ctx context.Context) (*Snapshot, error) {
	var (
		progress ProgressReport
		working  string
		periph   PeripheralStatus
		machine  string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		progress, err = c.Progress(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		working, err = c.WorkingState(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		periph, err = c.PeripheralStatus(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		machine, err = c.MachineType(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Snapshot{
		Progress:          progress.Progress,
		WorkingMS:         progress.WorkingMS,
		Line:              progress.Line,
		WorkingState:      working,
		WorkingStateLabel: WorkingStateLabel(working),
		MachineType:       machine,
		Peripheral:        periph,
	}, nil
}

// cncAction runs one job control action via /cnc/data.
func (c *HTTPClient) cncAction(ctx context.Context, action string) error {
	var payload struct {
		Result string `json:"result"`
	}
	if err := c.getJSON(ctx, "/cnc/data", url.Values{"action": {action}}, &payload); err != nil {
		return err
	}
	if payload.Result != "ok" {
		return commErrorf("/cnc/data?action="+action, "unexpected result %q", payload.Result)
	}
	return nil
}

// Pause pauses the running job.
func (c *HTTPClient) Pause(ctx context.Context) error {
	return c.cncAction(ctx, "pause")
}

// Resume resumes a paused job.
func (c *HTTPClient) Resume(ctx context.Context) error {
	return c.cncAction(ctx, "resume")
}

// Stop aborts the running job.
func (c *HTTPClient) Stop(ctx context.Context) error {
	return c.cncAction(ctx, "stop")
}
