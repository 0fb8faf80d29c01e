package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/paths"
	"tools.zach/dev/bumpmate/internal/remote"
)

// newClient returns a retrying HTTP client with logging disabled.
func newClient(retryMax int, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 4 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return client
}

// do sends req and treats any non-2xx status as an error.
func do(client *retryablehttp.Client, req *retryablehttp.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.StatusCode)
	}
	return nil
}

// ///////////////////////////////////////////////
// Stopper
// ///////////////////////////////////////////////

// Stopper sends the out-of-band stop notification. The worker treats it as
// idempotent, so repeating it is always safe.
type Stopper struct {
	base string
	// client retries with backoff; used by the stop procedure.
	client *retryablehttp.Client
	// once makes a single short attempt; used during teardown.
	once *retryablehttp.Client
}

// NewStopper creates a stopper for the worker at base. retryMax bounds the
// background retries of [Stopper.Notify].
func NewStopper(base string, retryMax int, timeout time.Duration) *Stopper {
	quick := timeout
	if quick > 2*time.Second || quick <= 0 {
		quick = 2 * time.Second
	}
	return &Stopper{
		base:   base,
		client: newClient(retryMax, timeout),
		once:   newClient(0, quick),
	}
}

// Notify tells the worker to abandon any action for uid, retrying failed
// attempts with backoff up to the configured bound.
func (s *Stopper) Notify(ctx context.Context, uid string) error {
	return s.send(ctx, s.client, uid)
}

// NotifyOnce makes a single short attempt. Used when the host is going away
// and nobody will be around to see a retry.
func (s *Stopper) NotifyOnce(ctx context.Context, uid string) error {
	return s.send(ctx, s.once, uid)
}

func (s *Stopper) send(ctx context.Context, client *retryablehttp.Client, uid string) error {
	url := remote.Join(s.base, paths.StopTask(uid))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build stop request: %w", err)
	}
	return do(client, req)
}

// ///////////////////////////////////////////////
// Launcher
// ///////////////////////////////////////////////

// Task is the body of a task launch request.
type Task struct {
	RunID              string   `json:"runId"`
	UID                string   `json:"uid"`
	Username           string   `json:"username"`
	PageURL            string   `json:"pageUrl"`
	Cookies            string   `json:"cookies,omitempty"`
	Delay              int      `json:"delay"`
	DiscountPercentage int      `json:"discountPercentage"`
	BumpFromBottom     bool     `json:"bumpFromBottom"`
	Exceptions         []string `json:"exceptionList"`
}

// Launcher asks the worker to begin executing an action.
type Launcher struct {
	base   string
	client *retryablehttp.Client
}

// NewLauncher creates a launcher for the worker at base.
func NewLauncher(base string, timeout time.Duration) *Launcher {
	return &Launcher{base: base, client: newClient(1, timeout)}
}

// Launch posts task for kind. The worker starts streaming progress on the
// channel registered under task.Username.
func (l *Launcher) Launch(ctx context.Context, kind action.Kind, task Task) error {
	if task.Exceptions == nil {
		task.Exceptions = []string{}
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	url := remote.Join(l.base, paths.Task(kind.String()))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build launch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(l.client, req)
}
