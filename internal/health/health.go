// Package health probes a backend's HTTP health endpoint.
package health

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Status is the coarse health of a supervised backend.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopping  Status = "stopping"
	StatusUnknown   Status = "unknown"
)

// HealthStatus is the most recent health observation.
type HealthStatus struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Probe issues single health requests. The zero value uses a private client
// without keep-alives so probes never share connections with other traffic.
type Probe struct {
	Client *http.Client
}

var probeClient = &http.Client{
	Transport:     &http.Transport{DisableKeepAlives: true, Proxy: nil},
	CheckRedirect: noRedirect,
}

// A redirect answer counts as the probe's result, not a hop to follow.
func noRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

// Check performs one GET against url bounded by timeout and reports whether
// it answered 2xx. Any failure yields false.
func (p Probe) Check(ctx context.Context, url string, timeout time.Duration) bool {
	ok, _ := p.check(ctx, url, timeout)
	return ok
}

// Observe is Check returning a HealthStatus with a short reason on failure.
func (p Probe) Observe(ctx context.Context, url string, timeout time.Duration) HealthStatus {
	ok, msg := p.check(ctx, url, timeout)
	st := HealthStatus{Status: StatusHealthy, CheckedAt: time.Now()}
	if !ok {
		st.Status = StatusUnhealthy
		st.Message = msg
	}
	return st
}

func (p Probe) check(ctx context.Context, url string, timeout time.Duration) (bool, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	c := p.Client
	if c == nil {
		c = probeClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, resp.Status
	}
	return true, ""
}
