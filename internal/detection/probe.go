package detection

import (
	"context"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/netconn/internal/config"
	"grimm.is/netconn/internal/netd"
)

// PingFunc sends one echo request to target over the network with the given
// mark. Tests replace it.
var PingFunc = func(ctx context.Context, target string, mark int32, timeout time.Duration) error {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return err
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(false)
	if mark > 0 {
		pinger.SetMark(uint(mark))
	}
	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return context.DeadlineExceeded
	}
	return nil
}

// HTTPProber fetches a generate_204 style URL through the network under
// test. When the request cannot be made at all it falls back to ICMP.
type HTTPProber struct {
	URL         string
	PingTargets []string
	Timeout     time.Duration

	// Client returns the HTTP client for netID. The default marks every
	// socket it dials so the request leaves through that network.
	Client func(netID int32) *http.Client
}

// NewHTTPProber builds a prober from the detection config.
func NewHTTPProber(cfg *config.DetectionConfig) *HTTPProber {
	return &HTTPProber{
		URL:         cfg.HTTPURL,
		PingTargets: cfg.PingTargets,
		Timeout:     cfg.TimeoutDuration(),
	}
}

func (p *HTTPProber) client(netID int32) *http.Client {
	if p.Client != nil {
		return p.Client(netID)
	}
	dialer := &net.Dialer{
		Timeout: p.Timeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			var markErr error
			err := c.Control(func(fd uintptr) {
				markErr = netd.MarkSocket(int(fd), netID)
			})
			if err != nil {
				return err
			}
			return markErr
		},
	}
	return &http.Client{
		Timeout: p.Timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, t Target) Report {
	rep := Report{NetID: t.NetID, Method: "http"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		rep.Result = ResultInvalid
		return rep
	}
	resp, err := p.client(t.NetID).Do(req)
	if err != nil {
		return p.ping(ctx, t)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		rep.Result = ResultValid
	case resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != "":
		rep.Result = ResultCaptivePortal
		rep.RedirectURL = resp.Header.Get("Location")
	case resp.StatusCode == http.StatusOK:
		// A 200 with a body is a login page served in place of the 204.
		n, _ := io.CopyN(io.Discard, resp.Body, 1)
		if n > 0 {
			rep.Result = ResultCaptivePortal
			rep.RedirectURL = p.URL
		} else {
			rep.Result = ResultValid
		}
	default:
		rep.Result = ResultInvalid
	}
	return rep
}

func (p *HTTPProber) ping(ctx context.Context, t Target) Report {
	rep := Report{NetID: t.NetID, Method: "icmp", Result: ResultInvalid}
	for _, target := range p.PingTargets {
		if err := PingFunc(ctx, target, t.NetID, p.Timeout); err == nil {
			rep.Result = ResultValid
			return rep
		}
	}
	return rep
}

// FromConfig returns the detector configuration and prober described by cfg.
// Disabled detection yields AlwaysValid.
func FromConfig(cfg *config.DetectionConfig) (Config, Prober) {
	c := Config{
		Timeout:         cfg.TimeoutDuration(),
		RecheckInterval: cfg.RecheckDuration(),
		ValidInterval:   cfg.ValidDuration(),
	}
	if !cfg.DetectionEnabled() {
		return c, AlwaysValid
	}
	return c, NewHTTPProber(cfg)
}
