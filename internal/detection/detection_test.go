package detection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/metrics"
)

// scripted returns results in order and repeats the last one.
type scripted struct {
	results []Result
	calls   atomic.Int32
}

func (s *scripted) Probe(_ context.Context, t Target) Report {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.results) {
		n = len(s.results) - 1
	}
	return Report{NetID: t.NetID, Result: s.results[n], Method: "test"}
}

func newTestDetector(t *testing.T, p Prober) (*Detector, *clock.MockClock, *metrics.Registry) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := metrics.NewRegistry()
	d := New(p, Config{RecheckInterval: 10 * time.Second, ValidInterval: time.Minute},
		WithClock(clk), WithMetrics(reg), WithLogger(logging.Discard()))
	t.Cleanup(d.Close)
	return d, clk, reg
}

func recv(t *testing.T, ch <-chan Report) Report {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no report")
		return Report{}
	}
}

// waitPending waits for the probe goroutine to schedule its next run.
func waitPending(t *testing.T, clk *clock.MockClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return clk.Pending() == n }, 2*time.Second, time.Millisecond)
}

func TestDetector_Schedule(t *testing.T) {
	p := &scripted{results: []Result{ResultInvalid, ResultValid}}
	d, clk, reg := newTestDetector(t, p)

	ch := make(chan Report, 4)
	d.Start(101, "wlan0", func(r Report) { ch <- r })

	r := recv(t, ch)
	assert.Equal(t, int32(101), r.NetID)
	assert.Equal(t, ResultInvalid, r.Result)
	waitPending(t, clk, 1)

	// Not valid yet: rechecked after the short interval.
	clk.Advance(9 * time.Second)
	assert.Empty(t, ch)
	clk.Advance(time.Second)
	r = recv(t, ch)
	assert.True(t, r.Valid())
	waitPending(t, clk, 1)

	// Valid: nothing until the long interval.
	clk.Advance(30 * time.Second)
	assert.Empty(t, ch)
	clk.Advance(30 * time.Second)
	assert.True(t, recv(t, ch).Valid())

	last, ok := d.Last(101)
	require.True(t, ok)
	assert.Equal(t, ResultValid, last.Result)

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.DetectionResult.WithLabelValues("invalid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.DetectionResult.WithLabelValues("valid")))
}

func TestDetector_StopDiscards(t *testing.T) {
	release := make(chan struct{})
	p := ProberFunc(func(_ context.Context, t Target) Report {
		<-release
		return Report{Result: ResultValid}
	})
	d, clk, _ := newTestDetector(t, p)

	var got atomic.Int32
	d.Start(101, "wlan0", func(Report) { got.Add(1) })
	d.Stop(101)
	close(release)
	d.Close()

	assert.Zero(t, got.Load())
	assert.Zero(t, clk.Pending())
	_, ok := d.Last(101)
	assert.False(t, ok)
	assert.False(t, d.Trigger(101))
}

func TestDetector_Trigger(t *testing.T) {
	p := &scripted{results: []Result{ResultCaptivePortal}}
	hub := events.NewHub()
	sub := hub.Subscribe(4, events.EventDetection)

	clk := clock.NewMockClock(time.Now())
	d := New(p, Config{}, WithClock(clk), WithHub(hub), WithLogger(logging.Discard()))
	defer d.Close()

	ch := make(chan Report, 4)
	d.Start(7, "eth0", func(r Report) { ch <- r })
	recv(t, ch)
	waitPending(t, clk, 1)

	require.True(t, d.Trigger(7))
	assert.Equal(t, ResultCaptivePortal, recv(t, ch).Result)
	waitPending(t, clk, 1)
	assert.Equal(t, int32(2), p.calls.Load())

	e := <-sub
	data := e.Data.(events.DetectionData)
	assert.Equal(t, int32(7), data.NetID)
	assert.Equal(t, "captive_portal", data.Result)
}

func TestDetector_NilProber(t *testing.T) {
	d, _, _ := newTestDetector(t, nil)
	ch := make(chan Report, 1)
	d.Start(1, "eth0", func(r Report) { ch <- r })
	r := recv(t, ch)
	assert.True(t, r.Valid())
	assert.Equal(t, "none", r.Method)
}

func plainClient(int32) *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

func TestHTTPProber(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		result   Result
		redirect string
	}{
		{
			name:    "no content",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) },
			result:  ResultValid,
		},
		{
			name: "redirect",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Location", "http://portal.example/login")
				w.WriteHeader(http.StatusFound)
			},
			result:   ResultCaptivePortal,
			redirect: "http://portal.example/login",
		},
		{
			name:    "login page",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("<html>sign in</html>")) },
			result:  ResultCaptivePortal,
		},
		{
			name:    "empty ok",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
			result:  ResultValid,
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			result:  ResultInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p := &HTTPProber{URL: srv.URL, Timeout: time.Second, Client: plainClient}
			r := p.Probe(context.Background(), Target{NetID: 5})
			assert.Equal(t, tt.result, r.Result)
			assert.Equal(t, "http", r.Method)
			if tt.redirect != "" {
				assert.Equal(t, tt.redirect, r.RedirectURL)
			}
		})
	}
}

func TestHTTPProber_PingFallback(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	orig := PingFunc
	defer func() { PingFunc = orig }()

	var marks []int32
	PingFunc = func(_ context.Context, target string, mark int32, _ time.Duration) error {
		marks = append(marks, mark)
		if target == "1.1.1.1" {
			return nil
		}
		return errors.New("unreachable")
	}

	p := &HTTPProber{URL: url, PingTargets: []string{"10.255.255.1", "1.1.1.1"}, Timeout: time.Second, Client: plainClient}
	r := p.Probe(context.Background(), Target{NetID: 9})
	assert.Equal(t, ResultValid, r.Result)
	assert.Equal(t, "icmp", r.Method)
	assert.Equal(t, []int32{9, 9}, marks)

	p.PingTargets = []string{"10.255.255.1"}
	r = p.Probe(context.Background(), Target{NetID: 9})
	assert.Equal(t, ResultInvalid, r.Result)
}
