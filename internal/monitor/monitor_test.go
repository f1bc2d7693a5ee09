package monitor

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
)

type fakeSource struct {
	initial []Update
	ch      chan<- Update
	ready   chan struct{}
}

func newFakeSource(initial ...Update) *fakeSource {
	return &fakeSource{initial: initial, ready: make(chan struct{})}
}

func (f *fakeSource) List() ([]Update, error) { return f.initial, nil }

func (f *fakeSource) Subscribe(_ context.Context, ch chan<- Update) error {
	f.ch = ch
	close(f.ready)
	return nil
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) types() []ChangeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeType, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Type)
	}
	return out
}

func TestMonitor_Handle(t *testing.T) {
	m := New(newFakeSource(), WithLogger(logging.Discard()), WithSpeed(func(string) uint32 { return 1000 }))
	rec := &recorder{}
	m.OnChange(rec.add)

	m.Handle(Update{Iface: "wlan0", Index: 3, Up: false})
	m.Handle(Update{Iface: "wlan0", Index: 3, Up: false})
	m.Handle(Update{Iface: "wlan0", Index: 3, Up: true})
	m.Handle(Update{Iface: "wlan0", Index: 3, Up: true})
	m.Handle(Update{Iface: "wlan0", Index: 3, Addr: true, Address: netip.MustParsePrefix("192.168.1.20/24")})
	m.Handle(Update{Iface: "wlan0", Index: 3, Up: false})
	m.Handle(Update{Iface: "wlan0", Index: 3, Removed: true})
	m.Handle(Update{Iface: "wlan0", Index: 3, Removed: true})

	assert.Equal(t, []ChangeType{LinkAdded, LinkUp, AddrAdded, LinkDown, LinkRemoved}, rec.types())
	assert.Equal(t, uint32(1000), rec.changes[1].SpeedMbps)
	assert.Equal(t, "192.168.1.20/24", rec.changes[2].Address.String())
	assert.Empty(t, m.Links())
}

func TestMonitor_StartStop(t *testing.T) {
	hub := events.NewHub()
	sub := hub.Subscribe(16, events.EventLinkChange)

	src := newFakeSource(
		Update{Iface: "eth0", Index: 2, Up: true},
		Update{Iface: "wlan0", Index: 3},
	)
	m := New(src, WithHub(hub), WithLogger(logging.Discard()))
	rec := &recorder{}
	m.OnChange(rec.add)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"eth0", "wlan0"}, m.Links())
	assert.True(t, m.IsUp("eth0"))
	assert.False(t, m.IsUp("wlan0"))

	<-src.ready
	src.ch <- Update{Iface: "wlan0", Index: 3, Up: true}
	require.Eventually(t, func() bool { return m.IsUp("wlan0") }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	assert.Equal(t, []ChangeType{LinkAdded, LinkUp, LinkAdded, LinkUp}, rec.types())

	// eth0 added, eth0 up, wlan0 added, wlan0 up.
	var got []events.LinkChangeData
	for len(got) < 4 {
		select {
		case e := <-sub:
			got = append(got, e.Data.(events.LinkChangeData))
		case <-time.After(time.Second):
			t.Fatalf("only %d link events", len(got))
		}
	}
	assert.Equal(t, "wlan0", got[3].Iface)
	assert.True(t, got[3].Up)
}
