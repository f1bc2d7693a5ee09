// Package monitor watches kernel link state and reports interface changes.
package monitor

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
)

// ChangeType identifies what happened to an interface.
type ChangeType string

const (
	LinkAdded   ChangeType = "link_added"
	LinkRemoved ChangeType = "link_removed"
	LinkUp      ChangeType = "link_up"
	LinkDown    ChangeType = "link_down"
	AddrAdded   ChangeType = "addr_added"
	AddrRemoved ChangeType = "addr_removed"
)

// Update is a raw notification from a Source. Link updates carry Up; address
// updates carry Address.
type Update struct {
	Iface   string
	Index   int
	Up      bool
	Removed bool
	Address netip.Prefix
	Addr    bool
}

// Change is a deduplicated interface change delivered to callbacks.
type Change struct {
	Iface     string
	Index     int
	Type      ChangeType
	Address   netip.Prefix
	SpeedMbps uint32
}

// Source produces link and address updates.
type Source interface {
	// List returns the current links as updates.
	List() ([]Update, error)
	// Subscribe delivers updates on ch until ctx is done.
	Subscribe(ctx context.Context, ch chan<- Update) error
}

// SpeedFunc returns the link speed of iface in Mb/s, or 0 when unknown.
type SpeedFunc func(iface string) uint32

type linkState struct {
	index int
	up    bool
}

// Monitor tracks link state and notifies callbacks of changes.
type Monitor struct {
	src    Source
	speed  SpeedFunc
	hub    *events.Hub
	logger *logging.Logger

	mu        sync.RWMutex
	links     map[string]linkState
	callbacks []func(Change)
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSpeed sets the link speed probe used on link up.
func WithSpeed(f SpeedFunc) Option { return func(m *Monitor) { m.speed = f } }

// WithHub publishes link changes on hub.
func WithHub(hub *events.Hub) Option { return func(m *Monitor) { m.hub = hub } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(m *Monitor) { m.logger = l } }

// New creates a monitor over src.
func New(src Source, opts ...Option) *Monitor {
	m := &Monitor{
		src:   src,
		links: make(map[string]linkState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).WithComponent("monitor")
	return m
}

// OnChange registers a callback for interface changes.
func (m *Monitor) OnChange(callback func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Start seeds the link table and begins watching. Existing links are reported
// as LinkAdded.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	initial, err := m.src.List()
	if err != nil {
		m.logger.Warn("could not list links", "error", err)
	}
	for _, u := range initial {
		m.Handle(u)
	}

	updates := make(chan Update, 64)
	if err := m.src.Subscribe(ctx, updates); err != nil {
		cancel()
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		return err
	}

	go m.run(ctx, updates)
	m.logger.Info("started link monitoring", "links", len(initial))
	return nil
}

// Stop stops watching and waits for the update loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("stopped link monitoring")
}

func (m *Monitor) run(ctx context.Context, updates <-chan Update) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			m.Handle(u)
		}
	}
}

// Handle applies one update and fires callbacks for every resulting change.
func (m *Monitor) Handle(u Update) {
	var changes []Change

	m.mu.Lock()
	prev, known := m.links[u.Iface]
	switch {
	case u.Addr:
		t := AddrAdded
		if u.Removed {
			t = AddrRemoved
		}
		changes = append(changes, Change{Iface: u.Iface, Index: u.Index, Type: t, Address: u.Address})
	case u.Removed:
		if known {
			delete(m.links, u.Iface)
			changes = append(changes, Change{Iface: u.Iface, Index: u.Index, Type: LinkRemoved})
		}
	default:
		m.links[u.Iface] = linkState{index: u.Index, up: u.Up}
		if !known {
			changes = append(changes, Change{Iface: u.Iface, Index: u.Index, Type: LinkAdded})
		}
		if u.Up && (!known || !prev.up) {
			changes = append(changes, Change{Iface: u.Iface, Index: u.Index, Type: LinkUp})
		} else if !u.Up && known && prev.up {
			changes = append(changes, Change{Iface: u.Iface, Index: u.Index, Type: LinkDown})
		}
	}
	callbacks := append([]func(Change){}, m.callbacks...)
	m.mu.Unlock()

	for _, c := range changes {
		if c.Type == LinkUp && m.speed != nil {
			c.SpeedMbps = m.speed(c.Iface)
		}
		m.logger.Debug("interface change", "iface", c.Iface, "type", string(c.Type))
		m.publish(c)
		for _, cb := range callbacks {
			cb(c)
		}
	}
}

func (m *Monitor) publish(c Change) {
	switch c.Type {
	case LinkAdded, LinkRemoved, LinkUp, LinkDown:
		m.hub.EmitLinkChange(events.LinkChangeData{
			Iface:     c.Iface,
			Index:     c.Index,
			Up:        c.Type == LinkUp,
			Removed:   c.Type == LinkRemoved,
			SpeedMbps: c.SpeedMbps,
		})
	}
}

// IsUp reports the last known state of iface.
func (m *Monitor) IsUp(iface string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[iface].up
}

// Links returns the known interface names, sorted.
func (m *Monitor) Links() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.links))
	for name := range m.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
