//go:build linux

package netd

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
)

// NClientRunner runs one nclient4 DORA/renew loop per interface.
type NClientRunner struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	logger  *logging.Logger
}

// NewDHCPClientRunner returns the platform DHCP client.
func NewDHCPClientRunner(logger *logging.Logger) DHCPClientRunner {
	return &NClientRunner{
		cancels: make(map[string]context.CancelFunc),
		logger:  logging.OrDefault(logger).WithComponent("dhcp-client"),
	}
}

// Start begins acquiring a lease on iface. Starting twice is a no-op.
func (r *NClientRunner) Start(iface string, onLease func(DHCPLease)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancels[iface]; ok {
		return nil
	}

	client, err := nclient4.New(iface)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "dhcp client on %s", iface)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[iface] = cancel
	go r.loop(ctx, client, iface, onLease)
	return nil
}

// Stop ends the loop on iface and releases the lease.
func (r *NClientRunner) Stop(iface string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[iface]; ok {
		cancel()
		delete(r.cancels, iface)
	}
	return nil
}

func (r *NClientRunner) loop(ctx context.Context, client *nclient4.Client, iface string, onLease func(DHCPLease)) {
	defer client.Close()

	var lease *nclient4.Lease
	backoff := 2 * time.Second

	for {
		var err error
		if lease == nil {
			lease, err = client.Request(ctx)
		} else {
			lease, err = client.Renew(ctx, lease)
		}
		if ctx.Err() != nil {
			if lease != nil {
				_ = client.Release(lease)
			}
			return
		}
		if err != nil {
			r.logger.Warn("dhcp exchange failed", "iface", iface, "error", err, "retry_in", backoff)
			lease = nil
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 2*time.Minute)
			continue
		}
		backoff = 2 * time.Second

		l, err := leaseFromACK(iface, lease.ACK, time.Now())
		if err != nil {
			r.logger.Warn("unusable dhcp ack", "iface", iface, "error", err)
		} else {
			r.logger.Info("dhcp lease", "iface", iface, "addr", l.Address, "router", l.Router, "lease", l.LeaseTime)
			onLease(l)
		}

		t1 := lease.ACK.IPAddressRenewalTime(0)
		if t1 <= 0 {
			t1 = lease.ACK.IPAddressLeaseTime(defaultLeaseTime) / 2
		}
		if !sleep(ctx, t1) {
			_ = client.Release(lease)
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Server4Runner serves leases with server4.
type Server4Runner struct {
	mu      sync.Mutex
	servers map[string]*server4.Server
	logger  *logging.Logger
}

// NewDHCPServerRunner returns the platform DHCP server.
func NewDHCPServerRunner(logger *logging.Logger) DHCPServerRunner {
	return &Server4Runner{
		servers: make(map[string]*server4.Server),
		logger:  logging.OrDefault(logger).WithComponent("dhcp-server"),
	}
}

// Start serves cfg on iface, replacing any running server there.
func (r *Server4Runner) Start(iface string, cfg DHCPServiceConfig) error {
	pool, err := newLeasePool(cfg)
	if err != nil {
		return err
	}

	handler := func(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
		resp, err := pool.reply(m)
		if err != nil {
			r.logger.Warn("dhcp reply failed", "iface", iface, "mac", m.ClientHWAddr, "error", err)
			return
		}
		if resp == nil {
			return
		}
		// Clients without an address only hear broadcasts.
		dst := peer
		if up, ok := peer.(*net.UDPAddr); ok && (up.IP == nil || up.IP.IsUnspecified()) {
			dst = &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
		}
		if _, err := conn.WriteTo(resp.ToBytes(), dst); err != nil {
			r.logger.Warn("dhcp send failed", "iface", iface, "error", err)
		}
	}

	srv, err := server4.NewServer(iface, &net.UDPAddr{IP: net.IPv4zero, Port: dhcpv4.ServerPort}, handler)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "dhcp server on %s", iface)
	}

	r.mu.Lock()
	if old, ok := r.servers[iface]; ok {
		_ = old.Close()
	}
	r.servers[iface] = srv
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(); err != nil {
			r.logger.Debug("dhcp server exited", "iface", iface, "error", err)
		}
	}()
	r.logger.Info("dhcp server started", "iface", iface, "range_start", cfg.RangeStart, "range_end", cfg.RangeEnd)
	return nil
}

// Stop shuts down the server on iface. Stopping an idle interface is a no-op.
func (r *Server4Runner) Stop(iface string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if srv, ok := r.servers[iface]; ok {
		delete(r.servers, iface)
		return srv.Close()
	}
	return nil
}
