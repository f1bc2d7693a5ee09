package netd

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/netconn/internal/errors"
)

const defaultLeaseTime = 12 * time.Hour

// DHCPClientRunner acquires and renews leases on interfaces.
type DHCPClientRunner interface {
	Start(iface string, onLease func(DHCPLease)) error
	Stop(iface string) error
}

// DHCPServerRunner serves leases on tethering interfaces.
type DHCPServerRunner interface {
	Start(iface string, cfg DHCPServiceConfig) error
	Stop(iface string) error
}

// leaseFromACK converts a DHCPACK into a DHCPLease.
func leaseFromACK(iface string, ack *dhcpv4.DHCPv4, now time.Time) (DHCPLease, error) {
	ip, ok := netip.AddrFromSlice(ack.YourIPAddr.To4())
	if !ok || ip.IsUnspecified() {
		return DHCPLease{}, errors.Errorf(errors.KindValidation, "ack on %s carries no address", iface)
	}

	bits := 24
	if mask := ack.SubnetMask(); mask != nil {
		bits, _ = mask.Size()
	}

	lease := DHCPLease{
		Iface:      iface,
		Address:    netip.PrefixFrom(ip, bits),
		LeaseTime:  ack.IPAddressLeaseTime(defaultLeaseTime),
		ObtainedAt: now,
	}
	if routers := ack.Router(); len(routers) > 0 {
		lease.Router, _ = netip.AddrFromSlice(routers[0].To4())
	}
	for _, d := range ack.DNS() {
		if a, ok := netip.AddrFromSlice(d.To4()); ok {
			lease.DNS = append(lease.DNS, a)
		}
	}
	if sid := ack.ServerIdentifier(); sid != nil {
		lease.ServerID, _ = netip.AddrFromSlice(sid.To4())
	}
	return lease, nil
}

// leasePool hands out addresses from [RangeStart, RangeEnd] and builds the
// server replies. It has no socket so it can be driven directly.
type leasePool struct {
	mu    sync.Mutex
	cfg   DHCPServiceConfig
	byMAC map[string]netip.Addr
	owner map[netip.Addr]string
}

func newLeasePool(cfg DHCPServiceConfig) (*leasePool, error) {
	if !cfg.ServerAddr.IsValid() || !cfg.ServerAddr.Addr().Is4() {
		return nil, errors.Errorf(errors.KindValidation, "dhcp server address %v must be IPv4", cfg.ServerAddr)
	}
	if !cfg.RangeStart.Is4() || !cfg.RangeEnd.Is4() || cfg.RangeEnd.Less(cfg.RangeStart) {
		return nil, errors.Errorf(errors.KindValidation, "invalid dhcp range %v-%v", cfg.RangeStart, cfg.RangeEnd)
	}
	if !cfg.ServerAddr.Contains(cfg.RangeStart) || !cfg.ServerAddr.Contains(cfg.RangeEnd) {
		return nil, errors.Errorf(errors.KindValidation, "dhcp range outside %v", cfg.ServerAddr.Masked())
	}
	if cfg.LeaseTime <= 0 {
		cfg.LeaseTime = defaultLeaseTime
	}
	return &leasePool{
		cfg:   cfg,
		byMAC: make(map[string]netip.Addr),
		owner: make(map[netip.Addr]string),
	}, nil
}

func (p *leasePool) inRange(a netip.Addr) bool {
	return a.IsValid() && !a.Less(p.cfg.RangeStart) && !p.cfg.RangeEnd.Less(a) && a != p.cfg.ServerAddr.Addr()
}

// allocate returns the address bound to mac, the requested one if free, or
// the lowest free address.
func (p *leasePool) allocate(mac string, requested netip.Addr) (netip.Addr, error) {
	if a, ok := p.byMAC[mac]; ok {
		return a, nil
	}
	take := func(a netip.Addr) netip.Addr {
		p.byMAC[mac] = a
		p.owner[a] = mac
		return a
	}
	if p.inRange(requested) {
		if _, used := p.owner[requested]; !used {
			return take(requested), nil
		}
	}
	for a := p.cfg.RangeStart; p.inRange(a) || a == p.cfg.ServerAddr.Addr(); a = a.Next() {
		if a == p.cfg.ServerAddr.Addr() {
			continue
		}
		if _, used := p.owner[a]; !used {
			return take(a), nil
		}
	}
	return netip.Addr{}, errors.Errorf(errors.KindUnavailable, "dhcp pool exhausted")
}

func (p *leasePool) release(mac string) {
	if a, ok := p.byMAC[mac]; ok {
		delete(p.owner, a)
		delete(p.byMAC, mac)
	}
}

// reply builds the answer to req. A nil reply means the message is ignored.
func (p *leasePool) reply(req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mac := req.ClientHWAddr.String()
	serverIP := net.IP(p.cfg.ServerAddr.Addr().AsSlice())
	requested, _ := netip.AddrFromSlice(req.RequestedIPAddress().To4())
	if !requested.IsValid() {
		requested, _ = netip.AddrFromSlice(req.ClientIPAddr.To4())
	}
	if requested.IsValid() && requested.IsUnspecified() {
		requested = netip.Addr{}
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		ip, err := p.allocate(mac, requested)
		if err != nil {
			return nil, err
		}
		return dhcpv4.NewReplyFromRequest(req, p.modifiers(dhcpv4.MessageTypeOffer, ip, serverIP)...)

	case dhcpv4.MessageTypeRequest:
		if sid := req.ServerIdentifier(); sid != nil && !sid.Equal(serverIP) {
			// Client picked another server.
			p.release(mac)
			return nil, nil
		}
		bound, err := p.allocate(mac, requested)
		if err != nil || (requested.IsValid() && bound != requested) {
			return dhcpv4.NewReplyFromRequest(req,
				dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
				dhcpv4.WithServerIP(serverIP),
				dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverIP)),
			)
		}
		return dhcpv4.NewReplyFromRequest(req, p.modifiers(dhcpv4.MessageTypeAck, bound, serverIP)...)

	case dhcpv4.MessageTypeRelease, dhcpv4.MessageTypeDecline:
		p.release(mac)
	}
	return nil, nil
}

func (p *leasePool) modifiers(mt dhcpv4.MessageType, ip netip.Addr, serverIP net.IP) []dhcpv4.Modifier {
	dns := make([]net.IP, 0, len(p.cfg.DNS))
	for _, d := range p.cfg.DNS {
		dns = append(dns, net.IP(d.AsSlice()))
	}
	if len(dns) == 0 {
		dns = append(dns, serverIP)
	}
	return []dhcpv4.Modifier{
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithYourIP(net.IP(ip.AsSlice())),
		dhcpv4.WithServerIP(serverIP),
		dhcpv4.WithRouter(serverIP),
		dhcpv4.WithNetmask(net.CIDRMask(p.cfg.ServerAddr.Bits(), 32)),
		dhcpv4.WithDNS(dns...),
		dhcpv4.WithLeaseTime(uint32(p.cfg.LeaseTime.Seconds())),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverIP)),
	}
}
