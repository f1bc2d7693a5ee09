//go:build linux

package monitor

import (
	"context"
	"math"
	"net"
	"net/netip"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/netconn/internal/errors"
)

// NetlinkSource reads link and address updates from rtnetlink.
type NetlinkSource struct{}

// NewNetlinkSource returns the kernel update source.
func NewNetlinkSource() Source {
	return &NetlinkSource{}
}

func linkUpdate(link netlink.Link, removed bool) Update {
	attrs := link.Attrs()
	return Update{
		Iface:   attrs.Name,
		Index:   attrs.Index,
		Up:      attrs.Flags&net.FlagUp != 0 && attrs.RawFlags&unix.IFF_LOWER_UP != 0,
		Removed: removed,
	}
}

// List returns the current non-loopback links.
func (s *NetlinkSource) List() ([]Update, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "list links")
	}
	out := make([]Update, 0, len(links))
	for _, l := range links {
		if l.Attrs().Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, linkUpdate(l, false))
	}
	return out, nil
}

// Subscribe starts forwarding updates to ch until ctx is done. Address
// updates are optional; link updates are not.
func (s *NetlinkSource) Subscribe(ctx context.Context, ch chan<- Update) error {
	linkCh := make(chan netlink.LinkUpdate, 64)
	if err := netlink.LinkSubscribe(linkCh, ctx.Done()); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "subscribe to link updates")
	}
	addrCh := make(chan netlink.AddrUpdate, 64)
	if err := netlink.AddrSubscribe(addrCh, ctx.Done()); err != nil {
		addrCh = nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-linkCh:
				if !ok {
					return
				}
				if u.Link == nil || u.Link.Attrs().Flags&net.FlagLoopback != 0 {
					continue
				}
				forward(ctx, ch, linkUpdate(u.Link, u.Header.Type == unix.RTM_DELLINK))
			case u, ok := <-addrCh:
				if !ok {
					addrCh = nil
					continue
				}
				link, err := netlink.LinkByIndex(u.LinkIndex)
				if err != nil {
					continue
				}
				addr, _ := netip.AddrFromSlice(u.LinkAddress.IP)
				ones, _ := u.LinkAddress.Mask.Size()
				forward(ctx, ch, Update{
					Iface:   link.Attrs().Name,
					Index:   u.LinkIndex,
					Addr:    true,
					Removed: !u.NewAddr,
					Address: netip.PrefixFrom(addr.Unmap(), ones),
				})
			}
		}
	}()
	return nil
}

func forward(ctx context.Context, ch chan<- Update, u Update) {
	select {
	case ch <- u:
	case <-ctx.Done():
	}
}

// EthtoolSpeed reads the negotiated speed of iface. Virtual links report 0.
func EthtoolSpeed(iface string) uint32 {
	h, err := ethtool.NewEthtool()
	if err != nil {
		return 0
	}
	defer h.Close()

	settings, err := h.GetLinkSettings(iface)
	if err != nil || settings.Speed == math.MaxUint32 {
		return 0
	}
	return settings.Speed
}
