package netd

import (
	"fmt"
	"net"
	"net/netip"
	"net/rpc"
	"strings"
	"sync"

	"grimm.is/netconn/internal/errors"
)

// Client talks to the daemon over its unix socket and reconnects after the
// daemon restarts. It implements Controller.
type Client struct {
	mu     sync.RWMutex
	client *rpc.Client
	dial   func() (net.Conn, error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer replaces the unix socket dialer.
func WithDialer(dial func() (net.Conn, error)) ClientOption {
	return func(c *Client) { c.dial = dial }
}

var _ Controller = (*Client)(nil)

// NewClient connects to the daemon at socketPath.
func NewClient(socketPath string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		dial: func() (net.Conn, error) { return net.Dial("unix", socketPath) },
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.reconnect(nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// call wraps the RPC call with reconnection logic.
func (c *Client) call(method string, args, reply any) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		if err := c.reconnect(nil); err != nil {
			return err
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
	}

	serviceMethod := ServiceName + "." + method
	err := client.Call(serviceMethod, args, reply)
	if err != nil && (err == rpc.ErrShutdown || isNetworkError(err)) {
		// Pass the failed client so concurrent callers reconnect only once.
		if recErr := c.reconnect(client); recErr != nil {
			return recErr
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
		err = client.Call(serviceMethod, args, reply)
	}
	return wrapCallError(method, err)
}

func wrapCallError(method string, err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(rpc.ServerError); ok {
		return errors.Errorf(errors.KindInternal, "netd %s: %s", method, string(se))
	}
	if err == rpc.ErrShutdown || isNetworkError(err) {
		return fmt.Errorf("netd %s: %w: %v", method, errors.ErrDaemonUnavailable, err)
	}
	return errors.Wrapf(err, errors.KindInternal, "netd %s", method)
}

func (c *Client) reconnect(oldClient *rpc.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != oldClient && c.client != nil {
		return nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("connect to netd: %w: %v", errors.ErrDaemonUnavailable, err)
	}
	c.client = rpc.NewClient(conn)
	return nil
}

func isNetworkError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection is shut down") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "bad file descriptor") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "io: read/write on closed pipe")
}

func (c *Client) NetworkCreatePhysical(netID int32, perm Permission) error {
	return c.call("NetworkCreatePhysical", &CreateArgs{NetID: netID, Perm: perm}, &Empty{})
}

func (c *Client) NetworkDestroy(netID int32) error {
	return c.call("NetworkDestroy", &NetIDArgs{NetID: netID}, &Empty{})
}

func (c *Client) NetworkAddInterface(netID int32, iface string) error {
	return c.call("NetworkAddInterface", &IfaceArgs{NetID: netID, Iface: iface}, &Empty{})
}

func (c *Client) NetworkRemoveInterface(netID int32, iface string) error {
	return c.call("NetworkRemoveInterface", &IfaceArgs{NetID: netID, Iface: iface}, &Empty{})
}

func (c *Client) NetworkAddRoute(netID int32, route Route) error {
	return c.call("NetworkAddRoute", &RouteArgs{NetID: netID, Route: route}, &Empty{})
}

func (c *Client) NetworkRemoveRoute(netID int32, route Route) error {
	return c.call("NetworkRemoveRoute", &RouteArgs{NetID: netID, Route: route}, &Empty{})
}

func (c *Client) SetResolverConfig(netID int32, cfg ResolverConfig) error {
	return c.call("SetResolverConfig", &ResolverArgs{NetID: netID, Config: cfg}, &Empty{})
}

func (c *Client) GetResolverConfig(netID int32) (ResolverConfig, error) {
	var reply ResolverReply
	err := c.call("GetResolverConfig", &NetIDArgs{NetID: netID}, &reply)
	return reply.Config, err
}

func (c *Client) CreateNetworkCache(netID int32) error {
	return c.call("CreateNetworkCache", &NetIDArgs{NetID: netID}, &Empty{})
}

func (c *Client) FlushNetworkCache(netID int32) error {
	return c.call("FlushNetworkCache", &NetIDArgs{NetID: netID}, &Empty{})
}

func (c *Client) DestroyNetworkCache(netID int32) error {
	return c.call("DestroyNetworkCache", &NetIDArgs{NetID: netID}, &Empty{})
}

func (c *Client) GetAddrInfo(netID int32, host string) ([]netip.Addr, error) {
	var reply AddrInfoReply
	if err := c.call("GetAddrInfo", &AddrInfoArgs{NetID: netID, Host: host}, &reply); err != nil {
		return nil, err
	}
	return reply.Addrs, nil
}

func (c *Client) SetInterfaceMTU(iface string, mtu int) error {
	return c.call("SetInterfaceMTU", &MTUArgs{Iface: iface, MTU: mtu}, &Empty{})
}

func (c *Client) GetInterfaceMTU(iface string) (int, error) {
	var reply MTUReply
	err := c.call("GetInterfaceMTU", &IfaceArgs{Iface: iface}, &reply)
	return reply.MTU, err
}

func (c *Client) InterfaceAddAddress(iface string, addr netip.Prefix) error {
	return c.call("InterfaceAddAddress", &AddressArgs{Iface: iface, Addr: addr}, &Empty{})
}

func (c *Client) InterfaceDelAddress(iface string, addr netip.Prefix) error {
	return c.call("InterfaceDelAddress", &AddressArgs{Iface: iface, Addr: addr}, &Empty{})
}

func (c *Client) StartDHCPClient(iface string) error {
	return c.call("StartDHCPClient", &IfaceArgs{Iface: iface}, &Empty{})
}

func (c *Client) StopDHCPClient(iface string) error {
	return c.call("StopDHCPClient", &IfaceArgs{Iface: iface}, &Empty{})
}

func (c *Client) GetDHCPLease(iface string) (DHCPLease, error) {
	var reply LeaseReply
	err := c.call("GetDHCPLease", &IfaceArgs{Iface: iface}, &reply)
	return reply.Lease, err
}

func (c *Client) StartDHCPService(iface string, cfg DHCPServiceConfig) error {
	return c.call("StartDHCPService", &DHCPServiceArgs{Iface: iface, Config: cfg}, &Empty{})
}

func (c *Client) StopDHCPService(iface string) error {
	return c.call("StopDHCPService", &IfaceArgs{Iface: iface}, &Empty{})
}

func (c *Client) SetDefaultNetwork(netID int32) error {
	return c.call("SetDefaultNetwork", &NetIDArgs{NetID: netID}, &Empty{})
}

func (c *Client) ClearDefaultNetwork() error {
	return c.call("ClearDefaultNetwork", &Empty{}, &Empty{})
}

func (c *Client) GetDefaultNetwork() (int32, error) {
	var reply NetIDReply
	err := c.call("GetDefaultNetwork", &Empty{}, &reply)
	return reply.NetID, err
}

// BindSocket checks netID with the daemon and marks fd in this process; file
// descriptors do not cross the socket.
func (c *Client) BindSocket(fd int, netID int32) error {
	var reply BoolReply
	if err := c.call("NetworkExists", &NetIDArgs{NetID: netID}, &reply); err != nil {
		return err
	}
	if !reply.Value {
		return fmt.Errorf("net %d: %w", netID, errors.ErrNetworkNotFound)
	}
	return MarkSocket(fd, netID)
}

func (c *Client) GetInterfaceNames() ([]string, error) {
	var reply NamesReply
	if err := c.call("GetInterfaceNames", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Names, nil
}

func (c *Client) GetIfaceStats(iface string) (TrafficStats, error) {
	var reply StatsReply
	err := c.call("GetIfaceStats", &IfaceArgs{Iface: iface}, &reply)
	return reply.Stats, err
}

func (c *Client) GetUIDStats(uid uint32, iface string) (TrafficStats, error) {
	var reply StatsReply
	err := c.call("GetUIDStats", &StatsArgs{UID: uid, Iface: iface}, &reply)
	return reply.Stats, err
}

// Ping round-trips to the daemon.
func (c *Client) Ping() error {
	return c.call("Ping", &Empty{}, &Empty{})
}

// Alive reports whether the daemon answers.
func (c *Client) Alive() bool {
	return c.Ping() == nil
}
