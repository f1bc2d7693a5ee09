package netd

import (
	"context"
	"net"
	"net/netip"
	"net/rpc"
	"os"
	"sync"
	"time"

	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/metrics"
)

// ServiceName is the net/rpc name the daemon registers under.
const ServiceName = "Netd"

// Empty is used for calls without arguments or results.
type Empty struct{}

type NetIDArgs struct {
	NetID int32
}

type CreateArgs struct {
	NetID int32
	Perm  Permission
}

type IfaceArgs struct {
	NetID int32
	Iface string
}

type RouteArgs struct {
	NetID int32
	Route Route
}

type ResolverArgs struct {
	NetID  int32
	Config ResolverConfig
}

type ResolverReply struct {
	Config ResolverConfig
}

type AddrInfoArgs struct {
	NetID int32
	Host  string
}

type AddrInfoReply struct {
	Addrs []netip.Addr
}

type MTUArgs struct {
	Iface string
	MTU   int
}

type MTUReply struct {
	MTU int
}

type AddressArgs struct {
	Iface string
	Addr  netip.Prefix
}

type LeaseReply struct {
	Lease DHCPLease
}

type DHCPServiceArgs struct {
	Iface  string
	Config DHCPServiceConfig
}

type NetIDReply struct {
	NetID int32
}

type BoolReply struct {
	Value bool
}

type NamesReply struct {
	Names []string
}

type StatsArgs struct {
	UID   uint32
	Iface string
}

type StatsReply struct {
	Stats TrafficStats
}

// Service exposes a Controller over net/rpc.
type Service struct {
	ctl     Controller
	metrics *metrics.Registry
	logger  *logging.Logger
}

func (s *Service) record(method string, start time.Time, err error) error {
	s.metrics.RecordDaemonCall(method, start, err)
	if err != nil {
		s.logger.Debug("call failed", "method", method, "error", err)
	}
	return err
}

func (s *Service) NetworkCreatePhysical(args *CreateArgs, _ *Empty) error {
	start := time.Now()
	return s.record("NetworkCreatePhysical", start, s.ctl.NetworkCreatePhysical(args.NetID, args.Perm))
}

func (s *Service) NetworkDestroy(args *NetIDArgs, _ *Empty) error {
	start := time.Now()
	return s.record("NetworkDestroy", start, s.ctl.NetworkDestroy(args.NetID))
}

type networkChecker interface {
	HasNetwork(netID int32) bool
}

// NetworkExists lets clients check a netId before marking a socket locally.
// Controllers that cannot answer report every network as present.
func (s *Service) NetworkExists(args *NetIDArgs, reply *BoolReply) error {
	reply.Value = true
	if nc, ok := s.ctl.(networkChecker); ok {
		reply.Value = nc.HasNetwork(args.NetID)
	}
	return nil
}

func (s *Service) NetworkAddInterface(args *IfaceArgs, _ *Empty) error {
	start := time.Now()
	return s.record("NetworkAddInterface", start, s.ctl.NetworkAddInterface(args.NetID, args.Iface))
}

func (s *Service) NetworkRemoveInterface(args *IfaceArgs, _ *Empty) error {
	start := time.Now()
	return s.record("NetworkRemoveInterface", start, s.ctl.NetworkRemoveInterface(args.NetID, args.Iface))
}

func (s *Service) NetworkAddRoute(args *RouteArgs, _ *Empty) error {
	start := time.Now()
	return s.record("NetworkAddRoute", start, s.ctl.NetworkAddRoute(args.NetID, args.Route))
}

func (s *Service) NetworkRemoveRoute(args *RouteArgs, _ *Empty) error {
	start := time.Now()
	return s.record("NetworkRemoveRoute", start, s.ctl.NetworkRemoveRoute(args.NetID, args.Route))
}

func (s *Service) SetResolverConfig(args *ResolverArgs, _ *Empty) error {
	start := time.Now()
	return s.record("SetResolverConfig", start, s.ctl.SetResolverConfig(args.NetID, args.Config))
}

func (s *Service) GetResolverConfig(args *NetIDArgs, reply *ResolverReply) error {
	start := time.Now()
	cfg, err := s.ctl.GetResolverConfig(args.NetID)
	reply.Config = cfg
	return s.record("GetResolverConfig", start, err)
}

func (s *Service) CreateNetworkCache(args *NetIDArgs, _ *Empty) error {
	start := time.Now()
	return s.record("CreateNetworkCache", start, s.ctl.CreateNetworkCache(args.NetID))
}

func (s *Service) FlushNetworkCache(args *NetIDArgs, _ *Empty) error {
	start := time.Now()
	return s.record("FlushNetworkCache", start, s.ctl.FlushNetworkCache(args.NetID))
}

func (s *Service) DestroyNetworkCache(args *NetIDArgs, _ *Empty) error {
	start := time.Now()
	return s.record("DestroyNetworkCache", start, s.ctl.DestroyNetworkCache(args.NetID))
}

func (s *Service) GetAddrInfo(args *AddrInfoArgs, reply *AddrInfoReply) error {
	start := time.Now()
	addrs, err := s.ctl.GetAddrInfo(args.NetID, args.Host)
	reply.Addrs = addrs
	return s.record("GetAddrInfo", start, err)
}

func (s *Service) SetInterfaceMTU(args *MTUArgs, _ *Empty) error {
	start := time.Now()
	return s.record("SetInterfaceMTU", start, s.ctl.SetInterfaceMTU(args.Iface, args.MTU))
}

func (s *Service) GetInterfaceMTU(args *IfaceArgs, reply *MTUReply) error {
	start := time.Now()
	mtu, err := s.ctl.GetInterfaceMTU(args.Iface)
	reply.MTU = mtu
	return s.record("GetInterfaceMTU", start, err)
}

func (s *Service) InterfaceAddAddress(args *AddressArgs, _ *Empty) error {
	start := time.Now()
	return s.record("InterfaceAddAddress", start, s.ctl.InterfaceAddAddress(args.Iface, args.Addr))
}

func (s *Service) InterfaceDelAddress(args *AddressArgs, _ *Empty) error {
	start := time.Now()
	return s.record("InterfaceDelAddress", start, s.ctl.InterfaceDelAddress(args.Iface, args.Addr))
}

func (s *Service) StartDHCPClient(args *IfaceArgs, _ *Empty) error {
	start := time.Now()
	return s.record("StartDHCPClient", start, s.ctl.StartDHCPClient(args.Iface))
}

func (s *Service) StopDHCPClient(args *IfaceArgs, _ *Empty) error {
	start := time.Now()
	return s.record("StopDHCPClient", start, s.ctl.StopDHCPClient(args.Iface))
}

func (s *Service) GetDHCPLease(args *IfaceArgs, reply *LeaseReply) error {
	start := time.Now()
	lease, err := s.ctl.GetDHCPLease(args.Iface)
	reply.Lease = lease
	return s.record("GetDHCPLease", start, err)
}

func (s *Service) StartDHCPService(args *DHCPServiceArgs, _ *Empty) error {
	start := time.Now()
	return s.record("StartDHCPService", start, s.ctl.StartDHCPService(args.Iface, args.Config))
}

func (s *Service) StopDHCPService(args *IfaceArgs, _ *Empty) error {
	start := time.Now()
	return s.record("StopDHCPService", start, s.ctl.StopDHCPService(args.Iface))
}

func (s *Service) SetDefaultNetwork(args *NetIDArgs, _ *Empty) error {
	start := time.Now()
	return s.record("SetDefaultNetwork", start, s.ctl.SetDefaultNetwork(args.NetID))
}

func (s *Service) ClearDefaultNetwork(_ *Empty, _ *Empty) error {
	start := time.Now()
	return s.record("ClearDefaultNetwork", start, s.ctl.ClearDefaultNetwork())
}

func (s *Service) GetDefaultNetwork(_ *Empty, reply *NetIDReply) error {
	start := time.Now()
	id, err := s.ctl.GetDefaultNetwork()
	reply.NetID = id
	return s.record("GetDefaultNetwork", start, err)
}

func (s *Service) GetInterfaceNames(_ *Empty, reply *NamesReply) error {
	start := time.Now()
	names, err := s.ctl.GetInterfaceNames()
	reply.Names = names
	return s.record("GetInterfaceNames", start, err)
}

func (s *Service) GetIfaceStats(args *IfaceArgs, reply *StatsReply) error {
	start := time.Now()
	st, err := s.ctl.GetIfaceStats(args.Iface)
	reply.Stats = st
	return s.record("GetIfaceStats", start, err)
}

func (s *Service) GetUIDStats(args *StatsArgs, reply *StatsReply) error {
	start := time.Now()
	st, err := s.ctl.GetUIDStats(args.UID, args.Iface)
	reply.Stats = st
	return s.record("GetUIDStats", start, err)
}

func (s *Service) Ping(_ *Empty, _ *Empty) error {
	return s.ctl.Ping()
}

// Server serves a Controller on a unix socket.
type Server struct {
	rpc    *rpc.Server
	logger *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer registers ctl as the Netd service.
func NewServer(ctl Controller, reg *metrics.Registry, logger *logging.Logger) (*Server, error) {
	logger = logging.OrDefault(logger).WithComponent("netd-rpc")
	svc := &Service{ctl: ctl, metrics: metrics.OrGet(reg), logger: logger}
	return NewServiceServer(ServiceName, svc, logger)
}

// NewServiceServer serves rcvr's exported methods under name with the same
// socket handling as the daemon.
func NewServiceServer(name string, rcvr any, logger *logging.Logger) (*Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(name, rcvr); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "register rpc service")
	}
	return &Server{rpc: srv, logger: logging.OrDefault(logger)}, nil
}

// ServeConn serves a single connection until it closes.
func (s *Server) ServeConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc connection handler panicked", "panic", r)
		}
	}()
	s.rpc.ServeConn(conn)
}

// Serve accepts connections on l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			return errors.Wrap(err, errors.KindInternal, "accept")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ListenAndServe serves on the unix socket at path until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.KindInternal, "remove stale socket %s", path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "listen on %s", path)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		l.Close()
		return errors.Wrapf(err, errors.KindInternal, "chmod %s", path)
	}
	s.logger.Info("listening", "socket", path)

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	err = s.Serve(l)
	os.Remove(path)
	return err
}

// Close stops accepting connections. In-flight connections end when their
// peers hang up.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}
