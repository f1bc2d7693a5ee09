package connmgr

import (
	"net"
	"net/rpc"

	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/netd"
)

// RPCServiceName is the net/rpc name the manager registers under.
const RPCServiceName = "ConnMgr"

type NetsReply struct {
	Nets []NetDetail
}

type UIDArgs struct {
	UID uint32
}

// RPCService exposes the arbitration state of a Service over net/rpc.
type RPCService struct {
	svc *Service
}

func (r *RPCService) Nets(_ *netd.Empty, reply *NetsReply) error {
	reply.Nets = r.svc.Nets()
	return nil
}

func (r *RPCService) DefaultNet(_ *netd.Empty, reply *netd.NetIDReply) error {
	id, err := r.svc.GetDefaultNet()
	reply.NetID = id
	return err
}

func (r *RPCService) UidNet(args *UIDArgs, reply *netd.NetIDReply) error {
	reply.NetID = r.svc.GetSpecificUidNet(args.UID)
	return nil
}

func (r *RPCService) NetDetection(args *netd.NetIDArgs, _ *netd.Empty) error {
	return r.svc.NetDetection(args.NetID)
}

// NewRPCServer serves svc on a unix socket.
func NewRPCServer(svc *Service, logger *logging.Logger) (*netd.Server, error) {
	logger = logging.OrDefault(logger).WithComponent("connmgr-rpc")
	return netd.NewServiceServer(RPCServiceName, &RPCService{svc: svc}, logger)
}

// Client queries a running manager.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the manager at socketPath.
func Dial(socketPath string) (*Client, error) {
	return DialWith(func() (net.Conn, error) { return net.Dial("unix", socketPath) })
}

// DialWith connects using dial.
func DialWith(dial func() (net.Conn, error)) (*Client, error) {
	conn, err := dial()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "connect to manager")
	}
	return &Client{rpc: rpc.NewClient(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.rpc.Close() }

func (c *Client) call(method string, args, reply any) error {
	err := c.rpc.Call(RPCServiceName+"."+method, args, reply)
	if err == nil {
		return nil
	}
	if se, ok := err.(rpc.ServerError); ok {
		return errors.Errorf(errors.KindInternal, "manager %s: %s", method, string(se))
	}
	return errors.Wrapf(err, errors.KindUnavailable, "manager %s", method)
}

// Nets returns every network the manager knows, in registration order.
func (c *Client) Nets() ([]NetDetail, error) {
	var reply NetsReply
	err := c.call("Nets", &netd.Empty{}, &reply)
	return reply.Nets, err
}

// GetDefaultNet returns the default netId, 0 when there is none.
func (c *Client) GetDefaultNet() (int32, error) {
	var reply netd.NetIDReply
	err := c.call("DefaultNet", &netd.Empty{}, &reply)
	return reply.NetID, err
}

// GetSpecificUidNet returns the network uid's traffic goes through.
func (c *Client) GetSpecificUidNet(uid uint32) (int32, error) {
	var reply netd.NetIDReply
	err := c.call("UidNet", &UIDArgs{UID: uid}, &reply)
	return reply.NetID, err
}

// NetDetection re-runs connectivity detection on netID.
func (c *Client) NetDetection(netID int32) error {
	return c.call("NetDetection", &netd.NetIDArgs{NetID: netID}, &netd.Empty{})
}
