package connmgr

import (
	"slices"

	"github.com/google/uuid"

	"grimm.is/netconn/internal/detection"
	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/netd"
)

// Validator runs connectivity validation for networks. detection.Detector
// implements it.
type Validator interface {
	Start(netID int32, iface string, cb func(detection.Report))
	Trigger(netID int32) bool
	Stop(netID int32)
}

type detectionEntry struct {
	handle string
	fn     DetectionCallback
}

// Network is one netId and the kernel state the daemon holds for it.
//
// Network is not safe for concurrent use; the Service serializes access.
// Validator calls are handed to post so they run after the Service lock is
// released.
type Network struct {
	netID      int32
	supplierID uint32
	ctl        netd.Controller
	validator  Validator
	onResult   func(supplierID uint32, rep detection.Report)
	post       func(func())
	logger     *logging.Logger

	created   bool
	isDefault bool
	link      LinkInfo
	last      detection.Report
	callbacks []detectionEntry
}

func newNetwork(netID int32, supplierID uint32, ctl netd.Controller, v Validator,
	onResult func(uint32, detection.Report), post func(func()), logger *logging.Logger) *Network {
	return &Network{
		netID:      netID,
		supplierID: supplierID,
		ctl:        ctl,
		validator:  v,
		onResult:   onResult,
		post:       post,
		logger:     logger,
	}
}

// NetID returns the network id.
func (n *Network) NetID() int32 { return n.netID }

// Link returns a copy of the applied link configuration.
func (n *Network) Link() LinkInfo { return n.link.Clone() }

// IsDefault reports whether the network carries the default route.
func (n *Network) IsDefault() bool { return n.isDefault }

// UpdateBasicNetwork creates the physical network when available is true and
// tears it down otherwise. Both directions are idempotent.
func (n *Network) UpdateBasicNetwork(available bool) error {
	if !available {
		return n.teardown()
	}
	if n.created {
		return nil
	}
	if err := n.ctl.NetworkCreatePhysical(n.netID, netd.PermissionNone); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "create network %d", n.netID)
	}
	n.created = true
	if err := n.ctl.CreateNetworkCache(n.netID); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "create dns cache of network %d", n.netID)
	}
	n.logger.Debug("network created", "net_id", n.netID)
	return nil
}

func (n *Network) teardown() error {
	if !n.created {
		return nil
	}
	n.stopDetection()

	var errs []error
	if n.link.Iface != "" {
		errs = append(errs, n.ctl.NetworkRemoveInterface(n.netID, n.link.Iface))
	}
	errs = append(errs,
		n.ctl.NetworkDestroy(n.netID),
		n.ctl.DestroyNetworkCache(n.netID),
	)
	n.created = false
	// The daemon drops the default rule together with the network.
	n.isDefault = false
	n.link = LinkInfo{}
	n.logger.Debug("network destroyed", "net_id", n.netID)
	return errors.Wrapf(errors.Join(errs...), errors.KindInternal, "destroy network %d", n.netID)
}

// UpdateNetLinkInfo applies the difference between the current and the new
// link configuration and restarts validation. Every step is attempted; the
// new configuration is kept even if some of them fail.
func (n *Network) UpdateNetLinkInfo(info LinkInfo) error {
	if err := n.UpdateBasicNetwork(true); err != nil {
		return err
	}
	info = info.Clone()
	old := n.link
	var errs []error

	ifaceChanged := old.Iface != info.Iface
	if ifaceChanged {
		if info.Iface != "" {
			errs = append(errs, n.ctl.NetworkAddInterface(n.netID, info.Iface))
		}
		if old.Iface != "" {
			errs = append(errs, n.ctl.NetworkRemoveInterface(n.netID, old.Iface))
		}
	}

	for _, a := range old.Addresses {
		if ifaceChanged || !slices.Contains(info.Addresses, a) {
			errs = append(errs, n.ctl.InterfaceDelAddress(old.Iface, a))
		}
	}
	for _, a := range info.Addresses {
		if ifaceChanged || !slices.Contains(old.Addresses, a) {
			errs = append(errs, n.ctl.InterfaceAddAddress(info.Iface, a))
		}
	}

	for i := range info.Routes {
		if info.Routes[i].Iface == "" {
			info.Routes[i].Iface = info.Iface
		}
	}
	oldRoutes := routeKeys(old.Routes)
	newRoutes := routeKeys(info.Routes)
	for _, r := range old.Routes {
		if _, ok := newRoutes[r.Key()]; !ok {
			errs = append(errs, n.ctl.NetworkRemoveRoute(n.netID, r))
		}
	}
	for _, r := range info.Routes {
		if _, ok := oldRoutes[r.Key()]; !ok {
			errs = append(errs, n.ctl.NetworkAddRoute(n.netID, r))
		}
	}

	servers := make([]string, 0, len(info.DNS))
	for _, a := range info.DNS {
		servers = append(servers, a.String())
	}
	errs = append(errs, n.ctl.SetResolverConfig(n.netID, netd.ResolverConfig{
		Servers: servers,
		Domains: info.Domains,
	}))

	if info.MTU > 0 && info.MTU != old.MTU && info.Iface != "" {
		errs = append(errs, n.ctl.SetInterfaceMTU(info.Iface, info.MTU))
	}

	n.link = info
	n.startDetection()

	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warn("link info partially applied", "net_id", n.netID, "error", err)
	}
	return errors.Wrapf(err, errors.KindInternal, "update link of network %d", n.netID)
}

func routeKeys(routes []netd.Route) map[string]struct{} {
	m := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		m[r.Key()] = struct{}{}
	}
	return m
}

// SetDefaultNetWork makes this network the system default.
func (n *Network) SetDefaultNetWork() error {
	if n.isDefault {
		return nil
	}
	if err := n.ctl.SetDefaultNetwork(n.netID); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "set default network %d", n.netID)
	}
	n.isDefault = true
	return nil
}

// ClearDefaultNetWorkNetId removes the system default network.
func (n *Network) ClearDefaultNetWorkNetId() error {
	if !n.isDefault {
		return nil
	}
	if err := n.ctl.ClearDefaultNetwork(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "clear default network %d", n.netID)
	}
	n.isDefault = false
	return nil
}

// demote forgets the default flag after the daemon moved the default to
// another network.
func (n *Network) demote() { n.isDefault = false }

func (n *Network) startDetection() {
	if n.validator == nil {
		return
	}
	v, id, iface, sid, onResult := n.validator, n.netID, n.link.Iface, n.supplierID, n.onResult
	n.post(func() {
		v.Start(id, iface, func(rep detection.Report) { onResult(sid, rep) })
	})
}

func (n *Network) stopDetection() {
	if n.validator == nil {
		return
	}
	v, id := n.validator, n.netID
	n.post(func() { v.Stop(id) })
}

// StartNetDetection re-probes the network now.
func (n *Network) StartNetDetection() error {
	if !n.created || n.validator == nil {
		return errors.Errorf(errors.KindUnavailable, "network %d is not being validated", n.netID)
	}
	v, id := n.validator, n.netID
	n.post(func() { v.Trigger(id) })
	return nil
}

// RegisterDetectionCallback adds cb and returns its handle.
func (n *Network) RegisterDetectionCallback(cb DetectionCallback) string {
	h := uuid.NewString()
	n.callbacks = append(n.callbacks, detectionEntry{handle: h, fn: cb})
	return h
}

// UnregisterDetectionCallback removes the callback with handle h.
func (n *Network) UnregisterDetectionCallback(h string) bool {
	i := slices.IndexFunc(n.callbacks, func(e detectionEntry) bool { return e.handle == h })
	if i < 0 {
		return false
	}
	n.callbacks = slices.Delete(n.callbacks, i, i+1)
	return true
}

// handleReport records rep and queues the registered callbacks.
func (n *Network) handleReport(rep detection.Report) {
	n.last = rep
	id, valid, url := n.netID, rep.Valid(), rep.RedirectURL
	for _, e := range n.callbacks {
		fn := e.fn
		n.post(func() { fn(id, valid, url) })
	}
}
