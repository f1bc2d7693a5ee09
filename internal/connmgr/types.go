// Package connmgr arbitrates between network suppliers.
//
// Suppliers (a modem, a Wi-Fi adapter, an Ethernet port, a VPN) register
// with the Service and report their availability, capabilities and link
// configuration. Clients ask for "a network matching X" with ActivateNetwork.
// Whenever anything changes the Service re-runs best network selection for
// every outstanding request, fires the client callbacks and promotes the
// winner of the internal default request to the system default network.
package connmgr

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/netd"
)

// NetType is the bearer type of a supplier.
type NetType int

const (
	// NetTypeUnknown matches any type in a Specifier.
	NetTypeUnknown NetType = iota
	NetTypeCellular
	NetTypeWiFi
	NetTypeEthernet
	NetTypeBluetooth
	NetTypeUSB
	NetTypeVPN
)

var netTypeNames = []string{"unknown", "cellular", "wifi", "ethernet", "bluetooth", "usb", "vpn"}

func (t NetType) String() string {
	if t.Valid() {
		return netTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Valid reports whether t is within the enum range.
func (t NetType) Valid() bool {
	return t >= NetTypeUnknown && t <= NetTypeVPN
}

// ParseNetType parses the String form of a type.
func ParseNetType(s string) (NetType, error) {
	i := slices.Index(netTypeNames, strings.ToLower(s))
	if i < 0 {
		return 0, fmt.Errorf("%q: %w", s, errors.ErrInvalidNetworkType)
	}
	return NetType(i), nil
}

// Capabilities is a bitmask of what a network offers.
type Capabilities uint64

const (
	CapMMS Capabilities = 1 << iota
	CapSUPL
	CapDUN
	CapIA
	CapXCAP
	CapInternet
	CapNotVPN
	CapNotMetered
	CapValidated
	CapCaptivePortal
)

var capNames = []string{"mms", "supl", "dun", "ia", "xcap", "internet", "not_vpn", "not_metered", "validated", "captive_portal"}

// Has reports whether c includes every bit of want.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

func (c Capabilities) String() string {
	var parts []string
	for i, name := range capNames {
		if c&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseCapabilities parses a comma or pipe separated capability list.
func ParseCapabilities(s string) (Capabilities, error) {
	var c Capabilities
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		i := slices.Index(capNames, strings.TrimSpace(strings.ToLower(f)))
		if i < 0 {
			return 0, errors.Errorf(errors.KindValidation, "unknown capability %q", f)
		}
		c |= 1 << i
	}
	return c, nil
}

// ServiceState is the connection state of a supplier.
type ServiceState int

const (
	StateUnknown ServiceState = iota
	StateIdle
	StateConnecting
	StateReady
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailure
)

func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// SupplierInfo is the radio-level view a supplier reports.
type SupplierInfo struct {
	Available bool
	Roaming   bool
	Strength  int // RSSI in dBm for Wi-Fi
	Frequency int
}

// LinkInfo is the layer 3 configuration of a network.
type LinkInfo struct {
	Iface     string
	Addresses []netip.Prefix
	Routes    []netd.Route
	DNS       []netip.Addr
	Domains   []string
	MTU       int
}

// Clone returns a deep copy.
func (l LinkInfo) Clone() LinkInfo {
	l.Addresses = slices.Clone(l.Addresses)
	l.Routes = slices.Clone(l.Routes)
	l.DNS = slices.Clone(l.DNS)
	l.Domains = slices.Clone(l.Domains)
	return l
}

// Specifier describes the network a request wants. Zero fields match
// anything.
type Specifier struct {
	Type  NetType
	Ident string
	Caps  Capabilities
}

// NetConnCallback receives the outcome of a request. Unset functions are
// skipped.
type NetConnCallback struct {
	NetAvailable                  func(netID int32)
	NetCapabilitiesChange         func(netID int32, caps Capabilities)
	NetConnectionPropertiesChange func(netID int32, link LinkInfo)
	NetLost                       func(netID int32)
	NetUnavailable                func()
}

// SupplierController lets the service ask a supplier to bring its
// connection up or down.
type SupplierController struct {
	RequestNetwork func(ident string, caps Capabilities) error
	ReleaseNetwork func(ident string, caps Capabilities) error
}

// DetectionCallback receives validation results of one network.
type DetectionCallback func(netID int32, valid bool, redirectURL string)

// NetDetail is a read-only snapshot of one network.
type NetDetail struct {
	NetID      int32
	SupplierID uint32
	Type       NetType
	Ident      string
	Caps       Capabilities
	State      ServiceState
	Score      int
	RealScore  int
	Valid      bool
	Default    bool
	Link       LinkInfo
}
