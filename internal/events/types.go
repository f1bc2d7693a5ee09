// Package events provides the pub/sub bus used for system-wide broadcasts:
// supplier state changes, default network changes, detection outcomes and
// interface link changes.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	EventConnState  EventType = "conn.state"    // supplier service state transition
	EventDefaultNet EventType = "net.default"   // default network promoted or cleared
	EventDetection  EventType = "net.detection" // connectivity validation result
	EventLinkChange EventType = "link.change"   // kernel interface up/down/new/removed

	EventDHCPLease EventType = "dhcp.lease" // lease obtained by the netd DHCP client
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// ConnStateData is the payload for EventConnState.
type ConnStateData struct {
	SupplierID uint32 `json:"supplier_id"`
	NetType    string `json:"net_type"`
	Ident      string `json:"ident"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// DefaultNetData is the payload for EventDefaultNet. NetID 0 means no default.
type DefaultNetData struct {
	OldNetID int32 `json:"old_net_id"`
	NetID    int32 `json:"net_id"`
}

// DetectionData is the payload for EventDetection.
type DetectionData struct {
	NetID       int32  `json:"net_id"`
	Result      string `json:"result"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// LinkChangeData is the payload for EventLinkChange.
type LinkChangeData struct {
	Iface     string `json:"iface"`
	Index     int    `json:"index"`
	Up        bool   `json:"up"`
	Removed   bool   `json:"removed,omitempty"`
	SpeedMbps uint32 `json:"speed_mbps,omitempty"`
}

// DHCPLeaseData is the payload for EventDHCPLease.
type DHCPLeaseData struct {
	Iface   string        `json:"iface"`
	Address string        `json:"address"`
	Router  string        `json:"router,omitempty"`
	DNS     []string      `json:"dns,omitempty"`
	Lease   time.Duration `json:"lease"`
}
