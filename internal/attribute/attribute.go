// Package attribute computes the system attributes stamped onto every event.
// Processors are a fixed set of variants applied in a defined, stable order
// (device, network, user, installation), so a later processor can override an
// earlier processor's keys deterministically.
package attribute

import (
	"runtime"
	"sync"
)

// Processor appends its attributes to an event's attribute map. Keys written
// by later processors in the chain win.
type Processor interface {
	AppendAttributes(attrs map[string]any)
}

// Apply runs the processors in order against attrs.
func Apply(attrs map[string]any, processors []Processor) {
	for _, p := range processors {
		p.AppendAttributes(attrs)
	}
}

// DeviceAttributes describes the host device and OS. The platform collector
// fills these once at startup.
type DeviceAttributes struct {
	OSName       string
	OSVersion    string
	Manufacturer string
	Model        string
	Locale       string
	AppVersion   string
}

func (d *DeviceAttributes) AppendAttributes(attrs map[string]any) {
	osName := d.OSName
	if osName == "" {
		osName = runtime.GOOS
	}
	attrs["os_name"] = osName
	attrs["os_version"] = d.OSVersion
	attrs["device_manufacturer"] = d.Manufacturer
	attrs["device_model"] = d.Model
	attrs["device_locale"] = d.Locale
	attrs["app_version"] = d.AppVersion
}

// NetworkAttributes reflects the current connectivity as reported by the
// platform's network-change collector. Safe for concurrent update.
type NetworkAttributes struct {
	mu       sync.RWMutex
	netType  string
	provider string
}

// SetNetwork records the current network type and provider.
func (n *NetworkAttributes) SetNetwork(netType, provider string) {
	n.mu.Lock()
	n.netType = netType
	n.provider = provider
	n.mu.Unlock()
}

func (n *NetworkAttributes) AppendAttributes(attrs map[string]any) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	attrs["network_type"] = n.netType
	attrs["network_provider"] = n.provider
}

// UserAttributes carries the host-supplied user identifier, when set.
type UserAttributes struct {
	mu     sync.RWMutex
	userID string
}

// SetUserID records the current user id; empty clears it.
func (u *UserAttributes) SetUserID(id string) {
	u.mu.Lock()
	u.userID = id
	u.mu.Unlock()
}

func (u *UserAttributes) AppendAttributes(attrs map[string]any) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.userID != "" {
		attrs["user_id"] = u.userID
	}
}

// InstallationAttributes stamps the stable per-install identifier.
type InstallationAttributes struct {
	InstallationID string
}

func (i *InstallationAttributes) AppendAttributes(attrs map[string]any) {
	attrs["installation_id"] = i.InstallationID
}
