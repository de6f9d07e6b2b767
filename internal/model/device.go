// Package model holds the device/service/property data shapes shared
// between the control-point and device halves of the core. XML parsing and
// HTTP transport that produce these values are external collaborators and
// are not implemented here beyond the reference DescriptionParser in
// internal/cp/devicelist.
package model

import "strings"

// ServiceRef describes one service node inside a device tree, as handed
// back by description-XML parsing.
type ServiceRef struct {
	ServiceType string // e.g. "urn:schemas-upnp-org:service:SwitchPower:1"
	ServiceID   string
	ControlURL  string
	EventURL    string
	SCPDURL     string
}

// Device is one node of a parsed device-description tree.
type Device struct {
	UDN         string
	DeviceType  string // e.g. "urn:schemas-upnp-org:device:BinaryLight:1"
	FriendlyName string
	IsRoot      bool
	Services    []ServiceRef
	Embedded    []*Device
	Location    string
}

// SplitURN splits a device-type or service-type URN of the form
// "urn:domain-name:device:type:v" / "urn:domain-name:service:type:v" into
// its four components (domain, kind "device"/"service", type name, and
// version); ok is false for anything else. Mirrors ohNet's ServiceType/
// DeviceType accessors (CpiDeviceUpnp.h) used to build SSDP NT/USN headers.
func SplitURN(urn string) (domain, kind, name string, version string, ok bool) {
	parts := strings.SplitN(urn, ":", 5)
	if len(parts) != 5 {
		return "", "", "", "", false
	}
	if parts[0] != "urn" {
		return "", "", "", "", false
	}
	return parts[1], parts[2], parts[3], parts[4], true
}
