// Package announce implements the device-side SSDP Announcement
// Scheduler, grounded on ohNet's DviSsdpNotifier
// (original_source/OpenHome/Net/Device/Upnp/DviSsdpNotifier.cpp):
// MsearchResponse and DeviceAnnouncement both burst a fixed set of
// NT/USN-distinct messages across a deadline window, spaced by random
// jitter rather than sent back-to-back.
package announce

import (
	"github.com/strefethen/upnp-core-go/internal/ssdp"
)

// DeviceInfo is the minimal shape the message builders need out of a
// device tree node: an announcement session only requires UDN, type,
// root-ness, and the service type list, not the full model.Device.
type DeviceInfo struct {
	UDN         string
	DeviceType  string
	IsRoot      bool
	ServiceTypes []string
	Location    string
	MaxAgeSecs  int
	Server      string
}

// notifySet builds the NT/USN pairs ohNet's DeviceAnnouncement burst
// covers: "upnp:rootdevice" only for root devices, then the device UUID,
// then the device type, then one message per service type. Root devices
// therefore send 3+len(ServiceTypes) messages, embedded devices
// 2+len(ServiceTypes) — matching iTotalMsgs in the reference implementation.
func notifySet(d DeviceInfo) []struct{ nt, usn string } {
	var set []struct{ nt, usn string }
	if d.IsRoot {
		set = append(set, struct{ nt, usn string }{"upnp:rootdevice", "uuid:" + d.UDN + "::upnp:rootdevice"})
	}
	set = append(set, struct{ nt, usn string }{"uuid:" + d.UDN, "uuid:" + d.UDN})
	set = append(set, struct{ nt, usn string }{d.DeviceType, "uuid:" + d.UDN + "::" + d.DeviceType})
	for _, st := range d.ServiceTypes {
		set = append(set, struct{ nt, usn string }{st, "uuid:" + d.UDN + "::" + st})
	}
	return set
}

// BuildAlive encodes the ssdp:alive burst for d.
func BuildAlive(d DeviceInfo) [][]byte {
	return buildNotify(d, ssdp.NotifyAlive)
}

// BuildByeBye encodes the ssdp:byebye burst for d. Location/max-age/server
// are omitted, matching BuildNotify's byebye branch.
func BuildByeBye(d DeviceInfo) [][]byte {
	return buildNotify(d, ssdp.NotifyByeBye)
}

// BuildUpdate encodes the ssdp:update burst for d (LOCATION change without
// a BOOTID change).
func BuildUpdate(d DeviceInfo) [][]byte {
	return buildNotify(d, ssdp.NotifyUpdate)
}

func buildNotify(d DeviceInfo, nts ssdp.NotifyType) [][]byte {
	set := notifySet(d)
	out := make([][]byte, len(set))
	for i, m := range set {
		out[i] = ssdp.BuildNotify(nts, m.nt, m.usn, d.Location, d.MaxAgeSecs, d.Server)
	}
	return out
}

// BuildMsearchResponses encodes the full M-SEARCH 200 OK burst for d, used
// when the request's ST was "ssdp:all" (StartAll in the reference
// implementation — every NT this device would otherwise advertise, each
// as its own unicast reply datagram).
func BuildMsearchResponses(d DeviceInfo) [][]byte {
	set := notifySet(d)
	out := make([][]byte, len(set))
	for i, m := range set {
		out[i] = ssdp.BuildSearchReply(m.nt, m.usn, d.Location, d.MaxAgeSecs, d.Server)
	}
	return out
}

// BuildMsearchResponseFor encodes a single targeted M-SEARCH reply when ST
// names exactly one NT this device advertises (StartRoot/StartUuid/
// StartDeviceType/StartServiceType in the reference implementation). ok is
// false if st does not match anything in d's advertisement set.
func BuildMsearchResponseFor(d DeviceInfo, st string) (msg []byte, ok bool) {
	for _, m := range notifySet(d) {
		if m.nt == st {
			return ssdp.BuildSearchReply(st, m.usn, d.Location, d.MaxAgeSecs, d.Server), true
		}
	}
	return nil, false
}
