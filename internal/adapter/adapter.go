// Package adapter implements the Adapter Service: network interface
// enumeration, the "current adapter" selection, and change notification,
// grounded on ohNet's NetworkAdapterList/NetworkAdapterList.h and
// NetworkAdapterChangeNotifier.
package adapter

import (
	"net"
	"sort"
)

// Adapter is an immutable snapshot of one usable network interface. Value
// semantics are used instead of ohNet's refcounted NetworkAdapter: a
// change publishes a new Adapter rather than mutating one in place,
// matching this codebase's snapshot-and-swap cache idiom.
type Adapter struct {
	Name        string
	Index       int
	IPv4        net.IP
	SubnetMask  net.IPMask
	Loopback    bool
	Cookie      string // human-readable source, e.g. "adapter.Service.refresh"
}

// Subnet returns the adapter's IPv4 subnet (IPv4 masked by SubnetMask),
// the value Service.SetCurrentSubnet matches against.
func (a Adapter) Subnet() net.IP {
	return a.IPv4.Mask(a.SubnetMask)
}

func fromInterface(iface net.Interface, addr net.IPNet) Adapter {
	return Adapter{
		Name:       iface.Name,
		Index:      iface.Index,
		IPv4:       addr.IP.To4(),
		SubnetMask: addr.Mask,
		Loopback:   iface.Flags&net.FlagLoopback != 0,
	}
}

// enumerate lists every up, non-loopback-preferred IPv4-bearing interface
// on the host, ordering loopback adapters last when loopbackLast is set.
func enumerate(loopbackLast bool) ([]Adapter, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []Adapter
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			out = append(out, fromInterface(iface, *ipNet))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if loopbackLast && out[i].Loopback != out[j].Loopback {
			return !out[i].Loopback
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}
