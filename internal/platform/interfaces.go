package platform

import (
	"context"
	"regexp"
	"slices"

	"github.com/shirou/gopsutil/v3/net"
)

// Interfaces that never carry the device's uplink
var defaultExcludePatterns = []string{
	`^lo\d*$`,       // Loopback
	`^docker.*`,     // Docker bridges
	`^veth.*`,       // Virtual ethernet pairs
	`^br-.*`,        // Linux bridges
	`^wlan\d+mon.*`, // Wireless monitor interfaces
	`^virbr.*`,      // libvirt bridges
}

// Interface is a network interface as far as connectivity is concerned
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []string
}

// InterfaceFilter drops loopback and virtual interfaces
type InterfaceFilter struct {
	exclude []*regexp.Regexp
}

// NewInterfaceFilter compiles patterns; empty means the defaults.
// Patterns that do not compile are ignored.
func NewInterfaceFilter(patterns []string) *InterfaceFilter {
	if len(patterns) == 0 {
		patterns = defaultExcludePatterns
	}
	f := &InterfaceFilter{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			f.exclude = append(f.exclude, re)
		}
	}
	return f
}

func (f *InterfaceFilter) excluded(name string) bool {
	for _, re := range f.exclude {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Filter returns the interfaces that could reach the network
func (f *InterfaceFilter) Filter(ifaces []Interface) []Interface {
	var out []Interface
	for _, iface := range ifaces {
		if iface.Loopback || f.excluded(iface.Name) {
			continue
		}
		out = append(out, iface)
	}
	return out
}

func systemInterfaces(ctx context.Context) ([]Interface, error) {
	stats, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(stats))
	for _, s := range stats {
		iface := Interface{
			Name:     s.Name,
			Up:       slices.Contains(s.Flags, "up"),
			Loopback: slices.Contains(s.Flags, "loopback"),
		}
		for _, a := range s.Addrs {
			iface.Addrs = append(iface.Addrs, a.Addr)
		}
		out = append(out, iface)
	}
	return out, nil
}
