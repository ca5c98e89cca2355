// Package netinfo discovers the host-side network facts the rule compiler
// needs: the default gateway and the connected networks of the uplink. The
// connected networks are accepted wholesale so container-to-host traffic
// (bind mounts, local registries, the SSH session itself) keeps working
// under a default-deny policy.
package netinfo

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Netlinker abstracts the netlink queries so discovery can be tested
// without a live network stack.
type Netlinker interface {
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	LinkByIndex(index int) (netlink.Link, error)
}

// Info is the discovery result.
type Info struct {
	// Gateway is the IPv4 default gateway, empty when none exists.
	Gateway string
	// HostNetworks are the connected CIDRs of the default-route link.
	HostNetworks []string
}

// Discover walks the routing table for the default route and collects the
// connected networks of its link.
func Discover(nl Netlinker) (Info, error) {
	routes, err := nl.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return Info{}, fmt.Errorf("failed to list routes: %w", err)
	}

	var info Info
	linkIndex := -1
	for _, r := range routes {
		if r.Dst != nil && r.Dst.IP != nil && !r.Dst.IP.IsUnspecified() {
			continue
		}
		if r.Gw == nil {
			continue
		}
		info.Gateway = r.Gw.String()
		linkIndex = r.LinkIndex
		break
	}
	if linkIndex < 0 {
		// No default route: still usable, just nothing reachable beyond
		// whatever the policy names explicitly.
		return info, nil
	}

	link, err := nl.LinkByIndex(linkIndex)
	if err != nil {
		return info, fmt.Errorf("failed to resolve uplink: %w", err)
	}

	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		addrs, err := nl.AddrList(link, family)
		if err != nil {
			return info, fmt.Errorf("failed to list addresses: %w", err)
		}
		for _, a := range addrs {
			if a.IPNet == nil || a.IP.IsLinkLocalUnicast() {
				continue
			}
			network := *a.IPNet
			network.IP = network.IP.Mask(network.Mask)
			info.HostNetworks = append(info.HostNetworks, network.String())
		}
	}

	return info, nil
}
