//go:build linux

package gateway

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

func listRoutes(iface string) ([]route, error) {
	var link netlink.Link
	if iface != "" {
		l, err := netlink.LinkByName(iface)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", iface, err)
		}
		link = l
	}

	routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}

	out := make([]route, 0, len(routes))
	for _, r := range routes {
		out = append(out, route{dst: r.Dst, gw: r.Gw, priority: r.Priority})
	}
	return out, nil
}
