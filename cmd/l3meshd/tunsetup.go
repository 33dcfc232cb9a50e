package main

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"l3meshd/internal/config"
	"l3meshd/internal/tunio"
)

// bringUpTUN creates a TUN device with the configured name, brings up the
// link, assigns its address and MTU, and programs any extra gray routes,
// using netlink rather than raw ioctl route/addr programming. run always
// creates the device this way; the daemon has no option to take an
// already-open TUN fd.
func bringUpTUN(cfg config.TunConfig) (*tunio.Device, error) {
	dev, err := tunio.Create(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("tun: create %s: %w", cfg.Name, err)
	}

	if err := configureTUN(dev.Name(), cfg); err != nil {
		dev.Close()
		return nil, err
	}
	if err := addGrayRoutes(dev.Name(), cfg.GrayRoutes); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

func configureTUN(name string, cfg config.TunConfig) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("tun: link %s not found: %w", name, err)
	}
	if cfg.LinkMTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.LinkMTU); err != nil {
			return fmt.Errorf("tun: set mtu: %w", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tun: link up: %w", err)
	}
	if cfg.Addr == "" {
		return nil
	}
	ip, ipnet, err := net.ParseCIDR(cfg.Addr)
	if err != nil {
		return fmt.Errorf("tun: parse addr %q: %w", cfg.Addr, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipnet.Mask}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("tun: set addr: %w", err)
	}
	if cfg.AddRoute {
		dst := &net.IPNet{IP: ip.Mask(ipnet.Mask), Mask: ipnet.Mask}
		rt := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
		if err := netlink.RouteReplace(rt); err != nil {
			return fmt.Errorf("tun: add route %s: %w", dst, err)
		}
	}
	return nil
}

func addGrayRoutes(name string, cidrs []string) error {
	if len(cidrs) == 0 {
		return nil
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("tun: link %s not found: %w", name, err)
	}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return fmt.Errorf("tun: parse gray route %q: %w", c, err)
		}
		rt := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipnet}
		if err := netlink.RouteReplace(rt); err != nil {
			return fmt.Errorf("tun: add gray route %s: %w", ipnet, err)
		}
	}
	return nil
}
