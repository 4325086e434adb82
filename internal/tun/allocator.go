package tun

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
)

// Runner runs an external command.
type Runner func(ctx context.Context, binaryPath string, args ...string) error

// ExecRunner runs commands with [exec.CommandContext], forwarding stderr.
func ExecRunner(ctx context.Context, binaryPath string, args ...string) error {
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w", binaryPath, args, err)
	}
	return nil
}

// ipCommand is one invocation of /sbin/ip.
type ipCommand []string

// interfaceCommands returns the ip invocations configuring the interface
// named name with the given address, mtu and captured route. A default
// route is installed as two /1 halves so the existing default route stays
// in place for the excluded hosts.
func interfaceCommands(name string, addr netip.Prefix, mtu int, route netip.Prefix) []ipCommand {
	cmds := []ipCommand{
		{"addr", "add", addr.String(), "dev", name},
		{"link", "set", "dev", name, "mtu", strconv.Itoa(mtu)},
		{"link", "set", "dev", name, "up"},
	}
	if route.Bits() == 0 && route.Addr().Is4() {
		cmds = append(cmds,
			ipCommand{"route", "add", "0.0.0.0/1", "dev", name},
			ipCommand{"route", "add", "128.0.0.0/1", "dev", name},
		)
	} else {
		cmds = append(cmds, ipCommand{"route", "add", route.Masked().String(), "dev", name})
	}
	return cmds
}

// bypassCommands returns the ip invocations sending traffic for the given
// addresses through gateway instead of the tunnel, and the ones undoing them.
func bypassCommands(addrs []netip.Addr, gateway netip.Addr) (add, del []ipCommand) {
	for _, addr := range addrs {
		if !addr.Is4() {
			continue
		}
		host := netip.PrefixFrom(addr, 32).String()
		add = append(add, ipCommand{"route", "add", host, "via", gateway.String()})
		del = append(del, ipCommand{"route", "del", host, "via", gateway.String()})
	}
	return
}

// resolveExcluded resolves the excluded hosts to addresses. Entries may be
// plain hosts, host:port pairs or URLs.
func resolveExcluded(ctx context.Context, resolver *net.Resolver, hosts []string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, entry := range hosts {
		host := hostOf(entry)
		if host == "" {
			continue
		}
		if addr, err := netip.ParseAddr(host); err == nil {
			out = append(out, addr.Unmap())
			continue
		}
		addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
		if err != nil {
			return nil, fmt.Errorf("tun: resolve excluded host %s: %w", host, err)
		}
		for _, addr := range addrs {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}
