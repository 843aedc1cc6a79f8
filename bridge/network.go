package bridge

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"

	"dcsbridge/config"
)

// PacketConn is the UDP endpoint shared by the importer (receive) and the
// exporters (send). *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
	Close() error
}

// ListenFunc binds the bridge's UDP endpoint
type ListenFunc func(ctx context.Context, cfg config.NetworkConfig) (PacketConn, error)

// Listen binds BindAddress:ListenPort with address reuse enabled and joins
// the export multicast group on the default interface.
func Listen(ctx context.Context, cfg config.NetworkConfig) (PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.ListenPort))
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	group := net.ParseIP(cfg.MulticastGroup)
	if group == nil {
		pc.Close()
		return nil, fmt.Errorf("invalid multicast group %q", cfg.MulticastGroup)
	}

	if err := ipv4.NewPacketConn(pc).JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to join multicast group %s: %w", cfg.MulticastGroup, err)
	}

	return pc, nil
}

// resolveSimulator returns the address exporters send to.
func resolveSimulator(cfg config.NetworkConfig) (*net.UDPAddr, error) {
	addr := net.JoinHostPort(cfg.SimulatorHost, strconv.Itoa(cfg.DestinationPort))
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve simulator host %s: %w", cfg.SimulatorHost, err)
	}
	return udpAddr, nil
}
