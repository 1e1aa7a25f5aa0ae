// Package lnxconfig parses the .lnx files describing one node of the virtual
// network, plus an optional YAML overlay for logging and TCP tuning.
package lnxconfig

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type RoutingMode int

const (
	RoutingTypeNone   RoutingMode = 0
	RoutingTypeStatic RoutingMode = 1
	RoutingTypeRIP    RoutingMode = 2
)

func (m RoutingMode) String() string {
	switch m {
	case RoutingTypeStatic:
		return "static"
	case RoutingTypeRIP:
		return "rip"
	default:
		return "none"
	}
}

const (
	DefaultRipPeriodicUpdateRate = 5 * time.Second
	DefaultRipTimeoutThreshold   = 12 * time.Second
	DefaultTcpRtoMin             = 100 * time.Millisecond
	DefaultTcpRtoMax             = 5 * time.Second
)

type InterfaceConfig struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort
}

type NeighborConfig struct {
	DestAddr      netip.Addr
	UDPAddr       netip.AddrPort
	InterfaceName string
}

type IPConfig struct {
	Interfaces  []InterfaceConfig
	Neighbors   []NeighborConfig
	RoutingMode RoutingMode

	// ROUTERS ONLY:  Neighbors to send RIP packets
	RipNeighbors []netip.Addr

	// Manually-added routes ("route" directive, usually just for default on hosts)
	StaticRoutes map[netip.Prefix]netip.Addr

	// ROUTERS ONLY:  Timing parameters for RIP updates
	RipPeriodicUpdateRate time.Duration
	RipTimeoutThreshold   time.Duration

	// HOSTS ONLY:  Timing parameters for TCP
	TcpRtoMin time.Duration
	TcpRtoMax time.Duration

	Overlay Overlay
}

// ParseConfig reads an lnx file from disk.
func ParseConfig(fileName string) (*IPConfig, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrap(err, "open lnx config")
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", fileName)
	}
	return cfg, nil
}

// Parse reads the lnx format from r. Durations are milliseconds unless they
// carry a Go duration suffix ("250ms", "5s").
func Parse(r io.Reader) (*IPConfig, error) {
	cfg := &IPConfig{
		RoutingMode:           RoutingTypeNone,
		StaticRoutes:          make(map[netip.Prefix]netip.Addr),
		RipPeriodicUpdateRate: DefaultRipPeriodicUpdateRate,
		RipTimeoutThreshold:   DefaultRipTimeoutThreshold,
		TcpRtoMin:             DefaultTcpRtoMin,
		TcpRtoMax:             DefaultTcpRtoMax,
		Overlay:               DefaultOverlay(),
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := cfg.parseDirective(fields); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read lnx config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *IPConfig) parseDirective(fields []string) error {
	switch fields[0] {
	case "interface":
		// interface <name> <addr/prefix> <udp-addr:port>
		if len(fields) != 4 {
			return errors.New("usage: interface <name> <prefix> <udp addr>")
		}
		prefix, err := netip.ParsePrefix(fields[2])
		if err != nil {
			return errors.Wrap(err, "interface prefix")
		}
		udp, err := netip.ParseAddrPort(fields[3])
		if err != nil {
			return errors.Wrap(err, "interface udp address")
		}
		cfg.Interfaces = append(cfg.Interfaces, InterfaceConfig{
			Name:           fields[1],
			AssignedIP:     prefix.Addr(),
			AssignedPrefix: prefix.Masked(),
			UDPAddr:        udp,
		})
	case "neighbor":
		// neighbor <vip> at <udp-addr:port> via <ifname>
		if len(fields) != 6 || fields[2] != "at" || fields[4] != "via" {
			return errors.New("usage: neighbor <vip> at <udp addr> via <interface>")
		}
		vip, err := netip.ParseAddr(fields[1])
		if err != nil {
			return errors.Wrap(err, "neighbor address")
		}
		udp, err := netip.ParseAddrPort(fields[3])
		if err != nil {
			return errors.Wrap(err, "neighbor udp address")
		}
		cfg.Neighbors = append(cfg.Neighbors, NeighborConfig{
			DestAddr:      vip,
			UDPAddr:       udp,
			InterfaceName: fields[5],
		})
	case "routing":
		if len(fields) != 2 {
			return errors.New("usage: routing <static|rip|none>")
		}
		switch fields[1] {
		case "static":
			cfg.RoutingMode = RoutingTypeStatic
		case "rip":
			cfg.RoutingMode = RoutingTypeRIP
		case "none":
			cfg.RoutingMode = RoutingTypeNone
		default:
			return errors.Errorf("unknown routing mode %q", fields[1])
		}
	case "route":
		// route <prefix> via <vip>
		if len(fields) != 4 || fields[2] != "via" {
			return errors.New("usage: route <prefix> via <addr>")
		}
		prefix, err := netip.ParsePrefix(fields[1])
		if err != nil {
			return errors.Wrap(err, "route prefix")
		}
		via, err := netip.ParseAddr(fields[3])
		if err != nil {
			return errors.Wrap(err, "route next hop")
		}
		cfg.StaticRoutes[prefix.Masked()] = via
	case "rip":
		return cfg.parseRip(fields[1:])
	case "tcp":
		return cfg.parseTCP(fields[1:])
	default:
		return errors.Errorf("unknown directive %q", fields[0])
	}
	return nil
}

func (cfg *IPConfig) parseRip(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: rip <advertise-to|periodic-update-rate|route-timeout-threshold> <value>")
	}
	switch args[0] {
	case "advertise-to":
		addr, err := netip.ParseAddr(args[1])
		if err != nil {
			return errors.Wrap(err, "rip neighbor")
		}
		cfg.RipNeighbors = append(cfg.RipNeighbors, addr)
	case "periodic-update-rate":
		d, err := parseMillis(args[1])
		if err != nil {
			return err
		}
		cfg.RipPeriodicUpdateRate = d
	case "route-timeout-threshold":
		d, err := parseMillis(args[1])
		if err != nil {
			return err
		}
		cfg.RipTimeoutThreshold = d
	default:
		return errors.Errorf("unknown rip option %q", args[0])
	}
	return nil
}

func (cfg *IPConfig) parseTCP(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: tcp <rto-min|rto-max> <value>")
	}
	d, err := parseMillis(args[1])
	if err != nil {
		return err
	}
	switch args[0] {
	case "rto-min":
		cfg.TcpRtoMin = d
	case "rto-max":
		cfg.TcpRtoMax = d
	default:
		return errors.Errorf("unknown tcp option %q", args[0])
	}
	return nil
}

func parseMillis(s string) (time.Duration, error) {
	if ms, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("bad duration %q", s)
	}
	return d, nil
}

// Validate checks cross references between directives.
func (cfg *IPConfig) Validate() error {
	names := make(map[string]bool, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		if names[iface.Name] {
			return errors.Errorf("duplicate interface %s", iface.Name)
		}
		names[iface.Name] = true
		if !iface.AssignedIP.Is4() {
			return errors.Errorf("interface %s: only IPv4 is supported", iface.Name)
		}
	}
	for _, n := range cfg.Neighbors {
		if !names[n.InterfaceName] {
			return errors.Errorf("neighbor %s: unknown interface %s", n.DestAddr, n.InterfaceName)
		}
	}
	if cfg.TcpRtoMin <= 0 || cfg.TcpRtoMax < cfg.TcpRtoMin {
		return errors.Errorf("tcp rto bounds invalid: min %v max %v", cfg.TcpRtoMin, cfg.TcpRtoMax)
	}
	if cfg.RoutingMode == RoutingTypeRIP && cfg.RipPeriodicUpdateRate <= 0 {
		return errors.New("rip periodic update rate must be positive")
	}
	return nil
}
