package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"iptcp/pkg/ipstack"
	"iptcp/pkg/lnxconfig"
	"iptcp/pkg/logging"
	"iptcp/pkg/repl"
	"iptcp/pkg/rippacket"
	"iptcp/pkg/socket"
	"iptcp/pkg/tcpstack"
)

func main() {
	configPath := flag.String("config", "", "path to the lnx file")
	overlayPath := flag.String("overlay", "", "optional YAML overlay with logging and tcp settings")
	flag.Parse()
	if *configPath == "" {
		fmt.Printf("Usage:  %s --config <lnx file> [--overlay <yaml file>]\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := lnxconfig.Load(*configPath, *overlayPath)
	if err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.Overlay.Logging.Apply(); err != nil {
		logging.Fatalf("logging: %v", err)
	}

	stack, err := ipstack.New(cfg)
	if err != nil {
		logging.Fatalf("ip stack: %v", err)
	}
	defer stack.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stack.RegisterProtocolHandler(ipstack.ProtocolTest, ipstack.TestPacketHandler(os.Stdout))
	if cfg.RoutingMode == lnxconfig.RoutingTypeRIP {
		rip := rippacket.New(cfg.RipNeighbors, cfg.RipPeriodicUpdateRate, cfg.RipTimeoutThreshold)
		if err := stack.StartRouting(ctx, rip); err != nil {
			logging.Fatalf("%v", err)
		}
	}

	tcp := tcpstack.New(stack, tcpOptions(cfg)...)
	stack.RegisterProtocolHandler(tcp.Protocol(), tcp.HandlePacket)

	go func() {
		if err := stack.Run(ctx); err != nil {
			logging.Errorf("ip stack stopped: %v", err)
		}
		cancel()
	}()

	console := repl.New(stack, socket.NewTable(tcp, cfg.Overlay.TCP.BufferSize), os.Stdout)
	go func() {
		if err := console.Run(ctx, os.Stdin); err != nil {
			logging.Errorf("repl: %v", err)
		}
		cancel()
	}()
	<-ctx.Done()
}

// tcpOptions maps the lnx and overlay settings onto engine options. Unset
// values keep the engine defaults.
func tcpOptions(cfg *lnxconfig.IPConfig) []tcpstack.Option {
	var opts []tcpstack.Option
	if cfg.TcpRtoMin > 0 && cfg.TcpRtoMax >= cfg.TcpRtoMin {
		opts = append(opts, tcpstack.WithRTO(cfg.TcpRtoMin, cfg.TcpRtoMax))
	}
	t := cfg.Overlay.TCP
	if t.Protocol != 0 {
		opts = append(opts, tcpstack.WithProtocol(t.Protocol))
	}
	if t.BufferSize > 0 {
		opts = append(opts, tcpstack.WithBufferSize(t.BufferSize))
	}
	if t.MSS > 0 {
		opts = append(opts, tcpstack.WithMSS(t.MSS))
	}
	if t.MaxRetries > 0 {
		opts = append(opts, tcpstack.WithMaxRetries(t.MaxRetries))
	}
	if t.RTTAlpha > 0 {
		opts = append(opts, tcpstack.WithRTTAlpha(t.RTTAlpha))
	}
	return opts
}
