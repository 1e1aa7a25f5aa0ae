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
)

func main() {
	configPath := flag.String("config", "", "path to the lnx file")
	overlayPath := flag.String("overlay", "", "optional YAML overlay with logging settings")
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
	for _, iface := range stack.Interfaces {
		logging.InfoWithFields(logging.Fields{"iface": iface.Name, "udp": iface.UDPAddr}, "%s has IP %s", iface.Name, iface.AssignedIP)
	}

	go func() {
		if err := stack.Run(ctx); err != nil {
			logging.Errorf("ip stack stopped: %v", err)
		}
		cancel()
	}()

	console := repl.New(stack, nil, os.Stdout)
	go func() {
		if err := console.Run(ctx, os.Stdin); err != nil {
			logging.Errorf("repl: %v", err)
		}
		cancel()
	}()
	<-ctx.Done()
}
