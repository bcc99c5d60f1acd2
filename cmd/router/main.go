// Command router runs the IPv4 forwarding plane against a set of
// pcap-less, application-provided interfaces (see the Transmitter/ingress
// wiring in the router package); this binary only owns flag parsing,
// logger setup and lifetime.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"

	"github.com/soypat/lneto-router/iface"
	"github.com/soypat/lneto-router/router"
)

func main() {
	var (
		natEnabled    = flag.Bool("nat", false, "enable NAT between the internal and external interfaces")
		internalIface = flag.String("internal", "", "internal-facing interface name (required if -nat)")
		externalIface = flag.String("external", "", "external-facing interface name (required if -nat)")
		verbose       = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))

	if *natEnabled && (*internalIface == "" || *externalIface == "") {
		fmt.Fprintln(os.Stderr, "router: -internal and -external are required when -nat is set")
		os.Exit(2)
	}

	cfg := router.DefaultConfig()
	cfg.NATEnabled = *natEnabled
	cfg.InternalIface = *internalIface
	cfg.ExternalIface = *externalIface

	ifaces, routes, err := loadTopology()
	if err != nil {
		log.Error("failed to load interface/route configuration", "err", err)
		os.Exit(1)
	}

	tx := &netInterfaceTransmitter{log: log}
	r := router.New(cfg, ifaces, routes, tx, clockwork.NewRealClock(), log)
	timer := r.StartTimer()
	defer timer.Stop()

	ingress := router.NewIngressPool(r, maxIngressConcurrency)
	defer ingress.Stop()

	log.Info("router started", "nat", cfg.NATEnabled, "internal", cfg.InternalIface, "external", cfg.ExternalIface)
	// Real deployments hand ingress.Submit to the link layer's per-interface
	// receive loop (raw socket, AF_PACKET, pcap); wiring that loop is out of
	// scope here, same as the rest of process startup.
	select {}
}

// maxIngressConcurrency bounds how many frames the router processes at
// once; see router.IngressPool.
const maxIngressConcurrency = 8

// loadTopology builds the interface and route tables. Production topology
// discovery (netlink, config file) is out of scope here; this is a
// placeholder the operator is expected to replace with real bindings.
func loadTopology() (*iface.Table, *iface.RouteTable, error) {
	ifaces := iface.NewTable()
	routes := iface.NewRouteTable()
	return ifaces, routes, nil
}

// netInterfaceTransmitter is a stub Transmitter; real deployments hand the
// router a Transmitter backed by raw sockets or an AF_PACKET/pcap handle
// per interface.
type netInterfaceTransmitter struct {
	log *slog.Logger
}

func (t *netInterfaceTransmitter) SendFrame(ifaceName string, frame []byte) error {
	t.log.Debug("send", "iface", ifaceName, "len", len(frame))
	return nil
}
