package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/2gc-dev/natprobe/pkg/types"
)

// options holds the raw command line values. Only flags the user changed
// are applied on top of the loaded configuration.
type options struct {
	configFile string

	port  int
	ipv6  bool
	udp   bool
	tcp   bool
	rtoMS int

	binding      bool
	hairpinning  bool
	mapping      bool
	filtering    bool
	lifetime     bool
	genericALG   bool
	all          bool
	relay        bool
	connectivity bool

	username    string
	password    string
	peer        string
	lifetimeSec int
	loopPort    int
	hold        bool

	logLevel    string
	logFormat   string
	metricsPort int
	pushgateway string
}

func (o *options) register(cmd *cobra.Command) {
	f := cmd.Flags()

	cmd.PersistentFlags().StringVarP(&o.configFile, "config", "c", "", "Configuration file path")

	// -h selects the hairpinning probe, so help keeps only its long form.
	f.Bool("help", false, "Show help")

	f.IntVarP(&o.port, "port", "p", 0, "Server port (default: DNS SRV discovery, then 3478)")
	f.BoolVarP(&o.ipv6, "ipv6", "6", false, "Use IPv6")
	f.BoolVarP(&o.udp, "udp", "u", false, "Use UDP (default)")
	f.BoolVarP(&o.tcp, "tcp", "t", false, "Use TCP")
	f.IntVarP(&o.rtoMS, "rto", "r", 0, "Initial retransmission timeout in milliseconds")

	f.BoolVarP(&o.binding, "binding", "b", false, "Binding discovery with keepalive")
	f.BoolVarP(&o.hairpinning, "hairpinning", "h", false, "NAT hairpinning test")
	f.BoolVarP(&o.mapping, "mapping", "m", false, "NAT mapping behaviour test")
	f.BoolVarP(&o.filtering, "filtering", "f", false, "NAT filtering behaviour test")
	f.BoolVarP(&o.lifetime, "lifetime", "l", false, "NAT binding lifetime discovery")
	f.BoolVarP(&o.genericALG, "generic-alg", "g", false, "Generic ALG detection")
	f.BoolVarP(&o.all, "all", "a", false, "Run the binding, hairpinning, mapping, filtering and ALG tests")
	f.BoolVarP(&o.relay, "relay", "T", false, "TURN relay allocation")
	f.BoolVarP(&o.connectivity, "ice", "I", false, "ICE candidate gathering")

	f.StringVarP(&o.username, "user", "U", "", "TURN username")
	f.StringVarP(&o.password, "pass", "P", "", "TURN password")
	f.StringVarP(&o.peer, "dest", "D", "", "Relay destination as ip:port")
	f.IntVarP(&o.lifetimeSec, "relay-lifetime", "L", 0, "Requested relay allocation lifetime in seconds")
	f.IntVarP(&o.loopPort, "loop-port", "O", 0, "Local UDP port bridged through the relay")
	f.BoolVarP(&o.hold, "hold", "H", false, "Keep running after every probe finished")

	f.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&o.logFormat, "log-format", "", "Log format (console, json)")
	f.IntVar(&o.metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port")
	f.StringVar(&o.pushgateway, "pushgateway", "", "Push metrics to this Pushgateway at the end of the run")
}

// apply merges the changed flags and the positional server into cfg.
func (o *options) apply(flags *pflag.FlagSet, server string, cfg *types.Config) error {
	changed := flags.Changed

	if server != "" {
		cfg.Server.Host = server
	}
	if changed("port") {
		cfg.Server.Port = o.port
	}
	if changed("ipv6") {
		cfg.Server.IPv6 = o.ipv6
	}

	if o.udp && o.tcp {
		return fmt.Errorf("--udp and --tcp are mutually exclusive")
	}
	if o.udp {
		cfg.Server.Proto = types.ProtoUDP
	}
	if o.tcp {
		cfg.Server.Proto = types.ProtoTCP
	}

	if changed("rto") {
		if o.rtoMS <= 0 {
			return fmt.Errorf("invalid rto %d", o.rtoMS)
		}
		cfg.STUN.RTO = time.Duration(o.rtoMS) * time.Millisecond
	}

	p := &cfg.Probes
	if o.all {
		p.Binding, p.Hairpinning, p.Mapping, p.Filtering, p.GenericALG = true, true, true, true, true
	}
	p.Binding = p.Binding || o.binding
	p.Hairpinning = p.Hairpinning || o.hairpinning
	p.Mapping = p.Mapping || o.mapping
	p.Filtering = p.Filtering || o.filtering
	p.Lifetime = p.Lifetime || o.lifetime
	p.GenericALG = p.GenericALG || o.genericALG
	p.Relay = p.Relay || o.relay
	p.Connectivity = p.Connectivity || o.connectivity

	if changed("user") {
		cfg.Relay.Username = o.username
	}
	if changed("pass") {
		cfg.Relay.Password = o.password
	}
	if changed("dest") {
		cfg.Relay.Peer = o.peer
	}
	if changed("relay-lifetime") {
		if o.lifetimeSec <= 0 {
			return fmt.Errorf("invalid relay lifetime %d", o.lifetimeSec)
		}
		cfg.Relay.Lifetime = time.Duration(o.lifetimeSec) * time.Second
	}
	if changed("loop-port") {
		cfg.Relay.LoopPort = o.loopPort
	}
	if changed("hold") {
		cfg.Hold = o.hold
	}

	if changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = o.logFormat
	}
	if changed("metrics-port") {
		cfg.Metrics.PrometheusPort = o.metricsPort
		cfg.Metrics.Enabled = true
	}
	if changed("pushgateway") {
		cfg.Metrics.PushgatewayURL = o.pushgateway
		cfg.Metrics.Enabled = true
	}
	return nil
}
