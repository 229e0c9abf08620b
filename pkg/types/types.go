package types

import (
	"time"
)

// Transport protocol constants
const (
	ProtoUDP = "udp"
	ProtoTCP = "tcp"
)

// Default values shared by config loading and the CLI
const (
	DefaultServerPort        = 3478
	DefaultRTO               = 500 * time.Millisecond
	DefaultRC                = 7
	DefaultRM                = 16
	DefaultTI                = 39500 * time.Millisecond
	DefaultRelayLifetime     = 600 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultLifetimeInterval  = 3 * time.Second
)

// Config represents the complete client configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Probes  ProbesConfig  `mapstructure:"probes"`
	STUN    STUNConfig    `mapstructure:"stun"`
	Relay   RelayConfig   `mapstructure:"relay"`
	DNS     DNSConfig     `mapstructure:"dns"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Hold keeps the run loop alive after every probe completed.
	Hold bool `mapstructure:"hold"`
}

// ServerConfig contains discovery server settings
type ServerConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"` // 0 means DNS SRV discovery
	Proto string `mapstructure:"proto"`
	IPv6  bool   `mapstructure:"ipv6"`
}

// ProbesConfig selects the probes of a run
type ProbesConfig struct {
	Binding      bool `mapstructure:"binding"`
	Hairpinning  bool `mapstructure:"hairpinning"`
	Mapping      bool `mapstructure:"mapping"`
	Filtering    bool `mapstructure:"filtering"`
	Lifetime     bool `mapstructure:"lifetime"`
	GenericALG   bool `mapstructure:"generic_alg"`
	Relay        bool `mapstructure:"relay"`
	Connectivity bool `mapstructure:"connectivity"`
}

// Any reports whether at least one probe is selected.
func (p ProbesConfig) Any() bool {
	return p.Binding || p.Hairpinning || p.Mapping || p.Filtering ||
		p.Lifetime || p.GenericALG || p.Relay || p.Connectivity
}

// STUNConfig contains transaction and probe timing settings
type STUNConfig struct {
	RTO               time.Duration `mapstructure:"rto"`
	RC                int           `mapstructure:"rc"`
	RM                int           `mapstructure:"rm"`
	TI                time.Duration `mapstructure:"ti"`
	TOS               int           `mapstructure:"tos"`
	Software          string        `mapstructure:"software"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	LifetimeInterval  time.Duration `mapstructure:"lifetime_interval"`
}

// RelayConfig contains TURN and loopback bridge settings
type RelayConfig struct {
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Realm    string        `mapstructure:"realm"`
	Peer     string        `mapstructure:"peer"`
	Lifetime time.Duration `mapstructure:"lifetime"`
	LoopPort int           `mapstructure:"loop_port"`
}

// DNSConfig contains resolver settings
type DNSConfig struct {
	ResolvConf string        `mapstructure:"resolv_conf"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PrometheusPort int           `mapstructure:"prometheus_port"`
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
	JobName        string        `mapstructure:"job_name"`
	PushInterval   time.Duration `mapstructure:"push_interval"`
}
