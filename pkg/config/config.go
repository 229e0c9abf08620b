package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/2gc-dev/natprobe/pkg/types"
	"github.com/spf13/viper"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// LoadConfig loads configuration from file and environment variables.
// An empty configPath searches the default locations; a missing file is
// not an error.
func LoadConfig(configPath string) (*types.Config, error) {
	v := viper.New()
	v.SetConfigName("natprobe")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/natprobe")
	v.AddConfigPath("$HOME/.natprobe")

	// Set defaults
	setDefaults(v)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read environment variables
	v.SetEnvPrefix("NATPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config types.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Substitute environment variables in string fields
	substituteEnvVars(&config)

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.proto", types.ProtoUDP)
	v.SetDefault("server.ipv6", false)
	v.SetDefault("stun.rto", types.DefaultRTO)
	v.SetDefault("stun.rc", types.DefaultRC)
	v.SetDefault("stun.rm", types.DefaultRM)
	v.SetDefault("stun.ti", types.DefaultTI)
	v.SetDefault("stun.tos", 0)
	v.SetDefault("stun.software", "natprobe")
	v.SetDefault("stun.keepalive_interval", types.DefaultKeepaliveInterval)
	v.SetDefault("stun.lifetime_interval", types.DefaultLifetimeInterval)
	v.SetDefault("relay.username", "")
	v.SetDefault("relay.password", "")
	v.SetDefault("relay.realm", "")
	v.SetDefault("relay.peer", "")
	v.SetDefault("relay.lifetime", types.DefaultRelayLifetime)
	v.SetDefault("relay.loop_port", 0)
	for _, probe := range []string{"binding", "hairpinning", "mapping", "filtering",
		"lifetime", "generic_alg", "relay", "connectivity"} {
		v.SetDefault("probes."+probe, false)
	}
	v.SetDefault("hold", false)
	v.SetDefault("dns.resolv_conf", "/etc/resolv.conf")
	v.SetDefault("dns.timeout", "5s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.job_name", "natprobe")
	v.SetDefault("metrics.push_interval", 0)
}

// Validate checks a fully merged configuration (file, environment and
// command line) before a run starts.
func Validate(c *types.Config) error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host is required")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	if c.Server.Proto != types.ProtoUDP && c.Server.Proto != types.ProtoTCP {
		return fmt.Errorf("unsupported transport %q (udp or tcp)", c.Server.Proto)
	}

	if !c.Probes.Any() {
		return fmt.Errorf("no probe selected")
	}

	if c.STUN.RTO <= 0 {
		return fmt.Errorf("rto must be positive")
	}

	if c.STUN.RC <= 0 || c.STUN.RM <= 0 {
		return fmt.Errorf("retransmission counts must be positive")
	}

	if c.STUN.TOS < 0 || c.STUN.TOS > 255 {
		return fmt.Errorf("invalid tos %d", c.STUN.TOS)
	}

	if c.STUN.KeepaliveInterval <= 0 || c.STUN.LifetimeInterval < 0 {
		return fmt.Errorf("probe intervals must be positive")
	}

	if c.Relay.LoopPort < 0 || c.Relay.LoopPort > 65535 {
		return fmt.Errorf("invalid loop port %d", c.Relay.LoopPort)
	}

	if c.Relay.Peer != "" {
		if _, err := ParsePeer(c.Relay.Peer); err != nil {
			return err
		}
	}

	if c.Metrics.PrometheusPort < 0 || c.Metrics.PrometheusPort > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.Metrics.PrometheusPort)
	}

	return nil
}

// ParsePeer parses the relay destination given as ip:port.
func ParsePeer(s string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("could not parse peer %s: %w", s, err)
	}
	if net.ParseIP(host) == nil {
		return nil, fmt.Errorf("could not parse peer %s: not an IP address", s)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("could not parse peer %s: %w", s, err)
	}
	return addr, nil
}

// substituteEnvVars substitutes environment variables in configuration strings
func substituteEnvVars(config *types.Config) {
	config.Server.Host = substituteEnvVar(config.Server.Host)
	config.Relay.Username = substituteEnvVar(config.Relay.Username)
	config.Relay.Password = substituteEnvVar(config.Relay.Password)
	config.Relay.Realm = substituteEnvVar(config.Relay.Realm)
	config.Relay.Peer = substituteEnvVar(config.Relay.Peer)
	config.Metrics.PushgatewayURL = substituteEnvVar(config.Metrics.PushgatewayURL)
}

// substituteEnvVar substitutes environment variables in a string
// Supports format: ${VAR_NAME} or ${VAR_NAME:default_value}
func substituteEnvVar(value string) string {
	if value == "" {
		return value
	}

	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		matches := envVarPattern.FindStringSubmatch(match)
		if len(matches) < 2 {
			return match
		}

		varName := matches[1]
		defaultValue := ""
		if len(matches) > 2 {
			defaultValue = matches[2]
		}

		envValue := os.Getenv(varName)
		if envValue == "" {
			envValue = defaultValue
		}

		return envValue
	})
}
