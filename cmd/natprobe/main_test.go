package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2gc-dev/natprobe/pkg/logging"
	"github.com/2gc-dev/natprobe/pkg/types"
)

func parse(t *testing.T, args ...string) (*types.Config, error) {
	t.Helper()
	opts := &options{}
	cmd := &cobra.Command{Use: "natprobe"}
	opts.register(cmd)
	require.NoError(t, cmd.ParseFlags(args))

	cfg := &types.Config{
		Server: types.ServerConfig{Proto: types.ProtoUDP},
		STUN:   types.STUNConfig{RTO: types.DefaultRTO},
		Relay:  types.RelayConfig{Lifetime: types.DefaultRelayLifetime},
	}
	err := opts.apply(cmd.Flags(), "stun.example.net", cfg)
	return cfg, err
}

func TestApplyAllShorthand(t *testing.T) {
	cfg, err := parse(t, "-a")
	require.NoError(t, err)

	assert.Equal(t, types.ProbesConfig{
		Binding:     true,
		Hairpinning: true,
		Mapping:     true,
		Filtering:   true,
		GenericALG:  true,
	}, cfg.Probes)
	assert.Equal(t, "stun.example.net", cfg.Server.Host)
}

func TestApplyHairpinningShorthand(t *testing.T) {
	cfg, err := parse(t, "-h", "-l")
	require.NoError(t, err)
	assert.True(t, cfg.Probes.Hairpinning)
	assert.True(t, cfg.Probes.Lifetime)
	assert.False(t, cfg.Probes.Binding)
}

func TestApplyTransportAndTiming(t *testing.T) {
	cfg, err := parse(t, "-t", "-6", "-p", "5349", "-r", "250", "-b")
	require.NoError(t, err)

	assert.Equal(t, types.ProtoTCP, cfg.Server.Proto)
	assert.True(t, cfg.Server.IPv6)
	assert.Equal(t, 5349, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.STUN.RTO)
}

func TestApplyRelayFlags(t *testing.T) {
	cfg, err := parse(t, "-T", "-U", "alice", "-P", "secret", "-D", "192.0.2.10:4000", "-L", "300", "-O", "6000", "-H")
	require.NoError(t, err)

	assert.True(t, cfg.Probes.Relay)
	assert.Equal(t, "alice", cfg.Relay.Username)
	assert.Equal(t, "secret", cfg.Relay.Password)
	assert.Equal(t, "192.0.2.10:4000", cfg.Relay.Peer)
	assert.Equal(t, 300*time.Second, cfg.Relay.Lifetime)
	assert.Equal(t, 6000, cfg.Relay.LoopPort)
	assert.True(t, cfg.Hold)
}

func TestApplyKeepsUnchangedValues(t *testing.T) {
	cfg, err := parse(t, "-I")
	require.NoError(t, err)

	assert.Equal(t, types.DefaultRTO, cfg.STUN.RTO)
	assert.Equal(t, types.DefaultRelayLifetime, cfg.Relay.Lifetime)
	assert.Equal(t, types.ProtoUDP, cfg.Server.Proto)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestApplyMetricsFlagsEnableMetrics(t *testing.T) {
	cfg, err := parse(t, "-b", "--metrics-port", "9100", "--pushgateway", "http://127.0.0.1:9091")
	require.NoError(t, err)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.PrometheusPort)
	assert.Equal(t, "http://127.0.0.1:9091", cfg.Metrics.PushgatewayURL)
}

func TestApplyRejectsBadValues(t *testing.T) {
	_, err := parse(t, "-u", "-t", "-b")
	assert.Error(t, err)

	_, err = parse(t, "-r", "0", "-b")
	assert.Error(t, err)

	_, err = parse(t, "--relay-lifetime=-5", "-T")
	assert.Error(t, err)
}

func TestRootCommandNeedsServer(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"-b"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "natprobe "+version)
}

func TestWatchStdinCallsPerKey(t *testing.T) {
	calls := 0
	watchStdin(strings.NewReader("d\n"), func() { calls++ })
	assert.Equal(t, 2, calls)

	calls = 0
	watchStdin(strings.NewReader(""), func() { calls++ })
	assert.Equal(t, 0, calls)
}

func TestNewMetricsGroupsByRunID(t *testing.T) {
	m := newMetrics(types.MetricsConfig{
		Enabled:        true,
		PushgatewayURL: "http://127.0.0.1:9091",
		JobName:        "natprobe",
	}, "run-9", logging.NewNop())

	pg, ok := m.GetMetrics()["pushgateway"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run-9", pg["instance"])
	assert.Equal(t, "natprobe", pg["job_name"])

	plain := newMetrics(types.MetricsConfig{Enabled: true, PrometheusPort: 9100}, "run-9", logging.NewNop())
	assert.NotContains(t, plain.GetMetrics(), "pushgateway")
}
