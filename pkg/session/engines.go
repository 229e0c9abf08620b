package session

import (
	"fmt"
	"net"
	"time"

	"github.com/2gc-dev/natprobe/pkg/ice"
	"github.com/2gc-dev/natprobe/pkg/natbd"
	"github.com/2gc-dev/natprobe/pkg/probe"
	"github.com/2gc-dev/natprobe/pkg/relay"
	"github.com/2gc-dev/natprobe/pkg/stunc"
)

type nopRecorder struct{}

func (nopRecorder) ProbeStarted(string)                         {}
func (nopRecorder) ProbeFinished(string, string, time.Duration) {}
func (nopRecorder) PendingProbes(int)                           {}
func (nopRecorder) RecordForwarded(string, int)                 {}
func (nopRecorder) RecordForwardError(string)                   {}
func (nopRecorder) SetBindingLifetime(time.Duration)            {}

// allocators maps every probe kind to the engine it runs.
func (s *Session) allocators() map[probe.Kind]probe.Allocator {
	return map[probe.Kind]probe.Allocator{
		probe.Binding:      s.allocBinding,
		probe.Hairpinning:  s.allocHairpinning,
		probe.Mapping:      s.allocMapping,
		probe.Filtering:    s.allocFiltering,
		probe.Lifetime:     s.allocLifetime,
		probe.GenericALG:   s.allocGenericALG,
		probe.Relay:        s.allocRelay,
		probe.Connectivity: s.allocConnectivity,
	}
}

// value keeps a nil result out of the outcome; a typed nil Stringer would
// otherwise be rendered.
func value(ok bool, v fmt.Stringer) fmt.Stringer {
	if !ok {
		return nil
	}
	return v
}

func (s *Session) natbdOptions(res *probe.Resources) []natbd.Option {
	opts := []natbd.Option{
		natbd.WithClock(res.Clock),
		natbd.WithLogger(s.logger.Named("natbd")),
	}
	if res.LocalAddr != nil {
		opts = append(opts, natbd.WithLocalAddr(res.LocalAddr))
	}
	return opts
}

func (s *Session) allocBinding(res *probe.Resources, report probe.Report) (probe.Engine, error) {
	fmt.Fprintf(s.out, "Doing Binding Discovery test..\n")
	return stunc.NewKeepalive(res.Transport, res.Server, res.Config, s.cfg.STUN.KeepaliveInterval,
		func(mapped *net.UDPAddr, err error) {
			report(probe.Outcome{Value: value(mapped != nil, mapped), Err: err})
		},
		stunc.WithClock(res.Clock),
		stunc.WithLogger(s.logger.Named("keepalive")),
	), nil
}

func (s *Session) allocHairpinning(res *probe.Resources, report probe.Report) (probe.Engine, error) {
	return natbd.NewHairpinning(res.Proto, res.Server, res.Config, func(h natbd.Hairpin, err error) {
		report(probe.Outcome{Value: value(err == nil, h), Err: err})
	}, s.natbdOptions(res)...)
}

func (s *Session) allocMapping(res *probe.Resources, report probe.Report) (probe.Engine, error) {
	return natbd.NewMapping(res.Transport, res.Server, res.Config, func(b natbd.Behavior, err error) {
		report(probe.Outcome{Value: value(err == nil, b), Err: err})
	}, s.natbdOptions(res)...)
}

func (s *Session) allocFiltering(res *probe.Resources, report probe.Report) (probe.Engine, error) {
	return natbd.NewFiltering(res.Proto, res.Server, res.Config, func(b natbd.Behavior, err error) {
		report(probe.Outcome{Value: value(err == nil, b), Err: err})
	}, s.natbdOptions(res)...)
}

func (s *Session) allocLifetime(res *probe.Resources, report probe.Report) (probe.Engine, error) {
	return natbd.NewLifetime(res.Proto, res.Server, res.Config, s.cfg.STUN.LifetimeInterval,
		func(iv natbd.Interval, err error) {
			if err == nil && iv.Min > 0 {
				s.recorder.SetBindingLifetime(time.Duration(iv.Min) * time.Second)
			}
			report(probe.Outcome{Value: iv, Err: err, Converged: iv.Converged()})
		}, s.natbdOptions(res)...)
}

func (s *Session) allocGenericALG(res *probe.Resources, report probe.Report) (probe.Engine, error) {
	return natbd.NewGenericALG(res.Transport, res.Server, res.Config,
		func(status natbd.ALGStatus, mapped *net.UDPAddr, err error) {
			if mapped != nil {
				s.logger.Debug("Generic ALG mapped address", "mapped", mapped)
			}
			report(probe.Outcome{Value: value(err == nil, status), Err: err})
		})
}

func (s *Session) allocRelay(res *probe.Resources, report probe.Report) (probe.Engine, error) {
	cfg := s.cfg.Relay
	return relay.NewClient(relay.Config{
		Server:   res.Server,
		Proto:    res.Proto,
		Username: cfg.Username,
		Password: cfg.Password,
		Realm:    cfg.Realm,
		Software: res.Config.Software,
		RTO:      res.Config.RTO,
		Lifetime: cfg.Lifetime,
		Peer:     s.peer,
		LoopPort: cfg.LoopPort,
	}, func(a *relay.Allocation, err error) {
		report(probe.Outcome{Value: value(a != nil, a), Err: err})
	},
		relay.WithLogger(s.logger.Named("relay")),
		relay.WithLoggerFactory(s.logger.PionFactory()),
		relay.WithRecorder(s.recorder),
		relay.WithOutput(s.out),
	)
}

func (s *Session) allocConnectivity(res *probe.Resources, report probe.Report) (probe.Engine, error) {
	server, ok := res.Server.(*net.UDPAddr)
	if !ok {
		tcp, isTCP := res.Server.(*net.TCPAddr)
		if !isTCP {
			return nil, fmt.Errorf("unexpected server address %T", res.Server)
		}
		server = &net.UDPAddr{IP: tcp.IP, Port: tcp.Port}
	}

	return ice.NewAgent(ice.Config{
		Server:   server,
		Proto:    res.Proto,
		Username: s.cfg.Relay.Username,
		Password: s.cfg.Relay.Password,
		IPv6:     s.cfg.Server.IPv6,
	}, func(g ice.Gathered, err error) {
		s.RequestDebug()
		report(probe.Outcome{Value: g, Err: err})
	},
		ice.WithLogger(s.logger.Named("ice")),
		ice.WithLoggerFactory(s.logger.PionFactory()),
		ice.WithOutput(s.out),
	)
}
