package ice

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/pion/ice/v2"
	"github.com/pion/logging"
	"github.com/pion/stun"

	"github.com/2gc-dev/natprobe/pkg/errors"
	"github.com/2gc-dev/natprobe/pkg/types"
)

// ErrNoServerCandidates is reported when gathering finished without a
// server reflexive or relayed candidate.
var ErrNoServerCandidates = errors.New("no server candidates gathered")

// Logger interface for ICE agent logging
type Logger interface {
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}

// Config describes one gathering session.
type Config struct {
	Server   *net.UDPAddr
	Proto    string
	Username string
	Password string
	IPv6     bool
}

// relayed reports whether relay candidates are gathered instead of
// server reflexive ones.
func (c Config) relayed() bool {
	return c.Username != "" && c.Password != ""
}

// Gathered summarises a finished gathering.
type Gathered struct {
	Host   int
	Server int
}

func (g Gathered) String() string {
	return fmt.Sprintf("gathering complete: %d host, %d server candidates", g.Host, g.Server)
}

// Handler receives the gathering result once.
type Handler func(Gathered, error)

type options struct {
	logger  Logger
	factory logging.LoggerFactory
	out     io.Writer
}

// Option configures an Agent.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLoggerFactory sets the logger factory handed to pion/ice.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithOutput sets where candidate lines are written.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// Agent gathers local candidates against one STUN or TURN server.
type Agent struct {
	conf    Config
	handler Handler
	opts    options
	agent   *ice.Agent

	mu       sync.Mutex
	gathered Gathered
	started  bool
	closed   bool
	finished bool
}

// NewAgent creates the underlying pion agent.
func NewAgent(conf Config, h Handler, opts ...Option) (*Agent, error) {
	o := options{
		logger:  nopLogger{},
		factory: logging.NewDefaultLoggerFactory(),
		out:     os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if conf.Server == nil {
		return nil, fmt.Errorf("ICE server address is required")
	}

	a := &Agent{conf: conf, handler: h, opts: o}

	agentConfig := &ice.AgentConfig{
		Urls:           []*stun.URI{serverURI(conf)},
		NetworkTypes:   networkTypes(conf.IPv6),
		CandidateTypes: candidateTypes(conf.relayed()),
		IPFilter:       keepIP,
		LoggerFactory:  o.factory,
	}

	agent, err := ice.NewAgent(agentConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create ICE agent: %w", err)
	}
	a.agent = agent

	if err := a.setupEventHandlers(); err != nil {
		agent.Close()
		return nil, err
	}

	return a, nil
}

func serverURI(conf Config) *stun.URI {
	uri := &stun.URI{
		Scheme: stun.SchemeTypeSTUN,
		Host:   conf.Server.IP.String(),
		Port:   conf.Server.Port,
		Proto:  stun.ProtoTypeUDP,
	}
	if conf.relayed() {
		uri.Scheme = stun.SchemeTypeTURN
		uri.Username = conf.Username
		uri.Password = conf.Password
		if conf.Proto == types.ProtoTCP {
			uri.Proto = stun.ProtoTypeTCP
		}
	}
	return uri
}

func networkTypes(ipv6 bool) []ice.NetworkType {
	if ipv6 {
		return []ice.NetworkType{ice.NetworkTypeUDP6}
	}
	return []ice.NetworkType{ice.NetworkTypeUDP4}
}

func candidateTypes(relayed bool) []ice.CandidateType {
	if relayed {
		return []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeRelay}
	}
	return []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive}
}

// keepIP skips loopback and link-local host addresses.
func keepIP(ip net.IP) bool {
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast()
}

// setupEventHandlers sets up ICE agent event handlers
func (a *Agent) setupEventHandlers() error {
	if err := a.agent.OnCandidate(a.onCandidate); err != nil {
		return fmt.Errorf("failed to set candidate handler: %w", err)
	}

	if err := a.agent.OnConnectionStateChange(func(state ice.ConnectionState) {
		a.opts.logger.Info("ICE connection state changed", "state", state.String())
	}); err != nil {
		return fmt.Errorf("failed to set state handler: %w", err)
	}

	return nil
}

func (a *Agent) onCandidate(c ice.Candidate) {
	if c == nil {
		a.finish()
		return
	}

	a.mu.Lock()
	if c.Type() == ice.CandidateTypeHost {
		a.gathered.Host++
	} else {
		a.gathered.Server++
	}
	a.mu.Unlock()

	if c.Type() == ice.CandidateTypeHost {
		fmt.Fprintf(a.opts.out, "host candidate:    %10s   %s\n", c.NetworkType(), net.JoinHostPort(c.Address(), fmt.Sprint(c.Port())))
		return
	}
	a.opts.logger.Debug("Candidate gathered", "candidate", c.String())
}

func (a *Agent) finish() {
	a.mu.Lock()
	if a.finished || a.closed {
		a.mu.Unlock()
		return
	}
	a.finished = true
	g := a.gathered
	a.mu.Unlock()

	var err error
	if g.Server == 0 {
		err = ErrNoServerCandidates
	}
	a.handler(g, err)
}

// Start begins gathering. The handler runs from a pion goroutine.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.ErrClosed
	}
	if a.started {
		return fmt.Errorf("ICE agent already started")
	}
	a.started = true

	a.opts.logger.Info("Starting candidate gathering", "server", a.conf.Server.String(), "relay", a.conf.relayed())
	if err := a.agent.GatherCandidates(); err != nil {
		return fmt.Errorf("failed to gather candidates: %w", err)
	}
	return nil
}

// WriteDebug writes a dump of the session to w.
func (a *Agent) WriteDebug(w io.Writer) error {
	a.mu.Lock()
	closed := a.closed
	g := a.gathered
	finished := a.finished
	a.mu.Unlock()

	var b strings.Builder
	b.WriteString("----- ICE Session -----\n")
	if closed {
		b.WriteString("closed\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	fmt.Fprintf(&b, "server: %s (%s)\n", a.conf.Server, serverURI(a.conf).Scheme)
	fmt.Fprintf(&b, "gathering: %s\n", gatheringState(finished))
	fmt.Fprintf(&b, "candidates: %d host, %d server\n", g.Host, g.Server)

	candidates, err := a.agent.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("failed to list candidates: %w", err)
	}
	for _, c := range candidates {
		fmt.Fprintf(&b, "  %s\n", c.String())
	}

	_, err = io.WriteString(w, b.String())
	return err
}

func gatheringState(finished bool) string {
	if finished {
		return "complete"
	}
	return "in progress"
}

// Close stops the agent. Safe to call repeatedly.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.agent.Close(); err != nil {
		a.opts.logger.Error("Failed to close ICE agent", "error", err)
		return err
	}
	return nil
}
