// Package server implements the SoapyRemote control-plane listener: an
// accept loop handing each connection to a connHandler that dispatches
// RPC calls onto a device.Driver, plus the discovery responder and log
// forwarding hub every connection shares.
package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pothosware/soapyremote-go/internal/device"
	"github.com/pothosware/soapyremote-go/internal/discovery"
	"github.com/pothosware/soapyremote-go/internal/logforward"
	"github.com/pothosware/soapyremote-go/internal/metrics"
	"github.com/pothosware/soapyremote-go/internal/sock"
)

// DefaultPort is spec.md §6's control-wire default TCP port.
const DefaultPort = 55132

// Config is the YAML-loadable server configuration, following the
// teacher's one-struct-per-concern config layout.
type Config struct {
	Bind       BindConfig       `yaml:"bind"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// BindConfig names the control listener address.
type BindConfig struct {
	Node string `yaml:"node"` // "" defaults per-platform (:: then 0.0.0.0)
	Port int    `yaml:"port"`
}

// DiscoveryConfig toggles the SSDP/mDNS responders.
type DiscoveryConfig struct {
	SSDP bool `yaml:"ssdp"`
	MDNS bool `yaml:"mdns"`
}

// PrometheusConfig mirrors the teacher's prometheus.yaml stanza, scoped
// to the fields this server's metrics.PushgatewayConfig needs.
type PrometheusConfig struct {
	PushgatewayURL string        `yaml:"pushgateway_url"`
	Job            string        `yaml:"job"`
	Instance       string        `yaml:"instance"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Interval       time.Duration `yaml:"interval"`
}

// LoadConfig reads and parses a YAML config file, the way the teacher's
// config.go does.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("server: parse config: %w", err)
	}
	return &cfg, nil
}

// Server is the running control-plane listener.
type Server struct {
	cfg      Config
	uuid     string
	registry *device.Registry
	logHub   *logforward.Hub
	metrics  *metrics.Metrics

	listener *sock.Socket
	ssdp     *discovery.Responder
	done     chan struct{}
}

// New constructs a server bound to cfg.Bind but does not yet listen;
// call Start to begin accepting connections. registry must already have
// every supported driver Register-ed.
func New(cfg Config, registry *device.Registry) *Server {
	id, err := uuid.NewUUID()
	idStr := id.String()
	if err != nil {
		idStr = uuid.New().String()
	}
	return &Server{
		cfg:      cfg,
		uuid:     idStr,
		registry: registry,
		logHub:   logforward.NewHub(),
		metrics:  metrics.New(),
		done:     make(chan struct{}),
	}
}

// UUID returns this server process's discovery identifier.
func (s *Server) UUID() string { return s.uuid }

// Metrics exposes the server's metrics for wiring into an HTTP /metrics
// handler or a Pushgateway worker from cmd/soapy-remoted.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Config returns the configuration this server was constructed with.
func (s *Server) Config() Config { return s.cfg }

// Start binds the control listener and, if configured, the discovery
// responder(s), then spawns the accept loop in the background.
func (s *Server) Start() error {
	port := s.cfg.Bind.Port
	if port == 0 {
		port = DefaultPort
	}

	node := s.cfg.Bind.Node
	ln, node, err := bindControlSocket(node, port)
	if err != nil {
		return fmt.Errorf("server: bind control socket on port %d: %w", port, err)
	}
	s.listener = ln

	if s.cfg.Discovery.SSDP {
		urn := "urn:schemas-pothosware-com:service:soapyRemote:1"
		location := fmt.Sprintf("tcp://%s:%d", node, port)
		r, err := discovery.StartResponder(s.uuid, urn, location, []int{4, 6})
		if err != nil {
			log.Printf("server: SSDP responder disabled: %v", err)
		} else {
			s.ssdp = r
		}
	}
	if s.cfg.Discovery.MDNS {
		if _, err := discovery.RegisterServer(s.uuid, port); err != nil {
			log.Printf("server: mDNS registration disabled: %v", err)
		}
	}

	log.SetOutput(io.MultiWriter(log.Writer(), logforward.Writer{Hub: s.logHub}))

	go s.acceptLoop()
	return nil
}

// Stop closes the listener and the SSDP responder; the mDNS registration
// made by Start is not shut down here. In-flight connections are left to
// notice the closed listener and finish their own teardown.
func (s *Server) Stop() error {
	close(s.done)
	if s.ssdp != nil {
		s.ssdp.Close()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("server: accept: %v", err)
				continue
			}
		}
		h := newConnHandler(conn, s)
		go h.serve()
	}
}

// bindControlSocket binds the control listener. An explicit node binds
// exactly as given; an empty node tries "::" first and falls back to
// "0.0.0.0" per spec.md's default-bind rule, returning whichever node
// actually bound so callers can report it (e.g. in the SSDP LOCATION).
func bindControlSocket(node string, port int) (*sock.Socket, string, error) {
	service := fmt.Sprintf("%d", port)
	if node != "" {
		ln, err := sock.Bind(sock.URL{Scheme: sock.SchemeTCP, Node: node, Service: service})
		return ln, node, err
	}
	if ln, err := sock.Bind(sock.URL{Scheme: sock.SchemeTCP, Node: "::", Service: service}); err == nil {
		return ln, "::", nil
	}
	ln, err := sock.Bind(sock.URL{Scheme: sock.SchemeTCP, Node: "0.0.0.0", Service: service})
	return ln, "0.0.0.0", err
}
