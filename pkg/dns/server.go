package dns

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/miekg/dns"
)

const (
	// DefaultListenAddr is the address the DNS front end binds by default
	DefaultListenAddr = "127.0.0.1:5353"

	// DefaultDomain is the default cluster domain
	DefaultDomain = "burrow"

	// DefaultUpstream is the fallback DNS server for external queries
	DefaultUpstream = "8.8.8.8:53"
)

// Server is the Burrow DNS front end for the service registry
type Server struct {
	resolver   *Resolver
	dnsServer  *dns.Server
	listenAddr string
	upstream   []string // External DNS servers for forwarding
	addr       net.Addr
	mu         sync.RWMutex
	running    bool
}

// Config holds DNS server configuration
type Config struct {
	ListenAddr string   // UDP address to listen on (default: 127.0.0.1:5353)
	Domain     string   // cluster domain (default: "burrow")
	Upstream   []string // Upstream DNS servers (default: [8.8.8.8:53])
}

// NewServer creates a new DNS server reading through lookup
func NewServer(lookup Lookup, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if len(config.Upstream) == 0 {
		config.Upstream = []string{DefaultUpstream}
	}

	return &Server{
		resolver:   NewResolver(lookup, config.Domain),
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
	}
}

// Start binds the UDP socket and serves queries in the background until
// Stop is called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("DNS server already running")
	}

	pc, err := net.ListenPacket("udp", s.listenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	started := make(chan struct{})
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)
	s.dnsServer = &dns.Server{
		PacketConn:        pc,
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}
	s.addr = pc.LocalAddr()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.dnsServer.ActivateAndServe(); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("DNS server error")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-started:
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	log.Logger.Info().
		Str("component", "dns").
		Str("address", s.addr.String()).
		Msg("DNS server started")

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	return nil
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.dnsServer.Shutdown(); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("error stopping DNS server")
		return err
	}

	log.Logger.Info().
		Str("component", "dns").
		Msg("DNS server stopped")
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// IsRunning returns true if the DNS server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			if s.resolver.InDomain(q.Name) {
				// Authoritative for the cluster domain, A records only
				continue
			}
			s.forwardQuery(w, r)
			return
		}

		answers, err := s.resolver.Resolve(q.Name)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("query", q.Name).
				Msg("forwarding query to upstream")
			s.forwardQuery(w, r)
			return
		}
		if len(answers) == 0 {
			msg.Rcode = dns.RcodeNameError
		}
		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("failed to write DNS response")
	}
}

// forwardQuery relays a query to the first upstream that answers
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("upstream", upstream).
				Msg("failed to forward query to upstream")
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("failed to write forwarded DNS response")
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("failed to write DNS error response")
	}
}
