package dns

import (
	"context"
	"testing"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	reg := testRegistry()
	s := NewServer(reg, &Config{
		ListenAddr: "127.0.0.1:0",
		Domain:     "burrow",
		Upstream:   []string{"127.0.0.1:1"}, // nothing listens here
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = s.Stop()
	})
	require.True(t, s.IsRunning())
	return s
}

func query(t *testing.T, s *Server, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	c := &dns.Client{Net: "udp"}
	resp, _, err := c.Exchange(m, s.Addr().String())
	require.NoError(t, err)
	return resp
}

func TestServerAnswersFromRegistry(t *testing.T) {
	s := startServer(t)

	resp := query(t, s, "mongo-0.mongo.default.burrow", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "10.0.0.10", resp.Answer[0].(*dns.A).A.String())

	resp = query(t, s, "mongo.default", dns.TypeA)
	assert.Len(t, resp.Answer, 2)
}

func TestServerNameErrorInsideDomain(t *testing.T) {
	s := startServer(t)

	resp := query(t, s, "missing.default.burrow", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestServerServfailWhenUpstreamDown(t *testing.T) {
	s := startServer(t)

	resp := query(t, s, "example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestServerStopIsIdempotent(t *testing.T) {
	s := NewServer(testRegistry(), &Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestNewServerDefaults(t *testing.T) {
	s := NewServer(testRegistry(), nil)
	assert.Equal(t, DefaultListenAddr, s.listenAddr)
	assert.Equal(t, []string{DefaultUpstream}, s.upstream)
	assert.Equal(t, DefaultDomain, s.resolver.domain)
}

func TestServerSeesRegistryChangesImmediately(t *testing.T) {
	reg := testRegistry()
	s := NewServer(reg, &Config{ListenAddr: "127.0.0.1:0", Upstream: []string{"127.0.0.1:1"}})
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	reg.Sync("mongo.default", &types.Instance{ID: "m0", Name: "mongo", Ordinal: 0, Phase: types.PhaseTerminating, Ready: false})

	resp := query(t, s, "mongo.default.burrow", dns.TypeA)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "10.0.0.11", resp.Answer[0].(*dns.A).A.String())
}
