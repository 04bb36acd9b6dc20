package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcore/rpcore/internal/cluster/lb"
	"github.com/rpcore/rpcore/internal/config"
)

func TestManagerGetReturnsConfiguredCluster(t *testing.T) {
	m := NewManager([]config.ClusterConfig{
		{Name: "svc-a", LBPolicy: config.LBRoundRobin, Endpoints: []config.Endpoint{{Address: "10.0.0.1", Port: 80}}},
	}, nil)

	c, ok := m.Get("svc-a")
	require.True(t, ok)
	assert.Equal(t, "svc-a", c.Name())
	require.Len(t, c.Hosts(), 1)
	assert.Equal(t, "10.0.0.1", c.Hosts()[0].Address)
}

func TestManagerGetMissingClusterReturnsFalse(t *testing.T) {
	m := NewManager(nil, nil)
	_, ok := m.Get("nope")
	assert.False(t, ok)
}

func TestChooseHostRoundRobins(t *testing.T) {
	m := NewManager([]config.ClusterConfig{
		{Name: "svc", LBPolicy: config.LBRoundRobin, Endpoints: []config.Endpoint{
			{Address: "a", Port: 1}, {Address: "b", Port: 2},
		}},
	}, nil)
	c, _ := m.Get("svc")

	first := c.ChooseHost()
	second := c.ChooseHost()
	assert.NotEqual(t, first.Address, second.Address)
}

func TestPoolForReusesPoolPerHost(t *testing.T) {
	m := NewManager([]config.ClusterConfig{
		{Name: "svc", Endpoints: []config.Endpoint{{Address: "a", Port: 1}}, MaxConnections: 8, MaxConnectingCap: 8},
	}, nil)
	c, _ := m.Get("svc")
	h := c.Hosts()[0]

	p1 := c.PoolFor(h, config.HTTP1Settings{})
	p2 := c.PoolFor(h, config.HTTP1Settings{})
	assert.Same(t, p1, p2)
}

func TestAddHostDeduplicatesByAddressPort(t *testing.T) {
	m := NewManager([]config.ClusterConfig{{Name: "svc"}}, nil)
	c, _ := m.Get("svc")

	c.AddHost(&lb.Host{Address: "x", Port: 9})
	c.AddHost(&lb.Host{Address: "x", Port: 9})
	assert.Len(t, c.Hosts(), 1)
}

func TestNewDynamicClusterRegistersUnderManager(t *testing.T) {
	m := NewManager(nil, nil)
	dc := NewDynamicCluster("dfp:example.com:443", "93.184.216.34", 443, config.LBRoundRobin)
	m.AddDynamic(dc)

	got, ok := m.Get("dfp:example.com:443")
	require.True(t, ok)
	assert.Len(t, got.Hosts(), 1)

	m.Remove("dfp:example.com:443")
	_, ok = m.Get("dfp:example.com:443")
	assert.False(t, ok)
}
