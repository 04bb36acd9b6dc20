// Package config decodes the minimum configuration surface spec.md §6
// requires the core to read. It is deliberately not a general templating or
// CLI config system — spec.md §1 carves the configuration parser and CLI out
// as an external collaborator — so this is a one-shot JSON decode plus a
// caddy-module-style Provision/Validate pass, grounded on the
// `Provision(ctx caddy.Context) error` convention used throughout
// modules/caddyhttp/*.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// CodecType is spec.md §6's codec_type enum.
type CodecType string

const (
	CodecHTTP1 CodecType = "HTTP1"
	CodecHTTP2 CodecType = "HTTP2"
	CodecHTTP3 CodecType = "HTTP3"
	CodecAuto  CodecType = "AUTO"
)

// HTTP1Settings is spec.md §6's "H1 settings" group.
type HTTP1Settings struct {
	AllowAbsoluteURL           bool `json:"allow_absolute_url,omitempty"`
	AcceptHTTP10               bool `json:"accept_http_10,omitempty"`
	AllowChunkedLength         bool `json:"allow_chunked_length,omitempty"`
	StreamErrorOnInvalidHTTPMessage bool `json:"stream_error_on_invalid_http_message,omitempty"`
	EnableTrailers             bool `json:"enable_trailers,omitempty"`

	// ForceResetOnPrematureUpstreamHalfClose governs the client-side
	// behavior of spec.md §4.1.4's on_message_complete_base.
	ForceResetOnPrematureUpstreamHalfClose bool `json:"force_reset_on_premature_upstream_half_close,omitempty"`
}

// ConnectionManagerConfig is spec.md §6's "HTTP connection manager" group,
// plus the premature-reset thresholds of §4.7 and the reserved
// soft_drain_http1 flag (spec.md §9 Open Questions: "treat as reserved").
type ConnectionManagerConfig struct {
	CodecType               CodecType     `json:"codec_type"`
	MaxRequestHeadersKB     int           `json:"max_request_headers_kb"`
	MaxRequestHeadersCount  int           `json:"max_request_headers_count"`
	MaxRequestsPerConnection int          `json:"max_requests_per_connection"`
	Proxy100Continue        bool          `json:"proxy_100_continue"`
	HTTP1                   HTTP1Settings `json:"http_protocol_options"`
	RouteConfigName         string        `json:"route_config"`

	// PrematureResetThreshold/Rate implement spec.md §4.7's premature-reset
	// defense ("≥500 absolute, or 2x rate under it").
	PrematureResetAbsoluteThreshold int     `json:"premature_reset_absolute_threshold"`
	PrematureResetRateThreshold     float64 `json:"premature_reset_rate_threshold"`

	// SoftDrainHTTP1 is carried but never read; spec.md §9 documents it as
	// reserved, set but never toggled in the source this spec was
	// distilled from.
	SoftDrainHTTP1 bool `json:"soft_drain_http1,omitempty"`

	// MaxBufferBytes caps how much body data a filter that stops iteration
	// with StopIterationAndBuffer may accumulate before the filter manager
	// gives up and sends a 413 (spec.md §4.2.2 step 3's "honoring cluster
	// buffer limit; overflow -> local-reply 413").
	MaxBufferBytes int `json:"max_buffer_bytes,omitempty"`
}

// DiscoveryType is spec.md §3's Cluster discovery type.
type DiscoveryType string

const (
	DiscoveryStatic              DiscoveryType = "STATIC"
	DiscoveryStrictDNS           DiscoveryType = "STRICT_DNS"
	DiscoveryLogicalDNS          DiscoveryType = "LOGICAL_DNS"
	DiscoveryDynamicForwardProxy DiscoveryType = "DYNAMIC_FORWARD_PROXY"
)

// LBPolicy names the load-balancer policy a cluster uses (spec.md §4.4/§4.6).
type LBPolicy string

const (
	LBRoundRobin         LBPolicy = "ROUND_ROBIN"
	LBWeightedRoundRobin LBPolicy = "WEIGHTED_ROUND_ROBIN"
	LBRandom             LBPolicy = "RANDOM"
	LBLeastRequest       LBPolicy = "LEAST_REQUEST"
)

// Endpoint is one static upstream address in a ClusterConfig.
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// ClusterConfig is spec.md §6's "Cluster" group.
type ClusterConfig struct {
	Name          string        `json:"name"`
	Type          DiscoveryType `json:"type"`
	LBPolicy      LBPolicy      `json:"lb_policy"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	Endpoints     []Endpoint    `json:"lb_endpoints"`

	MaxConnections     int `json:"max_connections"`
	MaxPendingRequests int `json:"max_pending_requests"`
	MaxRequests        int `json:"max_requests"`
	MaxConnectingCap   int `json:"max_connecting_capacity"`
}

// RouteConfig is one entry of the route_config named by
// ConnectionManagerConfig.RouteConfigName, spec.md §3's Route/RouteEntry
// reduced to the method/host/path-prefix match rule SPEC_FULL.md's config
// surface models (header matchers and CEL-style predicates are out of
// scope per that expansion's dropped-dependency note).
type RouteConfig struct {
	Name        string   `json:"name"`
	Methods     []string `json:"methods,omitempty"`
	HostExact   string   `json:"host,omitempty"`
	PathPrefix  string   `json:"path_prefix,omitempty"`
	ClusterName string   `json:"cluster"`
}

// ListenerConfig binds a connection manager to a local address — the one
// piece of transport configuration the core needs even though the
// transport socket itself is an external collaborator (spec.md §6).
type ListenerConfig struct {
	Address string        `json:"address"`
	Routes  []RouteConfig `json:"routes"`
}

// Config is the top-level decoded configuration document.
type Config struct {
	ConnectionManager ConnectionManagerConfig `json:"connection_manager"`
	Clusters          []ClusterConfig         `json:"clusters"`
	Listeners         []ListenerConfig        `json:"listeners"`
}

// Load decodes and validates a Config from r.
func Load(r io.Reader) (*Config, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Provision(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Provision fills in defaults and validates the decoded document, mirroring
// the teacher's module Provision(ctx) convention.
func (c *Config) Provision() error {
	cm := &c.ConnectionManager
	if cm.CodecType == "" {
		cm.CodecType = CodecHTTP1
	}
	if cm.CodecType != CodecHTTP1 && cm.CodecType != CodecAuto {
		return fmt.Errorf("codec_type %q: only HTTP1 is implemented (spec.md §1 non-goal: HTTP/2 and HTTP/3)", cm.CodecType)
	}
	if cm.MaxRequestHeadersKB == 0 {
		cm.MaxRequestHeadersKB = 60
	}
	if cm.MaxRequestHeadersCount == 0 {
		cm.MaxRequestHeadersCount = 100
	}
	if cm.PrematureResetAbsoluteThreshold == 0 {
		cm.PrematureResetAbsoluteThreshold = 500
	}
	if cm.PrematureResetRateThreshold == 0 {
		cm.PrematureResetRateThreshold = 0.5
	}
	if cm.MaxBufferBytes == 0 {
		cm.MaxBufferBytes = 1 << 20 // 1MiB, matching Envoy's per_connection_buffer_limit_bytes default
	}

	seen := make(map[string]bool, len(c.Clusters))
	for i := range c.Clusters {
		cl := &c.Clusters[i]
		if cl.Name == "" {
			return fmt.Errorf("cluster[%d]: name is required", i)
		}
		if seen[cl.Name] {
			return fmt.Errorf("cluster %q: duplicate name", cl.Name)
		}
		seen[cl.Name] = true
		if cl.LBPolicy == "" {
			cl.LBPolicy = LBRoundRobin
		}
		if cl.Type == "" {
			cl.Type = DiscoveryStatic
		}
		if cl.MaxConnections == 0 {
			cl.MaxConnections = 1024
		}
		if cl.MaxConnectingCap == 0 {
			cl.MaxConnectingCap = cl.MaxConnections
		}
		if cl.MaxPendingRequests == 0 {
			cl.MaxPendingRequests = 1024
		}
	}

	for i := range c.Listeners {
		ln := &c.Listeners[i]
		if ln.Address == "" {
			return fmt.Errorf("listener[%d]: address is required", i)
		}
		for j := range ln.Routes {
			rt := &ln.Routes[j]
			if rt.ClusterName == "" {
				return fmt.Errorf("listener %q route[%d]: cluster is required", ln.Address, j)
			}
			if !seen[rt.ClusterName] {
				return fmt.Errorf("listener %q route[%d]: cluster %q not defined", ln.Address, j, rt.ClusterName)
			}
		}
	}
	return nil
}
