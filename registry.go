package main

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ===== upstream bindings =====

const (
	healthHealthy int32 = iota
	healthUnreachable
)

// Upstream is one configured downstream MCP server. The set of bindings is
// loaded at startup and never mutated by clients; only the health state
// changes, and that through atomics so dispatch decisions never block on
// each other.
type Upstream struct {
	name         string
	endpoint     *url.URL
	capabilities map[string]struct{}
	authToken    string
	timeout      time.Duration
	logEnabled   bool
	client       *http.Client
	health       atomic.Int32
	logger       zerolog.Logger
}

func newUpstream(name string, cfg *UpstreamConfig, fallbackTimeout time.Duration, logger zerolog.Logger) (*Upstream, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("upstream %q endpoint: %w", name, err)
	}

	timeout := cfg.Timeout.orElse(fallbackTimeout)

	// Keep connections to the binding warm across calls.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	caps := make(map[string]struct{}, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			caps[c] = struct{}{}
		}
	}

	return &Upstream{
		name:         name,
		endpoint:     endpoint,
		capabilities: caps,
		authToken:    cfg.AuthToken,
		timeout:      timeout,
		logEnabled:   cfg.Options.LogEnabled.OrElse(false),
		client:       &http.Client{Transport: transport},
		logger:       logger.With().Str("upstream", name).Logger(),
	}, nil
}

func (u *Upstream) Name() string { return u.name }

func (u *Upstream) Healthy() bool {
	return u.health.Load() == healthHealthy
}

func (u *Upstream) markUnreachable() {
	if u.health.Swap(healthUnreachable) != healthUnreachable {
		u.logger.Warn().Msg("upstream marked unreachable")
	}
}

func (u *Upstream) markHealthy() {
	if u.health.Swap(healthHealthy) != healthHealthy {
		u.logger.Info().Msg("upstream healthy again")
	}
}

// supports reports whether the binding declares the capability. An empty
// requirement (ping, initialize) is satisfied by every binding.
func (u *Upstream) supports(capability string) bool {
	if capability == "" {
		return true
	}
	_, ok := u.capabilities[capability]
	return ok
}

// ===== registry =====

// UpstreamRegistry owns the ordered binding list. Sessions hold references
// into it, never copies, so a health transition is visible to the very next
// dispatch decision.
type UpstreamRegistry struct {
	ordered []*Upstream
	byName  map[string]*Upstream
}

func newUpstreamRegistry(cfg *Config, logger zerolog.Logger) (*UpstreamRegistry, error) {
	names := make([]string, 0, len(cfg.Upstreams))
	for name := range cfg.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := &UpstreamRegistry{
		ordered: make([]*Upstream, 0, len(names)),
		byName:  make(map[string]*Upstream, len(names)),
	}
	for _, name := range names {
		up, err := newUpstream(name, cfg.Upstreams[name], cfg.Gateway.requestTimeout(), logger)
		if err != nil {
			return nil, err
		}
		reg.ordered = append(reg.ordered, up)
		reg.byName[name] = up
	}
	return reg, nil
}

// selectUpstream is the dispatch policy: first healthy binding satisfying
// the capability requirement, in configured (name-sorted) order.
func (r *UpstreamRegistry) selectUpstream(capability string) *Upstream {
	return r.selectNext(capability, nil)
}

// selectNext serves the retry path: same policy, skipping one binding.
func (r *UpstreamRegistry) selectNext(capability string, skip *Upstream) *Upstream {
	for _, up := range r.ordered {
		if up == skip {
			continue
		}
		if up.Healthy() && up.supports(capability) {
			return up
		}
	}
	return nil
}

func (r *UpstreamRegistry) get(name string) *Upstream {
	return r.byName[name]
}

func (r *UpstreamRegistry) all() []*Upstream {
	return r.ordered
}

// declaredCapabilities is the union across all bindings, healthy or not;
// health gates dispatch, not advertisement.
func (r *UpstreamRegistry) declaredCapabilities() []string {
	seen := make(map[string]struct{})
	for _, up := range r.ordered {
		for c := range up.capabilities {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// methodCapability maps an MCP method to the capability a binding must
// declare before it may serve the call.
func methodCapability(method string) string {
	switch {
	case strings.HasPrefix(method, "tools/"):
		return "tools"
	case strings.HasPrefix(method, "prompts/"):
		return "prompts"
	case strings.HasPrefix(method, "resources/"):
		return "resources"
	case strings.HasPrefix(method, "completion/"):
		return "completions"
	case strings.HasPrefix(method, "logging/"):
		return "logging"
	default:
		return ""
	}
}
