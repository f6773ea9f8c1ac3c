package main

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRegistry(t *testing.T, upstreams map[string]*UpstreamConfig) *UpstreamRegistry {
	t.Helper()
	cfg := &Config{
		Gateway:   &GatewayConfig{},
		Upstreams: upstreams,
	}
	cfg.setDefaults()
	reg, err := newUpstreamRegistry(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestSelectUpstreamPrefersFirstHealthyWithCapability(t *testing.T) {
	reg := testRegistry(t, map[string]*UpstreamConfig{
		"alpha": {Endpoint: "http://alpha.local/mcp", Capabilities: []string{"prompts"}},
		"beta":  {Endpoint: "http://beta.local/mcp", Capabilities: []string{"tools"}},
		"gamma": {Endpoint: "http://gamma.local/mcp", Capabilities: []string{"tools"}},
	})

	selected := reg.selectUpstream("tools")
	if selected == nil || selected.Name() != "beta" {
		t.Fatalf("expected beta to be selected, got %v", selected)
	}
}

func TestSelectUpstreamSkipsUnreachableBindings(t *testing.T) {
	reg := testRegistry(t, map[string]*UpstreamConfig{
		"alpha": {Endpoint: "http://alpha.local/mcp", Capabilities: []string{"tools"}},
		"beta":  {Endpoint: "http://beta.local/mcp", Capabilities: []string{"tools"}},
	})

	reg.get("alpha").markUnreachable()

	selected := reg.selectUpstream("tools")
	if selected == nil || selected.Name() != "beta" {
		t.Fatalf("expected beta after alpha marked unreachable, got %v", selected)
	}

	reg.get("alpha").markHealthy()
	selected = reg.selectUpstream("tools")
	if selected == nil || selected.Name() != "alpha" {
		t.Fatalf("expected alpha once healthy again, got %v", selected)
	}
}

func TestSelectUpstreamReturnsNilWhenNoCapabilityMatch(t *testing.T) {
	reg := testRegistry(t, map[string]*UpstreamConfig{
		"alpha": {Endpoint: "http://alpha.local/mcp", Capabilities: []string{"prompts"}},
	})

	if selected := reg.selectUpstream("tools"); selected != nil {
		t.Fatalf("expected no binding for tools, got %s", selected.Name())
	}
}

func TestSelectNextSkipsGivenBinding(t *testing.T) {
	reg := testRegistry(t, map[string]*UpstreamConfig{
		"alpha": {Endpoint: "http://alpha.local/mcp", Capabilities: []string{"tools"}},
		"beta":  {Endpoint: "http://beta.local/mcp", Capabilities: []string{"tools"}},
	})

	primary := reg.selectUpstream("tools")
	alt := reg.selectNext("tools", primary)
	if alt == nil || alt.Name() == primary.Name() {
		t.Fatalf("expected a different binding on retry, got %v", alt)
	}

	reg.get("beta").markUnreachable()
	if next := reg.selectNext("tools", primary); next != nil {
		t.Fatalf("expected no alternate binding, got %s", next.Name())
	}
}

func TestEmptyCapabilitySatisfiedByAnyBinding(t *testing.T) {
	reg := testRegistry(t, map[string]*UpstreamConfig{
		"alpha": {Endpoint: "http://alpha.local/mcp", Capabilities: []string{"prompts"}},
	})

	if selected := reg.selectUpstream(""); selected == nil {
		t.Fatalf("expected ping-style calls to match any binding")
	}
}

func TestHealthTransitionsVisibleAcrossGoroutines(t *testing.T) {
	reg := testRegistry(t, map[string]*UpstreamConfig{
		"alpha": {Endpoint: "http://alpha.local/mcp", Capabilities: []string{"tools"}},
	})
	up := reg.get("alpha")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(flip bool) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if flip {
					up.markUnreachable()
				} else {
					up.markHealthy()
				}
				reg.selectUpstream("tools")
			}
		}(i%2 == 0)
	}
	wg.Wait()

	up.markHealthy()
	if !up.Healthy() {
		t.Fatalf("expected final healthy state to be visible immediately")
	}
}

func TestDeclaredCapabilitiesAreUnionAcrossBindings(t *testing.T) {
	reg := testRegistry(t, map[string]*UpstreamConfig{
		"alpha": {Endpoint: "http://alpha.local/mcp", Capabilities: []string{"tools", "prompts"}},
		"beta":  {Endpoint: "http://beta.local/mcp", Capabilities: []string{"resources", "tools"}},
	})

	caps := reg.declaredCapabilities()
	want := []string{"prompts", "resources", "tools"}
	if len(caps) != len(want) {
		t.Fatalf("capabilities = %v, want %v", caps, want)
	}
	for i := range want {
		if caps[i] != want[i] {
			t.Fatalf("capabilities = %v, want %v", caps, want)
		}
	}
}

func TestMethodCapabilityMapping(t *testing.T) {
	cases := map[string]string{
		"tools/call":               "tools",
		"tools/list":               "tools",
		"prompts/get":              "prompts",
		"resources/read":           "resources",
		"resources/templates/list": "resources",
		"completion/complete":      "completions",
		"ping":                     "",
		"initialize":               "",
	}
	for method, want := range cases {
		if got := methodCapability(method); got != want {
			t.Fatalf("methodCapability(%q) = %q, want %q", method, got, want)
		}
	}
}

func TestUpstreamTimeoutFallsBackToGatewayDefault(t *testing.T) {
	cfg := &Config{
		Gateway: &GatewayConfig{RequestTimeout: duration{3 * time.Second}},
		Upstreams: map[string]*UpstreamConfig{
			"alpha": {Endpoint: "http://alpha.local/mcp"},
			"beta":  {Endpoint: "http://beta.local/mcp", Timeout: duration{500 * time.Millisecond}},
		},
	}
	cfg.setDefaults()
	reg, err := newUpstreamRegistry(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if got := reg.get("alpha").timeout; got != 3*time.Second {
		t.Fatalf("alpha timeout = %s, want 3s", got)
	}
	if got := reg.get("beta").timeout; got != 500*time.Millisecond {
		t.Fatalf("beta timeout = %s, want 500ms", got)
	}
}
