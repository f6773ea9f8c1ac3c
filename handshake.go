package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ===== handshake =====

var supportedProtocolVersions = map[string]struct{}{
	"2024-11-05": {},
	"2025-03-26": {},
	"2025-06-18": {},
}

const defaultProtocolVersion = "2025-03-26"

// client capability blocks the gateway knows how to mediate
var knownClientCapabilities = map[string]struct{}{
	"roots":        {},
	"sampling":     {},
	"elicitation":  {},
	"experimental": {},
}

type initializeParams struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ClientInfo      mcp.Implementation         `json:"clientInfo"`
}

// negotiate validates the client's initialize call against a Connecting
// session. Any malformation here is fatal to the session.
func negotiate(sess *Session, raw json.RawMessage) (*initializeParams, error) {
	if len(raw) == 0 {
		return nil, &HandshakeError{Reason: "missing initialize params"}
	}
	var params initializeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &HandshakeError{Reason: "malformed initialize params: " + err.Error()}
	}

	version := strings.TrimSpace(params.ProtocolVersion)
	if version == "" {
		return nil, &HandshakeError{Reason: "missing protocolVersion"}
	}
	if _, ok := supportedProtocolVersions[version]; !ok {
		return nil, &HandshakeError{Reason: "unsupported protocol version " + version}
	}
	for capName := range params.Capabilities {
		if _, ok := knownClientCapabilities[capName]; !ok {
			return nil, &HandshakeError{Reason: "incompatible client capability " + capName}
		}
	}

	switch sess.State() {
	case stateClosing, stateClosed:
		return nil, &HandshakeError{Reason: "session already closed"}
	}
	// Re-negotiation on an already negotiated session is a no-op; the CAS
	// only fires on the Connecting edge.
	sess.transition(stateConnecting, stateNegotiated)
	return &params, nil
}

// buildInitializeResult advertises the union of the bindings' declared
// capabilities plus gateway server info.
func buildInitializeResult(cfg *Config, registry *UpstreamRegistry, negotiatedVersion string) map[string]any {
	if negotiatedVersion == "" {
		negotiatedVersion = defaultProtocolVersion
	}

	capabilities := map[string]any{}
	for _, capName := range registry.declaredCapabilities() {
		switch capName {
		case "tools", "prompts":
			capabilities[capName] = map[string]any{"listChanged": false}
		case "resources":
			capabilities[capName] = map[string]any{"subscribe": false, "listChanged": false}
		default:
			capabilities[capName] = map[string]any{}
		}
	}

	serverInfo := mcp.Implementation{}
	if cfg != nil && cfg.Gateway != nil {
		serverInfo.Name = cfg.Gateway.Name
		serverInfo.Version = cfg.Gateway.Version
	}

	return map[string]any{
		"protocolVersion": negotiatedVersion,
		"serverInfo":      serverInfo,
		"capabilities":    capabilities,
	}
}

// ===== manifest =====

func buildManifestDocument(cfg *Config, baseURL *url.URL, r *http.Request, registry *UpstreamRegistry) map[string]any {
	if baseURL == nil {
		baseURL = &url.URL{}
	}

	endpointPath := path.Join(baseURL.Path, "mcp")
	if !strings.HasPrefix(endpointPath, "/") {
		endpointPath = "/" + endpointPath
	}

	requestScheme := "https"
	if r != nil {
		if r.TLS == nil {
			requestScheme = "http"
			if baseURL.Scheme != "" {
				requestScheme = baseURL.Scheme
			}
		}
	} else if baseURL.Scheme != "" {
		requestScheme = baseURL.Scheme
	}

	requestHost := baseURL.Host
	if r != nil && r.Host != "" {
		requestHost = r.Host
	}

	endpointURL := (&url.URL{Scheme: requestScheme, Host: requestHost, Path: endpointPath}).String()

	upstreams := make([]map[string]any, 0, len(registry.all()))
	for _, up := range registry.all() {
		caps := make([]string, 0, len(up.capabilities))
		for c := range up.capabilities {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		state := "healthy"
		if !up.Healthy() {
			state = "unreachable"
		}
		upstreams = append(upstreams, map[string]any{
			"name":         up.Name(),
			"capabilities": caps,
			"health":       state,
		})
	}

	doc := map[string]any{
		"name":         cfg.Gateway.Name,
		"version":      cfg.Gateway.Version,
		"capabilities": registry.declaredCapabilities(),
		"endpoint":     endpointPath,
		"endpointURL":  endpointURL,
		"upstreams":    upstreams,
	}
	return doc
}
