package server

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/capsolve/kit"
	"github.com/hazyhaar/capsolve/recognize"
)

// RegisterMCP registers the solver's tools on an MCP server, so an agent
// can drive the pipeline over the same controller the HTTP API uses.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerScan(srv)
	s.registerRecognize(srv)
	s.registerSolve(srv)
	s.registerApplySiteRule(srv)
	s.registerTestConnection(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Server) registerScan(srv *mcp.Server) {
	type req struct {
		URL string `json:"url"`
	}

	tool := &mcp.Tool{
		Name:        "capsolve_scan",
		Description: "Scan the current page (optionally opening a URL first) for CAPTCHA candidates",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "URL to open before scanning; omit to rescan the current tab"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.URL != "" {
			if err := s.ctrl.Open(ctx, p.URL); err != nil {
				return nil, err
			}
		}
		return s.ctrl.Scan(ctx)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (s *Server) registerRecognize(srv *mcp.Server) {
	type req struct {
		Identity string `json:"identity"`
	}

	tool := &mcp.Tool{
		Name:        "capsolve_recognize",
		Description: "Capture a scanned candidate and recognize its text with the active provider",
		InputSchema: inputSchema(map[string]any{
			"identity": map[string]any{"type": "string", "description": "Candidate identity from a scan; omit for the most likely one"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ctrl.Recognize(ctx, p.Identity)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (s *Server) registerSolve(srv *mcp.Server) {
	type req struct {
		URL string `json:"url"`
	}

	tool := &mcp.Tool{
		Name:        "capsolve_solve",
		Description: "Run the full pipeline: scan, recognize, and fill the answer input",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "URL to open first; omit to solve on the current tab"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.URL != "" {
			if err := s.ctrl.Open(ctx, p.URL); err != nil {
				return nil, err
			}
		}
		return s.ctrl.Solve(ctx)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (s *Server) registerApplySiteRule(srv *mcp.Server) {
	type req struct {
		Selector string `json:"selector"`
	}

	tool := &mcp.Tool{
		Name:        "capsolve_apply_site_rule",
		Description: "Pin a CSS selector as the CAPTCHA element for the current site",
		InputSchema: inputSchema(map[string]any{
			"selector": map[string]any{"type": "string", "description": "CSS selector of the CAPTCHA element"},
		}, []string{"selector"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ctrl.ApplySiteRule(ctx, p.Selector)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (s *Server) registerTestConnection(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capsolve_test_connection",
		Description: "Round-trip test of a provider configuration",
		InputSchema: inputSchema(map[string]any{
			"family":   map[string]any{"type": "string", "description": "Provider family: openai, gemini, claude"},
			"model":    map[string]any{"type": "string", "description": "Model identifier"},
			"base_url": map[string]any{"type": "string", "description": "API base URL; omit for the family default"},
			"api_key":  map[string]any{"type": "string", "description": "API key"},
		}, []string{"family", "model"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		cfg := r.(*recognize.ProviderConfig)
		return s.ctrl.TestConnection(ctx, *cfg), nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[recognize.ProviderConfig])
}

// decodeInto unmarshals MCP arguments into T.
func decodeInto[T any](r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p T
	if len(r.Params.Arguments) > 0 {
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &p}, nil
}
