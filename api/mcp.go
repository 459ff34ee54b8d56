package api

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/finveille/kit"
	"github.com/hazyhaar/finveille/news"
)

// RegisterMCP registers the news tools on an MCP server, so agent clients
// can query the consolidated store and trigger merges over the same core
// operations the HTTP surface uses.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerQuery(srv)
	s.registerStats(srv)
	s.registerConsolidate(srv)
}

// toolLog wraps a tool endpoint so every invocation and failure lands in
// the server log with the tool name and transport.
func (s *Server) toolLog(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			resp, err := next(ctx, req)
			if err != nil {
				s.log.Warn("mcp: tool failed",
					"tool", tool, "transport", kit.GetTransport(ctx), "err", err)
				return nil, err
			}
			s.log.Debug("mcp: tool served", "tool", tool)
			return resp, nil
		}
	}
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

func (s *Server) registerQuery(srv *mcp.Server) {
	type req struct {
		Keyword  string `json:"keyword"`
		Source   string `json:"source"`
		Category string `json:"category"`
		From     string `json:"from"`
		To       string `json:"to"`
		Limit    int    `json:"limit"`
		Offset   int    `json:"offset"`
	}

	tool := &mcp.Tool{
		Name:        "news_query",
		Description: "Search consolidated financial news with optional filters",
		InputSchema: inputSchema(map[string]any{
			"keyword":  map[string]any{"type": "string", "description": "Match against title, content and keywords"},
			"source":   map[string]any{"type": "string", "description": "Restrict to one crawler source"},
			"category": map[string]any{"type": "string", "description": "Restrict to one category"},
			"from":     map[string]any{"type": "string", "description": "Earliest pub_time (ISO 8601)"},
			"to":       map[string]any{"type": "string", "description": "Latest pub_time (ISO 8601)"},
			"limit":    map[string]any{"type": "integer", "description": "Max records, default 50"},
			"offset":   map[string]any{"type": "integer", "description": "Pagination offset"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		f := news.Filters{
			Keyword: p.Keyword, Source: p.Source, Category: p.Category,
			DateFrom: p.From, DateTo: p.To,
		}
		recs, err := s.cfg.Main.Query(ctx, f, p.Limit, p.Offset)
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = []news.Record{}
		}
		return recs, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(s.toolLog(tool.Name))(endpoint), decode)
}

func (s *Server) registerStats(srv *mcp.Server) {
	type req struct {
		FanOut bool `json:"fan_out"`
	}

	tool := &mcp.Tool{
		Name:        "news_stats",
		Description: "Aggregate counts and time range for the consolidated store, or fanned out across source stores",
		InputSchema: inputSchema(map[string]any{
			"fan_out": map[string]any{"type": "boolean", "description": "Sum across per-source stores instead of the main store"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.FanOut {
			paths := make([]string, 0, len(s.cfg.Sources))
			for _, src := range s.cfg.Sources {
				paths = append(paths, src.Path)
			}
			return s.cfg.Stats.FanOut(ctx, paths)
		}
		return s.cfg.Stats.Store(ctx, s.cfg.Main.Path())
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(s.toolLog(tool.Name))(endpoint), decode)
}

func (s *Server) registerConsolidate(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "news_consolidate",
		Description: "Run a consolidation: back up the main store, merge every source store into it, archive consumed sources",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.cfg.Merger.Consolidate(ctx, s.cfg.Sources)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(s.toolLog(tool.Name))(endpoint), decode)
}
