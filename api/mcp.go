package api

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/spoilguard/kit"
	"github.com/hazyhaar/spoilguard/settings"
)

// RegisterMCP registers the spoilguard tools on an MCP server.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerGetSettingsTool(srv)
	s.registerSetSettingsTool(srv)
	s.registerLogsTool(srv)
	s.registerCheckTitleTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// readOnly wraps a tool that changes nothing; state-changing tools reuse
// the audited endpoints built in New.
func (s *Server) readOnly(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(requestID, kit.Logging(s.logger, name))(ep)
}

// --- get settings ---

type empty struct{}

func (s *Server) registerGetSettingsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "spoilguard_get_settings",
		Description: "Return the current spoiler keywords and display options.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.cfg.Store.Get(ctx)
	}
	kit.RegisterMCPTool(srv, tool, s.readOnly(tool.Name, endpoint), kit.DecodeArgs[empty]())
}

// --- set settings ---

func (s *Server) registerSetSettingsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "spoilguard_set_settings",
		Description: "Update keywords or options. Omitted fields are left unchanged. Open pages re-evaluate immediately.",
		InputSchema: inputSchema(map[string]any{
			"keywords":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Case-insensitive substrings that hide a video's timeline"},
			"hideThumbnails":  map[string]any{"type": "boolean", "description": "Hide durations on thumbnails of matching videos"},
			"showCurrentTime": map[string]any{"type": "boolean", "description": "Keep the elapsed time visible while hiding"},
			"enabled":         map[string]any{"type": "boolean", "description": "Master switch"},
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, s.setSettings, kit.DecodeArgs[settings.Patch]())
}

// --- logs ---

type logsReq struct {
	Limit int `json:"limit"`
}

func (s *Server) registerLogsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "spoilguard_logs",
		Description: "List recent hide events, newest first, and today's hidden count.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum lines to return (0 = all)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*logsReq)
		lines, err := s.cfg.Journal.Logs(ctx)
		if err != nil {
			return nil, err
		}
		if r.Limit > 0 && len(lines) > r.Limit {
			lines = lines[:r.Limit]
		}
		n, err := s.cfg.Journal.HiddenToday(ctx)
		if err != nil {
			return nil, err
		}
		if lines == nil {
			lines = []string{}
		}
		return logsResponse{Logs: lines, HiddenToday: n}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.readOnly(tool.Name, endpoint), kit.DecodeArgs[logsReq]())
}

// --- check title ---

func (s *Server) registerCheckTitleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "spoilguard_check_title",
		Description: "Report whether a video title would have its timeline hidden under the current settings.",
		InputSchema: inputSchema(map[string]any{
			"title": map[string]any{"type": "string", "description": "Video title"},
		}, []string{"title"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*checkRequest)
		if r.Title == "" {
			return nil, errors.New("title is required")
		}
		return s.cfg.Pages.CheckTitle(ctx, r.Title)
	}
	kit.RegisterMCPTool(srv, tool, s.readOnly(tool.Name, endpoint), kit.DecodeArgs[checkRequest]())
}
