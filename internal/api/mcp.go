package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pagetweak/internal/pipeline"
	"github.com/kalambet/pagetweak/internal/request"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service Service
	Version string
}

// NewMCPServer creates an MCP server exposing the generate/preview tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"pagetweak",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pagetweak generates JavaScript and CSS that change a live web page, and previews them in a browser tab."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("open_target",
			mcp.WithDescription("Open a URL in a browser tab. Returns the target key used by the other tools."),
			mcp.WithString("url", mcp.Description("Page URL"), mcp.Required()),
		),
		mcpOpenTarget(deps),
	)

	s.AddTool(
		mcp.NewTool("list_targets",
			mcp.WithDescription("List open browser targets and their active previews."),
		),
		mcpListTargets(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_script",
			mcp.WithDescription("Ask the model for a script that performs the requested change on the target page."),
			mcp.WithString("target", mcp.Description("Target key returned by open_target"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("What to change on the page"), mcp.Required()),
			mcp.WithString("selector", mcp.Description("CSS selector of the element to change")),
			mcp.WithString("script_id", mcp.Description("Continue the conversation of an existing script")),
			mcp.WithBoolean("apply", mcp.Description("Preview the script on the target right away")),
			mcp.WithString("response_format", mcp.Description("json (default) or text")),
		),
		mcpGenerateScript(deps),
	)

	s.AddTool(
		mcp.NewTool("preview_script",
			mcp.WithDescription("Apply a stored script to the target page."),
			mcp.WithString("target", mcp.Description("Target key"), mcp.Required()),
			mcp.WithString("script_id", mcp.Description("Script id"), mcp.Required()),
		),
		mcpPreviewScript(deps),
	)

	s.AddTool(
		mcp.NewTool("revoke_preview",
			mcp.WithDescription("Remove a script's preview from the target page. Omit script_id to remove all previews."),
			mcp.WithString("target", mcp.Description("Target key"), mcp.Required()),
			mcp.WithString("script_id", mcp.Description("Script id")),
		),
		mcpRevokePreview(deps),
	)

	s.AddTool(
		mcp.NewTool("list_scripts",
			mcp.WithDescription("List stored scripts, most recently updated first."),
		),
		mcpListScripts(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pagetweak://scripts",
			"Stored Scripts",
			mcp.WithResourceDescription("All stored scripts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceScripts(deps),
	)

	return s
}

func mcpOpenTarget(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil || url == "" {
			return mcpError("url is required"), nil
		}
		info, err := deps.Service.OpenTarget(ctx, url)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to open target: %v", err)), nil
		}
		return mcpJSON(info)
	}
}

func mcpListTargets(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Service.Targets(ctx))
	}
}

func mcpGenerateScript(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("target")
		if err != nil {
			return mcpError("target is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		res, err := deps.Service.Generate(ctx, key, pipeline.GenerateInput{
			Prompt:         prompt,
			Selector:       req.GetString("selector", ""),
			ScriptID:       req.GetString("script_id", ""),
			Apply:          req.GetBool("apply", false),
			ResponseFormat: request.ResponseFormat(req.GetString("response_format", "")),
		})
		if err != nil {
			return mcpError(describeError(err)), nil
		}
		return mcpJSON(res)
	}
}

// describeError renders a service error with the validation details an
// agent needs to retry.
func describeError(err error) string {
	_, body := classifyError(err)
	msg := fmt.Sprintf("%s: %s", body.Type, body.Message)
	for _, w := range body.Warnings {
		msg += "\nwarning: " + w
	}
	return msg
}

func mcpPreviewScript(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("target")
		if err != nil {
			return mcpError("target is required"), nil
		}
		id, err := req.RequireString("script_id")
		if err != nil {
			return mcpError("script_id is required"), nil
		}

		rec, err := deps.Service.Preview(ctx, key, id)
		if err != nil {
			return mcpError(describeError(err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpRevokePreview(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("target")
		if err != nil {
			return mcpError("target is required"), nil
		}

		id := req.GetString("script_id", "")
		if id == "" {
			err = deps.Service.RevokeAll(ctx, key)
		} else {
			err = deps.Service.Revoke(ctx, key, id)
		}
		if err != nil {
			return mcpError(describeError(err)), nil
		}
		if id == "" {
			return mcpText("Revoked all previews"), nil
		}
		return mcpText(fmt.Sprintf("Revoked %s", id)), nil
	}
}

func mcpListScripts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		recs, err := deps.Service.Scripts()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list scripts: %v", err)), nil
		}
		if len(recs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(recs)
	}
}

func mcpResourceScripts(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Service.Scripts()
		if err != nil {
			return nil, fmt.Errorf("failed to list scripts: %w", err)
		}

		b, err := json.Marshal(recs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal scripts: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
