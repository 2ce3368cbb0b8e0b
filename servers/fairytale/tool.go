package fairytale

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/fairytale-mcp"
)

// ListTools implements mcp.ToolServer interface.
func (s Server) ListTools(
	_ context.Context,
	_ mcp.ListToolsParams,
) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        pingPongToolName,
				Description: "If user say 'ping', this tool will respond with 'pong'",
				InputSchema: json.RawMessage(pingPongSchemaJSON),
			},
		},
	}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
) (mcp.CallToolResult, error) {
	switch params.Name {
	case pingPongToolName:
		return pingPong(ctx, params)
	default:
		return mcp.CallToolResult{}, mcp.JSONRPCError{
			Code:    mcp.JSONRPCMethodNotFoundCode,
			Message: fmt.Sprintf("Tool %s not found", params.Name),
		}
	}
}

func pingPong(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	rejected := mcp.JSONRPCError{
		Code:    mcp.JSONRPCInvalidParamsCode,
		Message: "ping-pong tool only accepts 'ping' as input",
	}

	if len(params.Arguments) == 0 {
		return mcp.CallToolResult{}, rejected
	}
	keyErrs, err := pingPongSchema.ValidateBytes(ctx, params.Arguments)
	if err != nil || len(keyErrs) > 0 {
		return mcp.CallToolResult{}, rejected
	}

	var args PingPongArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, rejected
	}
	if args.Message != "ping" {
		return mcp.CallToolResult{}, rejected
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: "pong",
			},
		},
	}, nil
}
