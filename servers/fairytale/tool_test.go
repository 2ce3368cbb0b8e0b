package fairytale_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/MegaGrindStone/fairytale-mcp"
)

func TestListTools(t *testing.T) {
	srv := newServer(t)

	first, err := srv.ListTools(context.Background(), mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(first.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(first.Tools))
	}
	tool := first.Tools[0]
	if tool.Name != "ping-pong" {
		t.Errorf("unexpected tool name %q", tool.Name)
	}

	var schema struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		t.Fatalf("failed to unmarshal input schema: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("unexpected schema type %q", schema.Type)
	}
	if schema.Properties["message"].Type != "string" {
		t.Errorf("expected message to be a string property, got %+v", schema.Properties)
	}
	if !reflect.DeepEqual(schema.Required, []string{"message"}) {
		t.Errorf("unexpected required fields %v", schema.Required)
	}

	second, err := srv.ListTools(context.Background(), mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical catalogs across calls")
	}
}

func TestCallToolPingPong(t *testing.T) {
	srv := newServer(t)

	result, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "ping-pong",
		Arguments: json.RawMessage(`{"message":"ping"}`),
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content, got %d", len(result.Content))
	}
	if result.Content[0].Type != mcp.ContentTypeText {
		t.Errorf("expected text content, got %q", result.Content[0].Type)
	}
	if result.Content[0].Text != "pong" {
		t.Errorf("expected pong, got %q", result.Content[0].Text)
	}
}

func TestCallToolRejectsInput(t *testing.T) {
	srv := newServer(t)

	args := []string{
		``,
		`null`,
		`{}`,
		`{"message":"pingx"}`,
		`{"message":"PING"}`,
		`{"message":1}`,
		`{"message":null}`,
		`["ping"]`,
		`"ping"`,
	}
	for _, a := range args {
		_, err := srv.CallTool(context.Background(), mcp.CallToolParams{
			Name:      "ping-pong",
			Arguments: json.RawMessage(a),
		})
		jsonErr := assertCode(t, err, mcp.JSONRPCInvalidParamsCode)
		if jsonErr.Message != "ping-pong tool only accepts 'ping' as input" {
			t.Errorf("arguments %q: unexpected message %q", a, jsonErr.Message)
		}
	}
}

func TestCallToolUnknown(t *testing.T) {
	srv := newServer(t)

	_, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "unknown-tool",
		Arguments: json.RawMessage(`{}`),
	})
	jsonErr := assertCode(t, err, mcp.JSONRPCMethodNotFoundCode)
	if jsonErr.Message != "Tool unknown-tool not found" {
		t.Errorf("unexpected message %q", jsonErr.Message)
	}
}
