package mcp

import (
	"context"
	"iter"
	"time"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a client connection and provides methods for
	// bidirectional communication.
	//
	// The implementation should exit the iteration when the Shutdown method is called,
	// or when it can't produce any more sessions.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations
	// should not close the Sessions they produced, the caller already does that before calling
	// this method. The caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession initiates a new session with the server. The returned Session is ready
	// to send messages. Operations are canceled when the context is canceled.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is stopped.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The owner of the session calls it exactly once.
	Stop()
}

// ResourceServer defines the interface for exposing resources.
type ResourceServer interface {
	// ListResources returns the resources currently available.
	// Returns error if operation fails or context is cancelled.
	ListResources(context.Context, ListResourcesParams) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	// Returns error if resource not found, cannot be read, or context is cancelled.
	ReadResource(context.Context, ReadResourceParams) (ReadResourceResult, error)

	// ListResourceTemplates returns all available resource templates.
	ListResourceTemplates(context.Context, ListResourceTemplatesParams) (ListResourceTemplatesResult, error)
}

// ToolServer defines the interface for exposing tools.
type ToolServer interface {
	// ListTools returns the available tools.
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments.
	// Returns error if tool not found, arguments are invalid, or execution fails.
	CallTool(context.Context, CallToolParams) (CallToolResult, error)
}

// RequestObserver receives one observation per request the Server answered. Code is zero
// for successful requests and the JSON-RPC error code otherwise.
type RequestObserver interface {
	ObserveRequest(method string, code int, elapsed time.Duration)
}
