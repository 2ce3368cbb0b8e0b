package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the requesting side of the protocol. It starts a session on its
// ClientTransport, performs the initialize handshake and exposes one method per request
// kind the server understands.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be closed using Close()
// when it's no longer needed.
type Client struct {
	info       Info
	transport  ClientTransport
	logger     *slog.Logger
	session    Session
	listenDone chan struct{}

	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
	initialized        bool

	lock      sync.Mutex
	pending   map[RequestID]chan JSONRPCMessage
	closed    bool
	closeOnce sync.Once
}

// ErrClientClosed is returned by requests issued after the session ended.
var ErrClientClosed = errors.New("client closed")

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "fairytale-mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new client identified by info that talks to a server through
// transport. The client is not connected until Connect is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:       info,
		transport:  transport,
		logger:     slog.Default(),
		listenDone: make(chan struct{}),
		pending:    make(map[RequestID]chan JSONRPCMessage),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect establishes a session with the server and runs the initialize handshake. It
// returns an error if the session cannot be established, the server rejects the
// handshake, or the server speaks another protocol version.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listenMessages()

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}
	var result initializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if result.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, ProtocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.initialized = true

	if err := c.sendNotification(ctx, methodNotificationsInitialized); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// ListResources retrieves the resources the server currently exposes.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.requireResources(); err != nil {
		return ListResourcesResult{}, err
	}
	var result ListResourcesResult
	if err := c.call(ctx, MethodResourcesList, params, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// ReadResource retrieves the contents of the resource identified by params.URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.requireResources(); err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	if err := c.call(ctx, MethodResourcesRead, params, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// ListResourceTemplates retrieves the URI templates the server accepts.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if err := c.requireResources(); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	var result ListResourceTemplatesResult
	if err := c.call(ctx, MethodResourcesTemplatesList, params, &result); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return result, nil
}

// ListTools retrieves the tool catalog of the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.requireTools(); err != nil {
		return ListToolsResult{}, err
	}
	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool invokes the tool named in params. A tool that rejects its input surfaces as
// an error wrapping JSONRPCError.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.requireTools(); err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// Ping checks that the server still answers on the session.
func (c *Client) Ping(ctx context.Context) error {
	if !c.initialized {
		return errNotReady
	}
	return c.call(ctx, MethodPing, nil, nil)
}

// ServerInfo returns the Info the server announced during the handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// Instructions returns the usage instructions the server announced during the handshake.
func (c *Client) Instructions() string {
	return c.instructions
}

// ResourceServerSupported reports whether the server exposes resources.
func (c *Client) ResourceServerSupported() bool {
	return c.serverCapabilities.Resources != nil
}

// ToolServerSupported reports whether the server exposes tools.
func (c *Client) ToolServerSupported() bool {
	return c.serverCapabilities.Tools != nil
}

// Close stops the session and fails every request still waiting for a response.
func (c *Client) Close() {
	if c.session == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.session.Stop()
		<-c.listenDone
	})
}

func (c *Client) requireResources() error {
	if !c.initialized {
		return errNotReady
	}
	if !c.ResourceServerSupported() {
		return errors.New("resources not supported by server")
	}
	return nil
}

func (c *Client) requireTools() error {
	if !c.initialized {
		return errNotReady
	}
	if !c.ToolServerSupported() {
		return errors.New("tools not supported by server")
	}
	return nil
}

func (c *Client) listenMessages() {
	defer close(c.listenDone)

	for msg := range c.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
			continue
		}

		switch msg.Method {
		case "":
			c.lock.Lock()
			results, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.lock.Unlock()
			if !ok {
				c.logger.Warn("received response for unknown request", slog.String("id", msg.ID.String()))
				continue
			}
			results <- msg
		case MethodPing:
			c.reply(msg.ID)
		default:
			c.logger.Debug("ignoring server message", slog.String("method", msg.Method))
		}
	}

	// The session is over, nobody will answer the pending requests.
	c.lock.Lock()
	c.closed = true
	for id, results := range c.pending {
		close(results)
		delete(c.pending, id)
	}
	c.lock.Unlock()
}

func (c *Client) reply(id RequestID) {
	if err := c.session.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage(`{}`),
	}); err != nil {
		c.logger.Error("failed to answer ping", slog.String("err", err.Error()))
	}
}

// call sends a request and decodes the result into result, which may be nil.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      StringID(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	results := make(chan JSONRPCMessage, 1)
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrClientClosed
	}
	c.pending[msg.ID] = results
	c.lock.Unlock()

	if err := c.session.Send(ctx, msg); err != nil {
		c.forget(msg.ID)
		return fmt.Errorf("failed to send request: %w", err)
	}

	var res JSONRPCMessage
	select {
	case <-ctx.Done():
		c.forget(msg.ID)
		return ctx.Err()
	case r, ok := <-results:
		if !ok {
			return ErrClientClosed
		}
		res = r
	}

	if res.Error != nil {
		return fmt.Errorf("result error: %w", *res.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) forget(id RequestID) {
	c.lock.Lock()
	delete(c.pending, id)
	c.lock.Unlock()
}

func (c *Client) sendNotification(ctx context.Context, method string) error {
	return c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	})
}
