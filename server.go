package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server binds ResourceServer and ToolServer implementations to a ServerTransport. It
// answers the session handshake, dispatches every request through a method table built
// once in NewServer, and writes the result or the JSON-RPC error back to the session.
//
// Requests of a session are handled one at a time, in the order they arrive.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	resourceServer ResourceServer
	toolServer     ToolServer
	observer       RequestObserver

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	handlers map[string]requestHandler

	sessionsWaitGroup *sync.WaitGroup
	done              chan struct{}
	closeOnce         *sync.Once
}

type requestHandler func(ctx context.Context, params json.RawMessage) (any, error)

type serverSession struct {
	session      Session
	logger       *slog.Logger
	serverInfo   Info
	capabilities ServerCapabilities
	instructions string
	handlers     map[string]requestHandler
	observer     RequestObserver

	clientInfo  Info
	initialized bool
}

var (
	errSessionClosed = errors.New("session is closed")
	errNotReady      = errors.New("session not initialized")
)

// NewServer creates a Server identified by info that serves sessions produced by transport.
//
// The method table is derived from the registered implementations: resource methods exist
// only when WithResourceServer is given, tool methods only with WithToolServer. Requests for
// any other method are answered with a method-not-found error.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		closeOnce:         &sync.Once{},
	}
	for _, opt := range options {
		opt(&s)
	}

	s.handlers = make(map[string]requestHandler)

	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
		s.handlers[MethodResourcesList] = s.handleListResources
		s.handlers[MethodResourcesRead] = s.handleReadResource
		s.handlers[MethodResourcesTemplatesList] = s.handleListResourceTemplates
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
		s.handlers[MethodToolsList] = s.handleListTools
		s.handlers[MethodToolsCall] = s.handleCallTool
	}

	return s
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithRequestObserver returns a ServerOption that reports every answered request to observer.
func WithRequestObserver(observer RequestObserver) ServerOption {
	return func(s *Server) {
		s.observer = observer
	}
}

// WithServerOnClientConnected sets the callback for when a client completes the handshake.
// The callback's parameters are the session ID and the Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a session ends.
// The callback's parameter is the session ID.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "fairytale-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve consumes sessions from the transport and serves each of them until it ends.
//
// Serve blocks until the transport stops yielding sessions and every session is finished.
func (s Server) Serve() {
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:      sess,
			logger:       s.logger.With(slog.String("sessionID", sess.ID())),
			serverInfo:   s.info,
			capabilities: s.capabilities,
			instructions: s.instructions,
			handlers:     s.handlers,
			observer:     s.observer,
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.serve(s.done, s.onClientConnected)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(sess.ID())
			}
		}()
	}
	s.sessionsWaitGroup.Wait()
}

// Shutdown stops every active session and the transport. It returns an error if the
// transport fails to shut down or if ctx is done before the sessions are finished.
func (s Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

func (s *serverSession) serve(done <-chan struct{}, onConnected func(string, Info)) {
	loopDone := make(chan struct{})
	stopped := make(chan struct{})

	// The session is stopped either by the server shutting down, or by the client
	// going away.
	go func() {
		defer close(stopped)
		select {
		case <-done:
		case <-loopDone:
		}
		s.session.Stop()
	}()

	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("dropping message with invalid jsonrpc version", slog.String("version", msg.JSONRPC))
			if msg.ID != "" {
				s.sendError(msg.ID, JSONRPCError{Code: JSONRPCInvalidRequestCode, Message: "Invalid jsonrpc version"})
			}
			continue
		}

		switch msg.Method {
		case "":
			// A response from the client. The server never issues requests of its own.
			s.logger.Debug("ignoring response from client", slog.String("id", msg.ID.String()))
		case MethodPing:
			s.sendResult(msg.ID, struct{}{})
		case MethodInitialize:
			s.handleInitialize(msg)
		case methodNotificationsInitialized:
			if !s.initialized {
				s.initialized = true
				if onConnected != nil {
					onConnected(s.session.ID(), s.clientInfo)
				}
			}
		default:
			if msg.ID == "" {
				s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
				continue
			}
			s.handleRequest(msg)
		}
	}

	close(loopDone)
	<-stopped
}

func (s *serverSession) handleInitialize(msg JSONRPCMessage) {
	var params initializeParams
	if err := decodeParams(msg.Params, &params); err != nil {
		s.sendError(msg.ID, toJSONRPCError(err))
		return
	}

	if params.ProtocolVersion != ProtocolVersion {
		s.logger.Info("client requested unsupported protocol version",
			slog.String("version", params.ProtocolVersion))
		s.sendError(msg.ID, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, ProtocolVersion),
		})
		return
	}

	s.clientInfo = params.ClientInfo
	s.sendResult(msg.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	})
}

func (s *serverSession) handleRequest(msg JSONRPCMessage) {
	start := time.Now()

	var result any
	var err error

	handler, ok := s.handlers[msg.Method]
	switch {
	case !s.initialized:
		err = JSONRPCError{Code: JSONRPCInvalidRequestCode, Message: errNotReady.Error()}
	case !ok:
		err = JSONRPCError{Code: JSONRPCMethodNotFoundCode, Message: fmt.Sprintf("Method not found: %s", msg.Method)}
	default:
		// No cancellation per request: the context only carries values.
		result, err = handler(context.Background(), msg.Params)
	}

	var jsonErr JSONRPCError
	if err != nil {
		jsonErr = toJSONRPCError(err)
	}

	// Observe before responding: a requester holding the response sees the observation.
	if s.observer != nil {
		s.observer.ObserveRequest(msg.Method, jsonErr.Code, time.Since(start))
	}

	if err != nil {
		s.logger.Warn("request failed",
			slog.String("method", msg.Method),
			slog.Int("code", jsonErr.Code),
			slog.String("err", jsonErr.Message))
		s.sendError(msg.ID, jsonErr)
		return
	}
	s.sendResult(msg.ID, result)
}

func (s *serverSession) sendResult(id RequestID, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		s.sendError(id, JSONRPCError{Code: JSONRPCInternalErrorCode, Message: "Internal error"})
		return
	}
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

func (s *serverSession) sendError(id RequestID, jsonErr JSONRPCError) {
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	})
}

func (s *serverSession) send(msg JSONRPCMessage) {
	if err := s.session.Send(context.Background(), msg); err != nil {
		s.logger.Error("failed to send message", slog.String("err", err.Error()))
	}
}

func (s Server) handleListResources(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ListResourcesParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.resourceServer.ListResources(ctx, params)
}

func (s Server) handleReadResource(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ReadResourceParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.resourceServer.ReadResource(ctx, params)
}

func (s Server) handleListResourceTemplates(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ListResourceTemplatesParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.resourceServer.ListResourceTemplates(ctx, params)
}

func (s Server) handleListTools(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ListToolsParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.toolServer.ListTools(ctx, params)
}

func (s Server) handleCallTool(ctx context.Context, raw json.RawMessage) (any, error) {
	var params CallToolParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.toolServer.CallTool(ctx, params)
}

// decodeParams unmarshals raw into v. Absent params leave v untouched.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}
	return nil
}

func toJSONRPCError(err error) JSONRPCError {
	var jsonErr JSONRPCError
	if errors.As(err, &jsonErr) {
		return jsonErr
	}
	return JSONRPCError{
		Code:    JSONRPCInternalErrorCode,
		Message: err.Error(),
	}
}
