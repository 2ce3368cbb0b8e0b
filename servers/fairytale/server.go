package fairytale

import (
	"fmt"
	"log/slog"

	"github.com/gobwas/glob"
)

// Server exposes the fairytale projects directory as read-only resources and offers the
// ping-pong diagnostic tool. It implements mcp.ResourceServer and mcp.ToolServer.
//
// Server holds no state besides its configuration: every request reads the projects
// directory again.
type Server struct {
	root              RootFunc
	ignorePatterns    []string
	ignore            []glob.Glob
	strictDescriptors bool

	logger *slog.Logger
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

// NewServer creates a fairytale Server. Without WithRoot or WithRootFunc, the projects
// directory is resolved with DefaultRoot on every request.
//
// It returns an error if one of the ignore patterns doesn't compile.
func NewServer(options ...ServerOption) (Server, error) {
	s := Server{
		root:   DefaultRoot,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}

	for _, pattern := range s.ignorePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return Server{}, fmt.Errorf("failed to compile ignore pattern %q: %w", pattern, err)
		}
		s.ignore = append(s.ignore, g)
	}

	return s, nil
}

// WithRoot sets a fixed projects directory instead of the platform location.
func WithRoot(dir string) ServerOption {
	return func(s *Server) {
		s.root = StaticRoot(dir)
	}
}

// WithRootFunc sets the function resolving the projects directory.
func WithRootFunc(root RootFunc) ServerOption {
	return func(s *Server) {
		s.root = root
	}
}

// WithIgnorePatterns sets glob patterns, matched against entry names, of directory entries
// that are not listed as projects.
func WithIgnorePatterns(patterns ...string) ServerOption {
	return func(s *Server) {
		s.ignorePatterns = append(s.ignorePatterns, patterns...)
	}
}

// WithStrictDescriptors makes ListResources fail when a project.json is not valid JSON.
// By default such a project is listed with Exists set to false.
func WithStrictDescriptors(strict bool) ServerOption {
	return func(s *Server) {
		s.strictDescriptors = strict
	}
}

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "fairytale"),
		)
	}
}
