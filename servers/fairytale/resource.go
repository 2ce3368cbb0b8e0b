package fairytale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"syscall"

	"github.com/MegaGrindStone/fairytale-mcp"
)

// ListResources implements mcp.ResourceServer interface.
func (s Server) ListResources(
	_ context.Context,
	_ mcp.ListResourcesParams,
) (mcp.ListResourcesResult, error) {
	root, err := s.root()
	if err != nil {
		return mcp.ListResourcesResult{}, internalError("Failed to resolve fairytale projects directory: %s", err)
	}

	ids, err := s.projectIDs(root)
	if err != nil {
		return mcp.ListResourcesResult{}, internalError("Failed to list fairytale projects: %s", err)
	}

	resources := make([]mcp.Resource, 0, len(ids))
	for _, id := range ids {
		r, err := s.describe(root, id)
		if err != nil {
			return mcp.ListResourcesResult{}, err
		}
		resources = append(resources, r)
	}

	s.logger.Debug("listed projects", slog.String("root", root), slog.Int("count", len(resources)))

	return mcp.ListResourcesResult{
		Resources: resources,
	}, nil
}

// ReadResource implements mcp.ResourceServer interface. The descriptor is returned
// verbatim, its content is not validated.
func (s Server) ReadResource(
	_ context.Context,
	params mcp.ReadResourceParams,
) (mcp.ReadResourceResult, error) {
	projectID, ok := ParseResourceURI(params.URI)
	if !ok {
		return mcp.ReadResourceResult{}, mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: "Invalid resource URI format",
		}
	}
	if !localProjectID(projectID) {
		return mcp.ReadResourceResult{}, mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("Invalid project ID %q", projectID),
		}
	}

	root, err := s.root()
	if err != nil {
		return mcp.ReadResourceResult{}, internalError("Failed to resolve fairytale projects directory: %s", err)
	}

	content, err := os.ReadFile(descriptorPath(root, projectID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return mcp.ReadResourceResult{}, mcp.JSONRPCError{
				Code:    mcp.JSONRPCInvalidParamsCode,
				Message: fmt.Sprintf("Fairytale project configuration file not found for %s", projectID),
			}
		}
		return mcp.ReadResourceResult{}, internalError("Failed to read fairytale project configuration: %s", err)
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      params.URI,
				MimeType: mimeTypeJSON,
				Text:     string(content),
			},
		},
	}, nil
}

// ListResourceTemplates implements mcp.ResourceServer interface.
func (s Server) ListResourceTemplates(
	_ context.Context,
	_ mcp.ListResourceTemplatesParams,
) (mcp.ListResourceTemplatesResult, error) {
	return mcp.ListResourceTemplatesResult{
		Templates: []mcp.ResourceTemplate{
			{
				URITemplate: ResourceTemplate,
				Name:        "Fairytale project",
				Description: descriptionFound,
				MimeType:    mimeTypeJSON,
			},
		},
	}, nil
}

// describe builds the listing entry of one project. A project without a descriptor is a
// missing one; a descriptor that exists but can't be read fails the listing.
func (s Server) describe(root, projectID string) (mcp.Resource, error) {
	missing := mcp.Resource{
		URI:         ResourceURI(projectID),
		Name:        fmt.Sprintf("Fairytale project %s", projectID),
		Description: descriptionMissing,
		MimeType:    mimeTypeJSON,
		Exists:      false,
	}

	content, err := os.ReadFile(descriptorPath(root, projectID))
	if err != nil {
		// ENOTDIR: the entry is a file, so it can't hold a descriptor.
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return missing, nil
		}
		return mcp.Resource{}, internalError("Failed to read configuration of fairytale project %s: %s", projectID, err)
	}

	var desc any
	if err := json.Unmarshal(content, &desc); err != nil {
		if s.strictDescriptors {
			return mcp.Resource{}, internalError("Failed to parse configuration of fairytale project %s: %s", projectID, err)
		}
		s.logger.Warn("malformed project descriptor",
			slog.String("projectID", projectID),
			slog.String("err", err.Error()))
		return missing, nil
	}

	title := videoTitle(desc)
	if title == "" {
		title = projectID
	}

	return mcp.Resource{
		URI:         ResourceURI(projectID),
		Name:        fmt.Sprintf("Fairytale project %s", title),
		Description: descriptionFound,
		MimeType:    mimeTypeJSON,
		Exists:      true,
	}, nil
}

// videoTitle returns the videoTitle of a parsed descriptor, or "" when desc is not an
// object or the title is not a string.
func videoTitle(desc any) string {
	obj, ok := desc.(map[string]any)
	if !ok {
		return ""
	}
	title, _ := obj["videoTitle"].(string)
	return title
}

func internalError(format string, args ...any) mcp.JSONRPCError {
	return mcp.JSONRPCError{
		Code:    mcp.JSONRPCInternalErrorCode,
		Message: fmt.Sprintf(format, args...),
	}
}
