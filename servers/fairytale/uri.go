package fairytale

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// ResourceTemplate is the URI template every project resource follows.
const ResourceTemplate = "projects://{projectId}/project.json"

var resourceURIPattern = regexp.MustCompile(`^projects://(.+)/project\.json$`)

// ResourceURI returns the resource URI of the project projectID.
func ResourceURI(projectID string) string {
	return fmt.Sprintf("projects://%s/%s", projectID, DescriptorFile)
}

// ParseResourceURI extracts the project ID from uri. The match is greedy: everything
// between the scheme and the last "/project.json" is the ID.
func ParseResourceURI(uri string) (string, bool) {
	match := resourceURIPattern.FindStringSubmatch(uri)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// localProjectID reports whether projectID names a path inside the projects directory.
func localProjectID(projectID string) bool {
	return filepath.IsLocal(projectID)
}
