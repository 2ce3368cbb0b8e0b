package fairytale

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DescriptorFile is the name of the configuration file inside every project directory.
const DescriptorFile = "project.json"

const (
	appDir      = "yt-shorts-generator-3"
	projectsDir = "fairytale-projects-3"
)

// ErrUnsupportedPlatform is returned by RootDirectory for operating systems the projects
// directory has no known location on.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// RootFunc resolves the directory holding the fairytale projects. It is called once per
// request, so changes on disk are always visible.
type RootFunc func() (string, error)

// RootDirectory returns the projects directory for the operating system goos and the user
// home directory home.
func RootDirectory(goos, home string) (string, error) {
	switch goos {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", appDir, projectsDir), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appDir, projectsDir), nil
	case "linux":
		return filepath.Join(home, ".config", appDir, projectsDir), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
}

// DefaultRoot resolves RootDirectory for the running process.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return RootDirectory(runtime.GOOS, home)
}

// StaticRoot returns a RootFunc that always resolves to dir.
func StaticRoot(dir string) RootFunc {
	return func() (string, error) {
		return dir, nil
	}
}

// projectIDs returns the names of the entries directly under root, minus the ignored ones.
// Regular files are kept: every entry is a project, reading its descriptor decides whether
// it exists.
func (s Server) projectIDs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if s.ignored(entry.Name()) {
			s.logger.Debug("skipping ignored entry", "name", entry.Name())
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}

func (s Server) ignored(name string) bool {
	for _, g := range s.ignore {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func descriptorPath(root, projectID string) string {
	return filepath.Join(root, projectID, DescriptorFile)
}
