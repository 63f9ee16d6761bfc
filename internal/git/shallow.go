package git

import "path/filepath"

// ShallowMarkerPath returns the path of the file git writes into the
// metadata directory of a shallow clone of the work tree at repoDir.
func ShallowMarkerPath(repoDir string) string {
	return filepath.Join(repoDir, ".git", "shallow")
}
