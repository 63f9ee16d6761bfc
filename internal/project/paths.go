// Package project knows where a project lives on disk and how to run
// commands inside of it.
package project

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/clusterrunner/reposync/internal/git"
)

// TimingFileSuffix is appended to the suite name to form the name of the
// file holding the suite's historical timing data.
const TimingFileSuffix = ".timing.json"

// RepoDirectory returns the directory below baseDir into which the
// repository at rawURL is cloned. The result only depends on its
// arguments, so every process configured with the same base directory
// resolves a URL to the same checkout.
func RepoDirectory(baseDir, rawURL string) string {
	return resolve(baseDir, urlSegments(rawURL)...)
}

// TimingFileDirectory returns the directory below baseDir holding the
// timing files of the repository at rawURL.
func TimingFileDirectory(baseDir, rawURL string) string {
	return resolve(baseDir, urlSegments(rawURL)...)
}

// TimingFilePath returns the timing file of the given test suite for the
// repository at rawURL built from ref, i.e.
// <timingsDir>/<ref short name>/<host and path>/<suite>.timing.json.
func TimingFilePath(timingsDir, rawURL, ref, suite string) string {
	segments := []string{RefShortName(ref)}
	segments = append(segments, urlSegments(rawURL)...)
	segments = append(segments, suite+TimingFileSuffix)

	return resolve(timingsDir, segments...)
}

// RefShortName strips the well-known namespace of ref, so that
// "refs/heads/master" and "master" share their timing data.
func RefShortName(ref string) string {
	return git.ReferenceName(ref).ShortName()
}

// resolve joins the segments onto baseDir after removing all colons.
// Colons show up in host:port pairs and are not portable in file names.
// Colons are removed before empty, "." and ".." segments are dropped, so
// that a segment like ":.." cannot escape the base directory.
func resolve(baseDir string, segments ...string) string {
	parts := []string{sanitize(baseDir)}
	for _, segment := range segments {
		for _, part := range strings.Split(sanitize(segment), "/") {
			switch part {
			case "", ".", "..":
				continue
			}
			parts = append(parts, part)
		}
	}

	return filepath.Join(parts...)
}

func sanitize(path string) string {
	return strings.ReplaceAll(path, ":", "")
}

// urlSegments splits rawURL into its host (including the port) followed by
// its path. The scheme, user info, query and fragment are dropped. Anything
// without a scheme and host, e.g. a local path or scp-like "host:path",
// degrades to being treated as a plain path.
func urlSegments(rawURL string) []string {
	rawURL = strings.TrimSpace(rawURL)

	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" && u.Opaque == "" {
		if u.Host != "" {
			return []string{u.Host, u.Path}
		}
		if u.Path != "" {
			// e.g. file:///srv/git/project.git
			return []string{u.Path}
		}
	}

	return []string{rawURL}
}
