package git

import "strings"

// ClusterRunnerRefPrefix is the private namespace holding the commits
// resolved by the master. Workers fetch from here instead of from the
// upstream branch, which may have moved on in the meantime.
const ClusterRunnerRefPrefix = "refs/clusterrunner/"

// ReferenceName represents the name of a git reference, e.g.
// "refs/heads/master". It does not support extended revision notation
// like a Revision does and must always contain a fully qualified reference.
type ReferenceName string

// NewClusterRunnerReference returns the reference under which the master
// publishes the given commit to the workers.
func NewClusterRunnerReference(oid ObjectID) ReferenceName {
	return ReferenceName(ClusterRunnerRefPrefix + oid.String())
}

// String returns the string representation of the ReferenceName.
func (r ReferenceName) String() string {
	return string(r)
}

// ShortName returns the name of the reference with the well-known
// namespace prefixes stripped, similar to `git rev-parse --abbrev-ref`.
// References outside of those namespaces are returned unchanged.
func (r ReferenceName) ShortName() string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/", "refs/remotes/"} {
		if short := strings.TrimPrefix(string(r), prefix); short != string(r) && short != "" {
			return short
		}
	}

	return string(r)
}
