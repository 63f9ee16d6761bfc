package reposync

import (
	"context"
	"errors"
	"strings"

	"github.com/clusterrunner/reposync/internal/git"
)

// ErrNotFetched is returned when worker parameters are requested before
// the project has been fetched successfully.
var ErrNotFetched = errors.New("project has not been fetched")

// OverrideParams replace the remote parameters of workers. Workers fetch
// the commit the master resolved from the master's checkout instead of
// from the upstream repository.
type OverrideParams struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// SlaveParamOverrides resolves FETCH_HEAD of the last successful
// FetchProject and returns the parameters pointing workers at it.
func (s *Sync) SlaveParamOverrides(ctx context.Context) (OverrideParams, error) {
	s.mu.Lock()
	fetched := s.fetched
	s.mu.Unlock()

	if !fetched {
		return OverrideParams{}, ErrNotFetched
	}

	oid, err := s.fetchHead(ctx)
	if err != nil {
		return OverrideParams{}, err
	}

	return OverrideParams{
		URL:    s.masterURL(),
		Branch: git.NewClusterRunnerReference(oid).String(),
	}, nil
}

// masterURL addresses the checkout on the master over SSH.
func (s *Sync) masterURL() string {
	return "ssh://" + s.cfg.MasterHostname + "/" + strings.TrimPrefix(s.repoDir, "/")
}
