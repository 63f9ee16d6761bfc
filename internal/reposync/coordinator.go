package reposync

import (
	"context"
	"sync"
	"time"

	"github.com/clusterrunner/reposync/internal/config"
	"github.com/clusterrunner/reposync/internal/project"
	"github.com/google/uuid"
	"gitlab.com/gitlab-org/labkit/correlation"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Coordinator synchronizes several projects on behalf of one process.
//
// Requests for the same repository directory are serialized. Overlapping
// requests for an identical RemoteSpec are collapsed into one
// synchronization whose outcome all of them share. Distinct directories are
// synchronized in parallel.
type Coordinator struct {
	cfg   config.Cfg
	opts  []Option
	group singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator returns a Coordinator creating every Sync with opts.
func NewCoordinator(cfg config.Cfg, opts ...Option) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		opts:  opts,
		locks: make(map[string]*sync.Mutex),
	}
}

// FetchProject synchronizes spec and returns the Sync which did it.
//
// A caller whose ctx is done stops waiting and gets ctx.Err(), but a
// synchronization which has started runs to completion so that callers
// sharing it are not failed on its behalf.
func (c *Coordinator) FetchProject(ctx context.Context, spec RemoteSpec) (*Sync, error) {
	spec = spec.withDefaults()
	dir := project.RepoDirectory(c.cfg.RepoDirectory, spec.URL)
	key := spec.URL + "\x00" + spec.RemoteName + "\x00" + spec.Ref

	ch := c.group.DoChan(key, func() (interface{}, error) {
		lock := c.directoryLock(dir)
		lock.Lock()
		defer lock.Unlock()

		syncCtx, cancel := context.WithCancel(detach(ctx))
		defer cancel()

		if correlation.ExtractFromContext(syncCtx) == "" {
			syncCtx = correlation.ContextWithCorrelation(syncCtx, uuid.New().String())
		}

		s, err := New(c.cfg, spec, c.opts...)
		if err != nil {
			return nil, err
		}

		if err := s.FetchProject(syncCtx); err != nil {
			return nil, err
		}

		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Sync), nil
	}
}

// FetchAll synchronizes all specs concurrently. The returned slice is in
// the order of specs. The first error stops waiting for the remaining
// synchronizations.
func (c *Coordinator) FetchAll(ctx context.Context, specs []RemoteSpec) ([]*Sync, error) {
	syncs := make([]*Sync, len(specs))

	group, ctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		group.Go(func() error {
			s, err := c.FetchProject(ctx, spec)
			if err != nil {
				return err
			}
			syncs[i] = s
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return syncs, nil
}

func (c *Coordinator) directoryLock(dir string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[dir]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[dir] = lock
	}
	return lock
}

// detachedContext keeps the values of its parent, such as the logger and
// the correlation ID, but never expires.
type detachedContext struct {
	parent context.Context
}

func detach(ctx context.Context) context.Context { return detachedContext{parent: ctx} }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }

func (detachedContext) Done() <-chan struct{} { return nil }

func (detachedContext) Err() error { return nil }

func (d detachedContext) Value(key interface{}) interface{} { return d.parent.Value(key) }
