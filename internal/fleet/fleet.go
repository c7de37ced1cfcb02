// Package fleet drives an apply run across the selected working set of
// nodes: it resolves which nodes participate, builds one hive.Context per
// node sharing a single interactive-prompt lock and status board, and runs
// their pipelines with bounded concurrency.
package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/hive"
	"github.com/fleetctl/fleetctl/internal/pipeline"
	"github.com/fleetctl/fleetctl/internal/status"
)

// Lock is the narrow surface Apply needs from the interactive-prompt lock.
type Lock interface {
	Acquire()
	Release()
	Available() bool
}

// Options configures one fleet-wide apply run.
type Options struct {
	Goal             hive.Goal
	Names            []string // --on node selectors
	Tags             []string // --on tag selectors
	AlwaysBuildLocal []string // --always-build-local node names
	NoKeys           bool
	Reboot           bool
	Modifiers        hive.Modifiers
	Parallel         int // bounded concurrency; <=0 means unbounded
	ShowProgress     bool
	Lock             Lock
	Logger           *slog.Logger

	// KnownHostsPath, when set, is applied to every selected node's Target
	// before its pipeline runs, pointing ssh at a fleetctl-managed
	// known_hosts file (internal/hostkeys) instead of the operator's default.
	KnownHostsPath string
}

// Apply resolves h's working set per opts, drives every selected node's
// pipeline concurrently (bounded by opts.Parallel), and returns nil if every
// node succeeded or a *fleeterrors.NodeErrors aggregating every failure.
func Apply(ctx context.Context, h *hive.Hive, opts Options) error {
	if err := h.ForceAlwaysLocal(opts.AlwaysBuildLocal); err != nil {
		return err
	}

	selected := h.Select(opts.Names, opts.Tags)
	if len(selected) == 0 {
		if opts.Logger != nil {
			opts.Logger.Warn("no nodes selected for deployment")
		}
		return nil
	}

	names := make([]string, 0, len(selected))
	for n := range selected {
		names = append(names, n.String())
	}
	sort.Strings(names)

	lock := opts.Lock
	if lock == nil {
		lock = hive.NoopLock()
	}
	board := status.New(names, opts.ShowProgress, lock)

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		g.SetLimit(opts.Parallel)
	}

	var mu sync.Mutex
	var failures []*fleeterrors.NodeError

	for name, node := range selected {
		name, node := name, node
		if opts.KnownHostsPath != "" {
			node.Target.KnownHostsPath = opts.KnownHostsPath
		}
		g.Go(func() error {
			pctx := &hive.Context{
				Name:      name,
				Node:      node,
				HivePath:  h.Path,
				Modifiers: opts.Modifiers,
				Goal:      opts.Goal,
				Reboot:    opts.Reboot,
				NoKeys:    opts.NoKeys,
				Lock:      lock,
			}

			err := pipeline.RunAll(gctx, pctx, board, opts.Logger)
			if err != nil {
				var nodeErr *fleeterrors.NodeError
				if as, ok := err.(*fleeterrors.NodeError); ok {
					nodeErr = as
				} else {
					nodeErr = &fleeterrors.NodeError{Name: name.String(), Err: err}
				}
				mu.Lock()
				failures = append(failures, nodeErr)
				mu.Unlock()
			}
			// Node failures are collected, not propagated: one node's
			// failure must never cancel its siblings' in-flight pipelines.
			return nil
		})
	}

	_ = g.Wait()

	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Name < failures[j].Name })
	return &fleeterrors.NodeErrors{Errors: failures}
}
