package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/fleetctl/fleetctl/internal/fleet"
	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/hive"
	"github.com/fleetctl/fleetctl/internal/history"
)

// ApplyCmd drives a goal to the selected working set of nodes.
type ApplyCmd struct {
	Goal string `arg:"" optional:"" default:"switch" enum:"switch,build,push,keys,boot,test,dry-activate" help:"what to do on each selected node"`

	On               []string `name:"on" placeholder:"NODE|@TAG" help:"restrict the run to these nodes or tags (repeatable); default is every node"`
	Parallel         int      `default:"0" help:"maximum concurrently-deploying nodes (0 uses the configured default)"`
	NoKeys           bool     `help:"skip key delivery entirely"`
	AlwaysBuildLocal []string `name:"always-build-local" placeholder:"NODE" help:"force these nodes to build on the machine running fleetctl, regardless of their hive setting"`
	Reboot           bool     `help:"reboot the node after a successful activation and wait for it to come back"`
}

func parseGoal(s string) hive.Goal {
	switch s {
	case "build":
		return hive.GoalBuild
	case "push":
		return hive.GoalPush
	case "keys":
		return hive.GoalKeys
	case "boot":
		return hive.GoalBoot
	case "test":
		return hive.GoalTest
	case "dry-activate":
		return hive.GoalDryActivate
	default:
		return hive.GoalSwitch
	}
}

// splitSelectors partitions the --on values into literal node names and
// @tag-prefixed tag selectors.
func splitSelectors(on []string) (names, tags []string) {
	for _, sel := range on {
		if strings.HasPrefix(sel, "@") {
			tags = append(tags, strings.TrimPrefix(sel, "@"))
		} else {
			names = append(names, sel)
		}
	}
	return names, tags
}

func (c *ApplyCmd) Run(cctx *Context) error {
	ctx := context.Background()

	h, err := hive.Load(ctx, cctx.HivePath)
	if err != nil {
		return err
	}

	names, tags := splitSelectors(c.On)
	goal := parseGoal(c.Goal)

	parallel := c.Parallel
	if parallel <= 0 {
		parallel = cctx.Config.DefaultParallel
	}

	roster := h.Select(names, tags)

	nameGenerator := namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())
	runID := nameGenerator.Generate()
	startedAt := time.Now()

	var runLogger *slog.Logger
	if cctx.Logger != nil {
		runLogger = cctx.Logger.With("run", runID)
	}

	knownHostsPath := ""
	if cctx.HostKeys != nil {
		knownHostsPath = cctx.HostKeys.Path()
	}

	opts := fleet.Options{
		Goal:             goal,
		Names:            names,
		Tags:             tags,
		AlwaysBuildLocal: c.AlwaysBuildLocal,
		NoKeys:           c.NoKeys,
		Reboot:           c.Reboot,
		Modifiers: hive.Modifiers{
			ShowTrace:      cctx.ShowTrace,
			NonInteractive: cctx.NonInteractive,
		},
		Parallel:       parallel,
		ShowProgress:   cctx.ShowProgress,
		Lock:           cctx.Lock,
		Logger:         runLogger,
		KnownHostsPath: knownHostsPath,
	}

	applyErr := fleet.Apply(ctx, h, opts)
	finishedAt := time.Now()

	recordHistory(ctx, cctx.History, runID, roster, goal, applyErr, startedAt, finishedAt)

	if applyErr != nil {
		var nodeErrs *fleeterrors.NodeErrors
		if errors.As(applyErr, &nodeErrs) {
			for _, fail := range nodeErrs.Errors {
				fmt.Printf("node %s failed: %v\n", fail.Name, fail.Err)
			}
		}
		return applyErr
	}
	return nil
}

// recordHistory logs one history.Record per node in roster. It is best
// effort: a nil store (history unavailable) skips recording, and a failed
// write is logged, not returned, since deployment history must never block
// an apply run.
func recordHistory(ctx context.Context, store *history.Store, runID string, roster map[hive.Name]*hive.Node, goal hive.Goal, applyErr error, startedAt, finishedAt time.Time) {
	if store == nil {
		return
	}

	var nodeErrs *fleeterrors.NodeErrors
	errors.As(applyErr, &nodeErrs)

	failed := map[string]string{}
	if nodeErrs != nil {
		for _, fail := range nodeErrs.Errors {
			failed[fail.Name] = fail.Err.Error()
		}
	}

	for name := range roster {
		rec := history.Record{
			RunID:      runID,
			NodeName:   name.String(),
			Goal:       goal.String(),
			Outcome:    "succeeded",
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		}
		if summary, ok := failed[name.String()]; ok {
			rec.Outcome = "failed"
			rec.ErrorSummary = summary
		}
		if err := store.Record(ctx, rec); err != nil {
			slog.Warn("recording deployment history failed", "node", name.String(), "error", err)
		}
	}
}
