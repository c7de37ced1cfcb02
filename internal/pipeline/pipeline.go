// Package pipeline materializes a node's filtered step list and drives it to
// completion (or the first failure), reporting progress as it goes.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/hive"
	"github.com/fleetctl/fleetctl/internal/steps"
)

var tracer = otel.Tracer("github.com/fleetctl/fleetctl/internal/pipeline")

// Board is the narrow surface the executor needs from the status board, kept
// here to avoid a dependency on its concrete type.
type Board interface {
	SetRunning(name, step string)
	SetSucceeded(name string)
	SetFailed(name string)
}

// RunAll drives pctx through the canonical step list (steps.All()). It is
// the entry point the fleet driver uses; Run itself takes an explicit step
// list so it can be exercised against fakes in tests.
func RunAll(ctx context.Context, pctx *hive.Context, board Board, logger *slog.Logger) error {
	return Run(ctx, pctx, steps.All(), board, logger)
}

// Run filters candidates by ShouldExecute and runs the survivors in order
// against pctx. On the first step error it stops immediately, records the
// node as failed on board (if non-nil), and returns a *fleeterrors.NodeError
// wrapping the cause. board and logger may both be nil.
func Run(ctx context.Context, pctx *hive.Context, candidates []steps.Step, board Board, logger *slog.Logger) error {
	name := pctx.Name.String()

	ctx, nodeSpan := tracer.Start(ctx, "apply."+name)
	defer nodeSpan.End()

	var selected []steps.Step
	for _, s := range candidates {
		if s.ShouldExecute(pctx) {
			selected = append(selected, s)
		}
	}

	total := len(selected)

	for position, step := range selected {
		label := step.String()
		if logger != nil {
			logger.Info("running step",
				"node", name,
				"step", label,
				"progress", fmt.Sprintf("%d/%d", position+1, total),
			)
		}
		if board != nil {
			board.SetRunning(name, label)
		}

		stepCtx, stepSpan := tracer.Start(ctx, label)
		err := step.Execute(stepCtx, pctx)

		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, err.Error())
			stepSpan.End()

			if logger != nil {
				logger.Error("step failed", "node", name, "step", label, "error", err)
			}
			if board != nil {
				board.SetFailed(name)
			}
			nodeSpan.SetStatus(codes.Error, "pipeline failed")
			return &fleeterrors.NodeError{Name: name, Err: err}
		}
		stepSpan.End()
	}

	if board != nil {
		board.SetSucceeded(name)
	}
	return nil
}
