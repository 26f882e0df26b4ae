package planner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"toolgate/internal/domain"
	"toolgate/internal/infra/telemetry"
)

// SourceResult is the outcome of one single-source pipeline run.
type SourceResult struct {
	ConnectorID string
	Text        string
	Results     []domain.ToolResult
	Tier        domain.RoutingTier
}

// SourceOutcome pairs a planned source with its result or failure.
type SourceOutcome struct {
	ConnectorID string
	Result      *SourceResult
	Err         error
}

// RunSource executes the single-source pipeline for one datasource.
// The app wires this to routing plus execution plus summarization.
type RunSource func(ctx context.Context, connectorID string) (*SourceResult, error)

// Fanout runs the single-source pipeline per planned source
// concurrently, each under its own deadline so one slow source never
// blocks the others.
type Fanout struct {
	timeout time.Duration
	logger  *zap.Logger
}

func NewFanout(timeout time.Duration, logger *zap.Logger) *Fanout {
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultSourceTimeoutSeconds) * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{timeout: timeout, logger: logger}
}

// Run executes run once per candidate and returns outcomes in plan
// order. Failures stay local to their slot; cancellation of ctx stops
// every in-flight source.
func (f *Fanout) Run(ctx context.Context, plan domain.SourcePlan, run RunSource) []SourceOutcome {
	outcomes := make([]SourceOutcome, len(plan.Candidates))

	g := &errgroup.Group{}
	for i, candidate := range plan.Candidates {
		g.Go(func() error {
			sourceCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			result, err := run(sourceCtx, candidate.ConnectorID)
			if err != nil {
				f.logger.Warn("source pipeline failed",
					telemetry.EventField(telemetry.EventSourceFailed),
					telemetry.ConnectorField(candidate.ConnectorID),
					zap.Error(err),
				)
			}
			outcomes[i] = SourceOutcome{
				ConnectorID: candidate.ConnectorID,
				Result:      result,
				Err:         err,
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
