package pipeline

import (
	"context"
)

// ExecutionStrategy selects how a PipelineRunner drives multiple stages.
// Resolves spec.md's deep-mode Open Question the same way
// original_source's work_queue/runner.rs does.
type ExecutionStrategy int

const (
	// Wide fully drains stage N before starting stage N+1.
	Wide ExecutionStrategy = iota
	// Deep interleaves: run one chunk of stage 1, then opportunistically
	// drain whatever work it produced for stage 2, repeating until stage
	// 1 is dry, then drains any remainder of stage 2.
	Deep
)

// StageResult reports one RunChunk call's outcome.
type StageResult struct {
	Succeeded int
	Failed    int
	Skipped   int
	HasMore   bool
}

func (r StageResult) total() int { return r.Succeeded + r.Failed + r.Skipped }

// Stage is one unit of work a PipelineRunner can drive. The Fetch
// Pipeline's startup phases (pending/retryable/stale promotion) are each
// expressed as a Stage (spec §4.H); fresh discovery is channel-fed and
// runs separately since it has no natural chunk/count shape.
type Stage interface {
	Name() string
	// Count reports roughly how much work remains. Deep mode checks the
	// second stage's Count to decide whether to run a chunk of it; Wide
	// mode does not call it.
	Count(ctx context.Context) (int, error)
	// RunChunk processes up to chunkSize items (0 = no per-call limit)
	// and reports whether more work remains.
	RunChunk(ctx context.Context, chunkSize int) (StageResult, error)
}

// PipelineRunner drives a sequence of Stages to completion using a
// configurable ExecutionStrategy, grounded on
// original_source/crates/foia/src/work_queue/runner.rs.
type PipelineRunner struct {
	stages    []Stage
	chunkSize int
}

// NewPipelineRunner constructs a runner with the given per-call chunk size.
func NewPipelineRunner(chunkSize int) *PipelineRunner {
	if chunkSize <= 0 {
		chunkSize = startupBatchSize
	}
	return &PipelineRunner{chunkSize: chunkSize}
}

// AddStage appends a stage to the run order.
func (r *PipelineRunner) AddStage(s Stage) {
	r.stages = append(r.stages, s)
}

// Run drives every added stage using strategy.
func (r *PipelineRunner) Run(ctx context.Context, strategy ExecutionStrategy) error {
	switch strategy {
	case Deep:
		return r.runDeep(ctx)
	default:
		return r.runWide(ctx)
	}
}

func (r *PipelineRunner) runWide(ctx context.Context) error {
	for _, s := range r.stages {
		if err := r.drainStage(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *PipelineRunner) drainStage(ctx context.Context, s Stage) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := s.RunChunk(ctx, r.chunkSize)
		if err != nil {
			return err
		}
		if !result.HasMore || result.total() == 0 {
			return nil
		}
	}
}

// runDeep handles the two-stage case, interleaving a chunk of stage 1
// with an opportunistic drain of whatever stage 2 now has ready. Stages
// beyond the first two run Wide after the pair completes, matching
// runner.rs's documented scope (1 or 2 stages in practice). The Fetch
// Pipeline runs its own startup stages Wide, not Deep.
func (r *PipelineRunner) runDeep(ctx context.Context) error {
	if len(r.stages) == 0 {
		return nil
	}
	if len(r.stages) == 1 {
		return r.drainStage(ctx, r.stages[0])
	}

	stage1, stage2 := r.stages[0], r.stages[1]
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r1, err := stage1.RunChunk(ctx, r.chunkSize)
		if err != nil {
			return err
		}

		count2, err := stage2.Count(ctx)
		if err != nil {
			return err
		}
		if count2 > 0 {
			if _, err := stage2.RunChunk(ctx, r.chunkSize); err != nil {
				return err
			}
		}

		if !r1.HasMore || r1.total() == 0 {
			break
		}
	}

	if err := r.drainStage(ctx, stage2); err != nil {
		return err
	}

	for _, s := range r.stages[2:] {
		if err := r.drainStage(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
