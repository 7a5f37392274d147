package pipeline

import (
	"context"
	"testing"
)

// countingStage hands out items from a fixed backlog, chunkSize at a time.
type countingStage struct {
	name    string
	backlog int
	log     *[]string
}

func (s *countingStage) Name() string { return s.name }

func (s *countingStage) Count(ctx context.Context) (int, error) {
	return s.backlog, nil
}

func (s *countingStage) RunChunk(ctx context.Context, chunkSize int) (StageResult, error) {
	n := s.backlog
	if n > chunkSize {
		n = chunkSize
	}
	s.backlog -= n
	*s.log = append(*s.log, s.name)
	return StageResult{Succeeded: n, HasMore: s.backlog > 0}, nil
}

func TestRunnerWideDrainsEachStageFully(t *testing.T) {
	var log []string
	r := NewPipelineRunner(10)
	r.AddStage(&countingStage{name: "a", backlog: 25, log: &log})
	r.AddStage(&countingStage{name: "b", backlog: 5, log: &log})

	if err := r.Run(context.Background(), Wide); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Stage a needs 3 chunks (10,10,5); stage b needs 1. Wide must finish
	// every "a" before any "b".
	lastA := -1
	firstB := -1
	for i, name := range log {
		if name == "a" {
			lastA = i
		}
		if name == "b" && firstB == -1 {
			firstB = i
		}
	}
	if firstB != -1 && firstB < lastA {
		t.Errorf("expected all of stage a before stage b in Wide mode, got order %v", log)
	}
}

func TestRunnerDeepInterleavesStages(t *testing.T) {
	var log []string
	r := NewPipelineRunner(5)
	r.AddStage(&countingStage{name: "a", backlog: 15, log: &log})
	r.AddStage(&countingStage{name: "b", backlog: 10, log: &log})

	if err := r.Run(context.Background(), Deep); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sawBBeforeADry := false
	aRuns := 0
	for _, name := range log {
		if name == "a" {
			aRuns++
		}
		if name == "b" && aRuns < 3 {
			sawBBeforeADry = true
		}
	}
	if !sawBBeforeADry {
		t.Errorf("expected deep mode to interleave b before a fully drains, got order %v", log)
	}
}

func TestRunnerSingleStageRunsEitherStrategy(t *testing.T) {
	for _, strategy := range []ExecutionStrategy{Wide, Deep} {
		var log []string
		r := NewPipelineRunner(4)
		r.AddStage(&countingStage{name: "solo", backlog: 9, log: &log})
		if err := r.Run(context.Background(), strategy); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(log) != 3 {
			t.Errorf("expected 3 chunk calls to drain backlog 9 at chunkSize 4, got %d", len(log))
		}
	}
}
