package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Stage is the contract every pipeline stage implementation satisfies.
// Stages are stateless across tasks and invoked fresh per task; all per-task
// state lives in the Workspace.
type Stage interface {
	// Name identifies the stage for logging and metrics.
	Name() string

	// Run executes the stage against the workspace. report receives
	// stage-local fractional progress in [0,1].
	Run(ctx context.Context, ws *Workspace, report func(float64)) error
}

// StageDef is one entry of the pipeline definition: a stage tagged with its
// absolute progress range, a human-readable label, and its failure policy.
type StageDef struct {
	Stage Stage

	// Label is the free-text step name pollers see in current_step.
	Label string

	// Start and End bound the stage's share of task progress as the
	// half-open range [Start, End). Across the pipeline the ranges
	// partition [0,100] with no gaps and no overlap.
	Start, End int

	// Blocking stages escalate their failure to task-level failed.
	// Non-blocking stages record partial errors and let the task complete.
	Blocking bool

	// Timeout bounds the stage's execution; exceeding it is a stage
	// failure subject to the Blocking policy.
	Timeout time.Duration
}

// absProgress maps a stage-local fraction into the stage's absolute progress
// range by linear interpolation.
func absProgress(def StageDef, frac float64) int {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return def.Start + int(frac*float64(def.End-def.Start))
}

// validatePipeline checks that the stage ranges partition [0,100].
func validatePipeline(defs []StageDef) error {
	if len(defs) == 0 {
		return fmt.Errorf("pipeline: no stages defined")
	}
	if defs[0].Start != 0 {
		return fmt.Errorf("pipeline: first stage starts at %d, want 0", defs[0].Start)
	}
	for i, def := range defs {
		if def.Stage == nil {
			return fmt.Errorf("pipeline: stage %d (%s) has no implementation", i, def.Label)
		}
		if def.End <= def.Start {
			return fmt.Errorf("pipeline: stage %d (%s) has empty range [%d,%d)", i, def.Label, def.Start, def.End)
		}
		if def.Timeout <= 0 {
			return fmt.Errorf("pipeline: stage %d (%s) has no timeout", i, def.Label)
		}
		if i > 0 && def.Start != defs[i-1].End {
			return fmt.Errorf("pipeline: gap or overlap between stage %d and %d (%d != %d)",
				i-1, i, defs[i-1].End, def.Start)
		}
	}
	if last := defs[len(defs)-1]; last.End != 100 {
		return fmt.Errorf("pipeline: last stage ends at %d, want 100", last.End)
	}
	return nil
}

// Collaborators bundles the pluggable stage implementations behind the
// orchestrator's stage interface.
type Collaborators struct {
	Cloner    CloneProvider
	Detector  Detector
	Generator Generator
	Runner    Runner
}

// DefaultPipeline builds the fixed analysis sequence:
// clone -> analyze -> generate -> execute -> finalize. Test execution is the
// only non-blocking stage; a per-language coverage failure there is recorded
// in the result rather than failing the task.
func DefaultPipeline(c Collaborators, stageTimeout time.Duration) []StageDef {
	return []StageDef{
		{Stage: &cloneStage{c.Cloner}, Label: "Cloning repository", Start: 0, End: 20, Blocking: true, Timeout: stageTimeout},
		{Stage: &analyzeStage{c.Detector}, Label: "Analyzing code", Start: 20, End: 40, Blocking: true, Timeout: stageTimeout},
		{Stage: &generateStage{c.Generator}, Label: "Generating tests", Start: 40, End: 70, Blocking: true, Timeout: stageTimeout},
		{Stage: &executeStage{c.Runner}, Label: "Running tests", Start: 70, End: 90, Blocking: false, Timeout: stageTimeout},
		{Stage: &finalizeStage{}, Label: "Finalizing results", Start: 90, End: 100, Blocking: true, Timeout: stageTimeout},
	}
}
