package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Compile-time interface checks.
var (
	_ Stage = (*cloneStage)(nil)
	_ Stage = (*analyzeStage)(nil)
	_ Stage = (*generateStage)(nil)
	_ Stage = (*executeStage)(nil)
	_ Stage = (*finalizeStage)(nil)
)

// cloneStage fetches the remote repository into the task work dir.
type cloneStage struct {
	cloner CloneProvider
}

func (s *cloneStage) Name() string { return "clone" }

func (s *cloneStage) Run(ctx context.Context, ws *Workspace, report func(float64)) error {
	res, err := s.cloner.Clone(ctx, ws.Request.RepositoryURL, ws.Request.APIKey, ws.RepoDir(), report)
	if err != nil {
		return fmt.Errorf("clone %s: %w", ws.Request.RepositoryURL, err)
	}
	ws.Clone = res
	return nil
}

// analyzeStage detects languages, frameworks, and analyzable files.
type analyzeStage struct {
	detector Detector
}

func (s *analyzeStage) Name() string { return "analyze" }

func (s *analyzeStage) Run(ctx context.Context, ws *Workspace, report func(float64)) error {
	rep, err := s.detector.Detect(ctx, ws.RepoDir(), ws.Request.Options.MaxFiles, report)
	if err != nil {
		return fmt.Errorf("analyze repository: %w", err)
	}
	if len(rep.Languages) == 0 {
		return fmt.Errorf("analyze repository: no supported languages detected")
	}
	ws.Detection = rep
	return nil
}

// generateStage produces test files through the AI generation provider.
type generateStage struct {
	generator Generator
}

func (s *generateStage) Name() string { return "generate" }

func (s *generateStage) Run(ctx context.Context, ws *Workspace, report func(float64)) error {
	gen, err := s.generator.Generate(ctx, GenerationRequest{
		RepoDir:   ws.RepoDir(),
		OutDir:    ws.TestsDir(),
		APIKey:    ws.Request.APIKey,
		Options:   ws.Request.Options,
		Detection: ws.Detection,
	}, report)
	if err != nil {
		return fmt.Errorf("generate tests: %w", err)
	}
	ws.Generation = gen
	return nil
}

// executeStage runs the generated tests and collects coverage. It is
// non-blocking: failures land in per-language entries, never in the return
// value, so one language cannot sink the whole task.
type executeStage struct {
	runner Runner
}

func (s *executeStage) Name() string { return "execute" }

func (s *executeStage) Run(ctx context.Context, ws *Workspace, report func(float64)) error {
	exec, err := s.runner.Run(ctx, ws.RepoDir(), ws.Generation, report)
	if err != nil {
		// A runner-wide failure still yields an entry per language so the
		// result record carries the error where pollers expect it.
		exec = &ExecutionResult{ByLanguage: make(map[string]*CoverageEntry)}
		for lang := range ws.Generation.ByLanguage {
			exec.ByLanguage[lang] = &CoverageEntry{Error: err.Error()}
		}
	}
	ws.Execution = exec
	return nil
}

// finalizeStage composes the human-readable analysis summary.
type finalizeStage struct{}

func (s *finalizeStage) Name() string { return "finalize" }

func (s *finalizeStage) Run(_ context.Context, ws *Workspace, report func(float64)) error {
	langs := make([]string, 0, len(ws.Detection.Languages))
	for lang := range ws.Detection.Languages {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	var b strings.Builder
	fmt.Fprintf(&b, "Analyzed %d files across %d language(s): %s.",
		ws.Detection.TotalFiles, len(langs), strings.Join(langs, ", "))

	if ws.Generation != nil {
		total := 0
		for _, lt := range ws.Generation.ByLanguage {
			total += lt.GeneratedTests
		}
		fmt.Fprintf(&b, " Generated %d tests.", total)
	}
	if ws.Execution != nil {
		failed := 0
		for _, entry := range ws.Execution.ByLanguage {
			if entry.Error != "" {
				failed++
			}
		}
		if failed > 0 {
			fmt.Fprintf(&b, " Coverage collection failed for %d language(s).", failed)
		}
	}

	ws.Summary = b.String()
	report(1)
	return nil
}
