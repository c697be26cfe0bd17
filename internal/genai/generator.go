// Package genai generates unit tests for detected source files through a
// language model.
package genai

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/dusk-indust/testsmith/internal/detect"
	"github.com/dusk-indust/testsmith/internal/orchestrator"
	"github.com/dusk-indust/testsmith/internal/task"
)

// Compile-time interface check.
var _ orchestrator.Generator = (*LLMGenerator)(nil)

// Config holds the model connection settings.
type Config struct {
	// Model is the chat model identifier, e.g. "gpt-4o-mini".
	Model string

	// BaseURL overrides the provider endpoint. Empty means the provider
	// default.
	BaseURL string

	// APIKey is the server-side key used when a submission carries none.
	APIKey string

	// MaxSourceBytes caps how much of a source file is placed into the
	// prompt. Files larger than the cap are truncated, not skipped.
	MaxSourceBytes int
}

const defaultMaxSourceBytes = 48 * 1024

// modelFactory builds a model client for one request's credentials.
type modelFactory func(apiKey string) (llms.Model, error)

// LLMGenerator asks a chat model for one test file per source file. Languages
// are isolated from each other: a model failure marks that language's entry
// unsuccessful and the remaining languages still run.
type LLMGenerator struct {
	cfg      Config
	logger   *zap.Logger
	newModel modelFactory
}

// NewLLMGenerator returns a generator backed by an OpenAI-compatible endpoint.
func NewLLMGenerator(cfg Config, logger *zap.Logger) *LLMGenerator {
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = defaultMaxSourceBytes
	}
	g := &LLMGenerator{cfg: cfg, logger: logger}
	g.newModel = func(apiKey string) (llms.Model, error) {
		opts := []openai.Option{
			openai.WithToken(apiKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	}
	return g
}

// Generate produces test files for every language in the detection report,
// writing them under req.OutDir grouped by language. It errs only when no
// language produced anything at all.
func (g *LLMGenerator) Generate(ctx context.Context, req orchestrator.GenerationRequest, report func(float64)) (*orchestrator.GenerationResult, error) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = g.cfg.APIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no model credentials configured")
	}

	model, err := g.newModel(apiKey)
	if err != nil {
		return nil, fmt.Errorf("build model client: %w", err)
	}

	totalFiles := 0
	for _, profile := range req.Detection.Languages {
		totalFiles += len(profile.Files)
	}
	if totalFiles == 0 {
		return nil, fmt.Errorf("nothing to generate: detection found no source files")
	}

	// Stable language order keeps progress and logs reproducible.
	langs := make([]string, 0, len(req.Detection.Languages))
	for lang := range req.Detection.Languages {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	result := &orchestrator.GenerationResult{
		ByLanguage: make(map[string]*orchestrator.LanguageTests),
	}
	done := 0
	succeeded := 0

	for _, lang := range langs {
		profile := req.Detection.Languages[lang]
		lt := &orchestrator.LanguageTests{
			Framework: profile.Framework,
			Files:     []orchestrator.TestFile{},
		}
		result.ByLanguage[lang] = lt

		var langErr error
		for _, src := range profile.Files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			tf, err := g.generateOne(ctx, model, req, lang, profile.Framework, src)
			if err != nil {
				langErr = err
				g.logger.Warn("test generation failed for file",
					zap.String("language", lang),
					zap.String("file", src.Path),
					zap.Error(err))
				done += len(profile.Files) - len(lt.Files)
				break
			}

			lt.Files = append(lt.Files, *tf)
			lt.GeneratedTests += tf.TestCount
			done++
			report(float64(done) / float64(totalFiles))
		}

		lt.Success = langErr == nil && len(lt.Files) > 0
		if lt.Success {
			succeeded++
		}
	}

	if succeeded == 0 {
		return nil, fmt.Errorf("test generation produced nothing for any detected language")
	}

	report(1)
	return result, nil
}

// generateOne asks the model for a test file covering one source file and
// writes it under OutDir.
func (g *LLMGenerator) generateOne(ctx context.Context, model llms.Model, req orchestrator.GenerationRequest, lang, framework string, src orchestrator.SourceFile) (*orchestrator.TestFile, error) {
	source, err := os.ReadFile(filepath.Join(req.RepoDir, src.Path))
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", src.Path, err)
	}
	if len(source) > g.cfg.MaxSourceBytes {
		source = source[:g.cfg.MaxSourceBytes]
	}

	prompt := buildPrompt(lang, framework, src.Path, string(source), req.Options)

	completion, err := llms.GenerateFromSinglePrompt(ctx, model, prompt,
		llms.WithTemperature(0.2))
	if err != nil {
		return nil, fmt.Errorf("model completion for %s: %w", src.Path, err)
	}

	content := []byte(extractCode(completion))
	if len(content) == 0 {
		return nil, fmt.Errorf("model returned an empty test for %s", src.Path)
	}

	relPath := TestFileName(detect.Language(lang), src.Path)
	outPath := filepath.Join(req.OutDir, lang, relPath)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare test dir: %w", err)
	}
	if err := os.WriteFile(outPath, content, 0o644); err != nil {
		return nil, fmt.Errorf("write test file %s: %w", outPath, err)
	}

	return &orchestrator.TestFile{
		Path:      filepath.ToSlash(filepath.Join(lang, relPath)),
		TestCount: CountTests(framework, string(content)),
		Content:   content,
	}, nil
}

// buildPrompt composes the generation instruction for one source file.
func buildPrompt(lang, framework, path, source string, opts task.Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write unit tests in %s using %s for the following source file.\n", lang, framework)
	b.WriteString("Respond with only the complete test file content, no explanation.\n")
	if opts.GenerateMocks {
		b.WriteString("Mock external collaborators rather than calling them.\n")
	}
	if opts.IncludeDependencies {
		b.WriteString("Cover interactions with the file's direct dependencies as well.\n")
	}
	if opts.TargetCoverage > 0 {
		fmt.Fprintf(&b, "Aim for at least %d%% line coverage.\n", opts.TargetCoverage)
	}
	fmt.Fprintf(&b, "File: %s\n\n%s\n", path, source)
	return b.String()
}
