// Package testrun executes generated test suites and collects coverage.
package testrun

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/testsmith/internal/orchestrator"
)

// Compile-time interface check.
var _ orchestrator.Runner = (*SubprocessRunner)(nil)

// Config holds execution limits.
type Config struct {
	// PerLanguageTimeout bounds one language's test run. Zero means the
	// stage deadline alone applies.
	PerLanguageTimeout time.Duration
}

// SubprocessRunner installs the generated test files into the working copy and
// drives each language's native test command. Languages are fully isolated:
// a broken suite or a missing toolchain surfaces as that language's entry
// error and the rest still run.
type SubprocessRunner struct {
	cfg    Config
	logger *zap.Logger
}

// NewSubprocessRunner returns a runner using the host toolchains.
func NewSubprocessRunner(cfg Config, logger *zap.Logger) *SubprocessRunner {
	return &SubprocessRunner{cfg: cfg, logger: logger}
}

// Run executes every language's generated suite inside repoDir in parallel and
// returns an entry per language. One language's suite never cancels another;
// Run errs only on context cancellation, and per-language failures are carried
// in the entries.
func (r *SubprocessRunner) Run(ctx context.Context, repoDir string, gen *orchestrator.GenerationResult, report func(float64)) (*orchestrator.ExecutionResult, error) {
	total := len(gen.ByLanguage)
	result := &orchestrator.ExecutionResult{
		ByLanguage: make(map[string]*orchestrator.CoverageEntry, total),
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		done int
	)
	for lang, lt := range gen.ByLanguage {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			entry := r.runLanguage(ctx, repoDir, lang, lt)
			if entry.Error != "" {
				r.logger.Warn("test execution failed for language",
					zap.String("language", lang),
					zap.String("error", entry.Error))
			}

			mu.Lock()
			result.ByLanguage[lang] = entry
			done++
			report(float64(done) / float64(total))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// runLanguage installs one language's test files and runs its framework
// command. All failure modes collapse into the entry's Error field.
func (r *SubprocessRunner) runLanguage(ctx context.Context, repoDir, lang string, lt *orchestrator.LanguageTests) *orchestrator.CoverageEntry {
	if !lt.Success || len(lt.Files) == 0 {
		return &orchestrator.CoverageEntry{Error: "no generated tests to execute"}
	}

	if err := installTests(repoDir, lang, lt.Files); err != nil {
		return &orchestrator.CoverageEntry{Error: fmt.Sprintf("install tests: %v", err)}
	}

	runCtx := ctx
	if r.cfg.PerLanguageTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.PerLanguageTimeout)
		defer cancel()
	}

	cmdline, ok := frameworkCommands[lt.Framework]
	if !ok {
		return &orchestrator.CoverageEntry{Error: fmt.Sprintf("no runner for framework %q", lt.Framework)}
	}

	cmd := exec.CommandContext(runCtx, cmdline[0], cmdline[1:]...)
	cmd.Dir = repoDir
	out, runErr := cmd.CombinedOutput()
	output := string(out)

	if runCtx.Err() != nil {
		return &orchestrator.CoverageEntry{Error: fmt.Sprintf("test run for %s timed out", lang)}
	}

	entry, parseErr := ParseOutput(lt.Framework, output)
	if parseErr != nil {
		// Nothing recognizable in the output; the command itself is the
		// best explanation we have.
		msg := parseErr.Error()
		if runErr != nil {
			msg = fmt.Sprintf("%s: %v", strings.Join(cmdline, " "), runErr)
		}
		return &orchestrator.CoverageEntry{Error: msg}
	}
	return entry
}

// frameworkCommands maps a framework to its coverage-enabled invocation.
var frameworkCommands = map[string][]string{
	"go test":    {"go", "test", "./...", "-v", "-coverprofile=/dev/null", "-covermode=set"},
	"pytest":     {"python3", "-m", "pytest", "--cov=.", "-q"},
	"jest":       {"npx", "--yes", "jest", "--coverage", "--ci"},
	"cargo test": {"cargo", "test"},
}

// installTests writes the generated files into the working copy next to the
// sources they exercise. Paths carry a leading language component from the
// generation layout, which is stripped here.
func installTests(repoDir, lang string, files []orchestrator.TestFile) error {
	for _, tf := range files {
		rel := strings.TrimPrefix(filepath.FromSlash(tf.Path), lang+string(filepath.Separator))
		dst := filepath.Join(repoDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, tf.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}
