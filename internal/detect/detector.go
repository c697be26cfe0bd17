// Package detect implements language and framework detection over
// tree-sitter grammars.
package detect

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/dusk-indust/testsmith/internal/orchestrator"
)

// Compile-time interface check.
var _ orchestrator.Detector = (*TreeSitterDetector)(nil)

// TreeSitterDetector tags files by extension and confirms each tag by
// parsing the file with the matching grammar, counting testable symbols
// (functions and methods) along the way. A new tree-sitter parser is created
// per file, so individual Detect calls are safe to run concurrently across
// tasks.
type TreeSitterDetector struct{}

// NewTreeSitterDetector returns a detector with all compiled-in grammars.
func NewTreeSitterDetector() *TreeSitterDetector { return &TreeSitterDetector{} }

// Detect walks dir, classifies source files, and parses up to maxFiles of
// them (0 means no cap). Files whose parse fails are dropped from the
// profile: an extension alone does not confirm a language.
func (d *TreeSitterDetector) Detect(ctx context.Context, dir string, maxFiles int, report func(float64)) (*orchestrator.DetectionReport, error) {
	candidates, totalFiles, err := collectSources(dir)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	if maxFiles > 0 && len(candidates) > maxFiles {
		candidates = candidates[:maxFiles]
	}

	rep := &orchestrator.DetectionReport{
		TotalFiles: totalFiles,
		Languages:  make(map[string]*orchestrator.LanguageProfile),
	}

	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		source, err := os.ReadFile(filepath.Join(dir, cand.relPath))
		if err != nil {
			continue
		}

		symbols, err := countSymbols(source, cand.lang)
		if err != nil {
			continue
		}

		lang := string(cand.lang)
		profile, ok := rep.Languages[lang]
		if !ok {
			profile = &orchestrator.LanguageProfile{
				Language:  lang,
				Framework: registry[cand.lang].framework,
			}
			rep.Languages[lang] = profile
		}
		profile.Files = append(profile.Files, orchestrator.SourceFile{
			Path:    cand.relPath,
			Symbols: symbols,
		})

		report(float64(i+1) / float64(len(candidates)))
	}

	report(1)
	return rep, nil
}

// candidate is a source file awaiting parse confirmation.
type candidate struct {
	relPath string
	lang    Language
}

// collectSources walks root and returns candidate source files in sorted
// order plus the total file count. Test files and noisy directories are
// skipped: existing tests are not analysis targets.
func collectSources(root string) ([]candidate, int, error) {
	var candidates []candidate
	total := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip entries we cannot read
		}

		name := d.Name()
		if d.IsDir() {
			if path != root && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		total++

		lang, ok := extToLanguage[strings.ToLower(filepath.Ext(name))]
		if !ok || isTestFile(name) {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		candidates = append(candidates, candidate{relPath: rel, lang: lang})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].relPath < candidates[j].relPath })
	return candidates, total, nil
}

// isTestFile reports whether name matches a test-file naming convention for
// any supported language.
func isTestFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, "_test.go") ||
		strings.HasPrefix(lower, "test_") ||
		strings.HasSuffix(lower, ".test.ts") ||
		strings.HasSuffix(lower, ".spec.ts") ||
		strings.HasSuffix(lower, "_test.py")
}

// countSymbols parses source with the language's grammar and counts nodes of
// the language's testable-symbol kinds.
func countSymbols(source []byte, lang Language) (int, error) {
	spec := registry[lang]

	parser := tree_sitter.NewParser()
	defer parser.Close()

	if err := parser.SetLanguage(spec.grammar); err != nil {
		return 0, fmt.Errorf("set language %s: %w", lang, err)
	}

	tree := parser.Parse(source, nil)
	if tree == nil {
		return 0, fmt.Errorf("tree-sitter returned nil tree")
	}
	defer tree.Close()

	count := 0
	cursor := tree.RootNode().Walk()
	defer cursor.Close()
	walkCount(cursor, spec.funcKinds, &count)
	return count, nil
}

// walkCount traverses the tree depth-first, incrementing count for every
// node whose kind is in kinds.
func walkCount(cursor *tree_sitter.TreeCursor, kinds map[string]bool, count *int) {
	if kinds[cursor.Node().Kind()] {
		*count++
	}

	if cursor.GotoFirstChild() {
		walkCount(cursor, kinds, count)
		for cursor.GotoNextSibling() {
			walkCount(cursor, kinds, count)
		}
		cursor.GotoParent()
	}
}
