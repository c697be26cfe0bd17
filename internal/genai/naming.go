package genai

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dusk-indust/testsmith/internal/detect"
)

// TestFileName maps a source file path to its conventional test file path for
// the language, keeping the directory component.
func TestFileName(lang detect.Language, srcPath string) string {
	dir := filepath.Dir(srcPath)
	base := filepath.Base(srcPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	var name string
	switch lang {
	case detect.LangGo:
		name = stem + "_test.go"
	case detect.LangPython:
		name = "test_" + stem + ".py"
	case detect.LangTypeScript:
		name = stem + ".test.ts"
	case detect.LangRust:
		name = stem + "_test.rs"
	default:
		name = stem + "_test" + ext
	}

	if dir == "." {
		return name
	}
	return filepath.Join(dir, name)
}

// Test-case markers per framework. Counting markers is approximate but close
// enough for the reported totals; exactness would require executing the suite.
var (
	goTestRe    = regexp.MustCompile(`(?m)^func Test\w+\s*\(`)
	pytestRe    = regexp.MustCompile(`(?m)^\s*def test_\w+\s*\(`)
	jestRe      = regexp.MustCompile(`(?m)^\s*(?:it|test)\s*\(`)
	cargoTestRe = regexp.MustCompile(`(?m)^\s*#\[(?:tokio::)?test\]`)
)

// CountTests counts test cases in a generated file by the framework's
// declaration markers.
func CountTests(framework, content string) int {
	switch framework {
	case "go test":
		return len(goTestRe.FindAllString(content, -1))
	case "pytest":
		return len(pytestRe.FindAllString(content, -1))
	case "jest":
		return len(jestRe.FindAllString(content, -1))
	case "cargo test":
		return len(cargoTestRe.FindAllString(content, -1))
	default:
		return 0
	}
}

// extractCode strips a Markdown code fence when the model wrapped its answer
// in one, returning the inner content otherwise unchanged.
func extractCode(completion string) string {
	trimmed := strings.TrimSpace(completion)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:] // drop the opening fence with its language tag
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
