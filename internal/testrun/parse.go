package testrun

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/dusk-indust/testsmith/internal/orchestrator"
)

// Output markers per framework. The parsers read human-oriented output
// because the machine-readable alternatives differ wildly per toolchain and
// the aggregate counts are all the result record needs.
var (
	goPassRe     = regexp.MustCompile(`(?m)^\s*--- PASS: `)
	goFailRe     = regexp.MustCompile(`(?m)^\s*--- FAIL: `)
	goCoverRe    = regexp.MustCompile(`coverage: ([\d.]+)% of statements`)
	pytestTailRe = regexp.MustCompile(`(?m)^=*\s*((?:\d+ \w+(?:, )?)+) in [\d.]+s`)
	pytestPairRe = regexp.MustCompile(`(\d+) (passed|failed|errors?)`)
	pytestCovRe  = regexp.MustCompile(`(?m)^TOTAL\s+\d+\s+\d+\s+(\d+)%`)
	jestTestsRe  = regexp.MustCompile(`Tests:\s+(?:(\d+) failed, )?(?:\d+ skipped, )?(\d+) passed, (\d+) total`)
	jestCovRe    = regexp.MustCompile(`All files\s*\|\s*([\d.]+)`)
	cargoRe      = regexp.MustCompile(`test result: \w+\. (\d+) passed; (\d+) failed;`)
)

// ParseOutput extracts pass/fail counts and a coverage percentage from a test
// command's combined output. It errs when the output carries no recognizable
// summary at all, which usually means the command never ran the suite.
func ParseOutput(framework, output string) (*orchestrator.CoverageEntry, error) {
	switch framework {
	case "go test":
		return parseGoTest(output)
	case "pytest":
		return parsePytest(output)
	case "jest":
		return parseJest(output)
	case "cargo test":
		return parseCargo(output)
	default:
		return nil, fmt.Errorf("unknown framework %q", framework)
	}
}

func parseGoTest(output string) (*orchestrator.CoverageEntry, error) {
	passed := len(goPassRe.FindAllString(output, -1))
	failed := len(goFailRe.FindAllString(output, -1))
	covs := goCoverRe.FindAllStringSubmatch(output, -1)
	if passed+failed == 0 && len(covs) == 0 {
		return nil, fmt.Errorf("no go test summary in output")
	}

	entry := &orchestrator.CoverageEntry{
		TestsPassed: passed,
		TestsFailed: failed,
		TestsTotal:  passed + failed,
	}
	// Multiple packages each print a coverage line; average them.
	if len(covs) > 0 {
		var sum float64
		for _, m := range covs {
			v, _ := strconv.ParseFloat(m[1], 64)
			sum += v
		}
		entry.CoveragePercentage = sum / float64(len(covs))
	}
	return entry, nil
}

func parsePytest(output string) (*orchestrator.CoverageEntry, error) {
	tail := pytestTailRe.FindStringSubmatch(output)
	if tail == nil {
		return nil, fmt.Errorf("no pytest summary in output")
	}

	entry := &orchestrator.CoverageEntry{}
	for _, m := range pytestPairRe.FindAllStringSubmatch(tail[1], -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "passed":
			entry.TestsPassed = n
		case "failed", "error", "errors":
			entry.TestsFailed += n
		}
	}
	entry.TestsTotal = entry.TestsPassed + entry.TestsFailed

	if m := pytestCovRe.FindStringSubmatch(output); m != nil {
		entry.CoveragePercentage, _ = strconv.ParseFloat(m[1], 64)
	}
	return entry, nil
}

func parseJest(output string) (*orchestrator.CoverageEntry, error) {
	m := jestTestsRe.FindStringSubmatch(output)
	if m == nil {
		return nil, fmt.Errorf("no jest summary in output")
	}

	entry := &orchestrator.CoverageEntry{}
	if m[1] != "" {
		entry.TestsFailed, _ = strconv.Atoi(m[1])
	}
	entry.TestsPassed, _ = strconv.Atoi(m[2])
	entry.TestsTotal, _ = strconv.Atoi(m[3])

	if c := jestCovRe.FindStringSubmatch(output); c != nil {
		entry.CoveragePercentage, _ = strconv.ParseFloat(c[1], 64)
	}
	return entry, nil
}

func parseCargo(output string) (*orchestrator.CoverageEntry, error) {
	matches := cargoRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no cargo test summary in output")
	}

	// cargo prints one result line per test binary; sum them. Coverage is
	// not native to cargo test, so the percentage stays zero.
	entry := &orchestrator.CoverageEntry{}
	for _, m := range matches {
		p, _ := strconv.Atoi(m[1])
		f, _ := strconv.Atoi(m[2])
		entry.TestsPassed += p
		entry.TestsFailed += f
	}
	entry.TestsTotal = entry.TestsPassed + entry.TestsFailed
	return entry, nil
}
