package orchestrator

import (
	"context"

	"github.com/dusk-indust/testsmith/internal/task"
)

// Request carries the validated parameters of one analysis submission. It is
// part of the accumulated context every stage can read.
type Request struct {
	RepositoryURL string       `json:"repository_url"`
	APIKey        string       `json:"api_key,omitempty"`
	Options       task.Options `json:"options"`
}

// Workspace is the accumulated per-task context. Stage i writes its output
// here and stage i+1 reads it; the orchestrator owns the instance and stages
// never share one across tasks.
type Workspace struct {
	TaskID  string
	Request Request

	// Dir is the task-private working directory. The clone lands in
	// Dir/repo and generated tests under Dir/tests.
	Dir string

	Clone      *CloneResult
	Detection  *DetectionReport
	Generation *GenerationResult
	Execution  *ExecutionResult

	// Summary is the human-readable analysis summary composed by the
	// finalize stage.
	Summary string
}

// RepoDir returns the directory the repository was cloned into.
func (ws *Workspace) RepoDir() string { return ws.Dir + "/repo" }

// TestsDir returns the directory generated test files are written into.
func (ws *Workspace) TestsDir() string { return ws.Dir + "/tests" }

// --- Collaborator contracts ---
//
// The orchestrator consumes these interfaces and never sees the mechanics
// behind them (network fetch, tree-sitter, model inference, subprocesses).
// Every method takes a report callback receiving stage-local progress in
// [0,1]; implementations may call it as often as they like.

// CloneProvider fetches a remote repository into a local working copy.
type CloneProvider interface {
	Clone(ctx context.Context, url, token, dir string, report func(float64)) (*CloneResult, error)
}

// CloneResult describes a completed working copy.
type CloneResult struct {
	Dir        string
	CommitHash string
	FileCount  int
}

// Detector inspects a working copy and reports languages, frameworks, and
// the source files worth generating tests for.
type Detector interface {
	Detect(ctx context.Context, dir string, maxFiles int, report func(float64)) (*DetectionReport, error)
}

// DetectionReport is the Detector output.
type DetectionReport struct {
	// TotalFiles counts every file seen in the working copy.
	TotalFiles int

	// Languages maps language tag to its detected profile.
	Languages map[string]*LanguageProfile
}

// LanguageProfile describes one detected language within a repository.
type LanguageProfile struct {
	Language  string
	Framework string
	Files     []SourceFile
}

// SourceFile is one analyzable source file with its testable symbol count.
type SourceFile struct {
	Path    string // relative to the repository root
	Symbols int
}

// Generator produces test files for the detected languages.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest, report func(float64)) (*GenerationResult, error)
}

// GenerationRequest bundles everything the Generator needs.
type GenerationRequest struct {
	RepoDir   string
	OutDir    string
	APIKey    string
	Options   task.Options
	Detection *DetectionReport
}

// GenerationResult maps language tag to its generated test set.
type GenerationResult struct {
	ByLanguage map[string]*LanguageTests
}

// LanguageTests is the per-language generation outcome. Success is false when
// generation failed for the language; the entry still exists so downstream
// consumers never need existence checks.
type LanguageTests struct {
	Framework      string     `json:"framework"`
	Files          []TestFile `json:"files"`
	GeneratedTests int        `json:"generated_tests"`
	Success        bool       `json:"success"`
}

// TestFile is one generated test file. Content is retained for artifact
// packaging but never serialized into the results payload.
type TestFile struct {
	Path      string `json:"file_path"`
	TestCount int    `json:"test_count"`
	Content   []byte `json:"-"`
}

// Runner executes generated tests and collects per-language coverage. One
// language failing must not unwind the others: failures are carried in the
// returned entries, not in the error.
type Runner interface {
	Run(ctx context.Context, repoDir string, gen *GenerationResult, report func(float64)) (*ExecutionResult, error)
}

// ExecutionResult maps language tag to its coverage outcome.
type ExecutionResult struct {
	ByLanguage map[string]*CoverageEntry
}

// CoverageEntry is the per-language execution outcome: either populated
// numbers or a non-empty Error, never both meaningfully.
type CoverageEntry struct {
	CoveragePercentage float64 `json:"coverage_percentage"`
	TestsPassed        int     `json:"tests_passed"`
	TestsFailed        int     `json:"tests_failed"`
	TestsTotal         int     `json:"tests_total"`
	Error              string  `json:"error,omitempty"`
}
