package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/dusk-indust/testsmith/internal/task"
)

// Result is the finalized aggregate output of a completed (or
// failed-with-partial-results) task. Once built it is read-only.
type Result struct {
	TaskID        string     `json:"task_id"`
	Status        task.State `json:"status"`
	RepositoryURL string     `json:"repository_url"`

	DetectedLanguages  []string `json:"detected_languages"`
	TotalFiles         int      `json:"total_files"`
	AnalyzedFiles      int      `json:"analyzed_files"`
	GeneratedTests     int      `json:"generated_tests"`
	CoveragePercentage float64  `json:"coverage_percentage"`
	AnalysisSummary    string   `json:"analysis_summary"`

	// TestFiles and CoverageReport hold an entry for every detected
	// language, zero-valued where a section is missing, so consumers never
	// need existence checks beyond the documented nullable fields.
	TestFiles      map[string]*LanguageTests `json:"test_files"`
	CoverageReport map[string]*CoverageEntry `json:"coverage_report"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TestFilesDownloadURL      string `json:"test_files_download_url"`
	CoverageReportDownloadURL string `json:"coverage_report_download_url"`
}

// BuildResult aggregates the stage outputs accumulated in ws into one result
// record. Pure aggregation: no I/O beyond reading what is already in memory.
// Missing optional sections default to zero-valued entries rather than
// omitted keys.
func BuildResult(ws *Workspace, t *task.Task) *Result {
	r := &Result{
		TaskID:          t.ID,
		Status:          t.Status,
		RepositoryURL:   t.RepositoryURL,
		AnalysisSummary: ws.Summary,
		TestFiles:       make(map[string]*LanguageTests),
		CoverageReport:  make(map[string]*CoverageEntry),
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,

		TestFilesDownloadURL:      fmt.Sprintf("/api/v1/download/%s/tests", t.ID),
		CoverageReportDownloadURL: fmt.Sprintf("/api/v1/download/%s/coverage", t.ID),
	}

	if ws.Detection != nil {
		r.TotalFiles = ws.Detection.TotalFiles
		for lang, profile := range ws.Detection.Languages {
			r.DetectedLanguages = append(r.DetectedLanguages, lang)
			r.AnalyzedFiles += len(profile.Files)

			// Seed zero-valued entries; populated below where outputs exist.
			r.TestFiles[lang] = &LanguageTests{Framework: profile.Framework, Files: []TestFile{}}
			r.CoverageReport[lang] = &CoverageEntry{}
		}
		sort.Strings(r.DetectedLanguages)
	}

	if ws.Generation != nil {
		for lang, lt := range ws.Generation.ByLanguage {
			r.TestFiles[lang] = lt
			r.GeneratedTests += lt.GeneratedTests
		}
	}

	if ws.Execution != nil {
		var sum float64
		var counted int
		for lang, entry := range ws.Execution.ByLanguage {
			r.CoverageReport[lang] = entry
			if entry.Error == "" {
				sum += entry.CoveragePercentage
				counted++
			}
		}
		if counted > 0 {
			r.CoveragePercentage = sum / float64(counted)
		}
	}

	if r.DetectedLanguages == nil {
		r.DetectedLanguages = []string{}
	}
	return r
}
