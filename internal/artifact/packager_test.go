package artifact

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/testsmith/internal/orchestrator"
	"github.com/dusk-indust/testsmith/internal/task"
)

type fakeSource struct {
	results map[string]*orchestrator.Result
	calls   int
}

func (f *fakeSource) Results(id string) (*orchestrator.Result, error) {
	f.calls++
	r, ok := f.results[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, task.ErrNotFound)
	}
	return r, nil
}

func sampleResult(id string) *orchestrator.Result {
	return &orchestrator.Result{
		TaskID:        id,
		Status:        task.StateCompleted,
		RepositoryURL: "https://example.com/org/repo.git",
		TestFiles: map[string]*orchestrator.LanguageTests{
			"go": {Framework: "go test", Success: true, Files: []orchestrator.TestFile{
				{Path: "go/pkg/b_test.go", TestCount: 2, Content: []byte("package pkg // b")},
				{Path: "go/pkg/a_test.go", TestCount: 1, Content: []byte("package pkg // a")},
			}},
		},
		CoverageReport: map[string]*orchestrator.CoverageEntry{
			"go": {CoveragePercentage: 81.5, TestsPassed: 3, TestsTotal: 3},
		},
		CoveragePercentage: 81.5,
	}
}

func listZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = content
	}
	return out
}

func TestPackageTestsArchive(t *testing.T) {
	src := &fakeSource{results: map[string]*orchestrator.Result{"t1": sampleResult("t1")}}
	p := NewPackager(src)

	data, err := p.Package("t1", KindTests)
	require.NoError(t, err)

	files := listZip(t, data)
	require.Len(t, files, 2)
	assert.Equal(t, []byte("package pkg // a"), files["go/pkg/a_test.go"])
	assert.Equal(t, []byte("package pkg // b"), files["go/pkg/b_test.go"])
}

func TestPackageCoverageArchive(t *testing.T) {
	src := &fakeSource{results: map[string]*orchestrator.Result{"t1": sampleResult("t1")}}
	p := NewPackager(src)

	data, err := p.Package("t1", KindCoverage)
	require.NoError(t, err)

	files := listZip(t, data)
	require.Contains(t, files, "coverage_report.json")
	doc := string(files["coverage_report.json"])
	assert.Contains(t, doc, `"task_id": "t1"`)
	assert.Contains(t, doc, `"coverage_percentage": 81.5`)
}

func TestPackageIsDeterministicAndCached(t *testing.T) {
	src := &fakeSource{results: map[string]*orchestrator.Result{"t1": sampleResult("t1")}}
	p := NewPackager(src)

	first, err := p.Package("t1", KindTests)
	require.NoError(t, err)
	second, err := p.Package("t1", KindTests)
	require.NoError(t, err)

	assert.Equal(t, first, second, "repeat downloads must be byte-identical")
	assert.Equal(t, 1, src.calls, "second download served from cache")
}

func TestPackageInvalidate(t *testing.T) {
	src := &fakeSource{results: map[string]*orchestrator.Result{"t1": sampleResult("t1")}}
	p := NewPackager(src)

	_, err := p.Package("t1", KindTests)
	require.NoError(t, err)

	p.Invalidate("t1")
	delete(src.results, "t1")

	_, err = p.Package("t1", KindTests)
	require.ErrorIs(t, err, task.ErrNotFound, "invalidated archives must not outlive the result")
}

func TestPackageErrorsPassThrough(t *testing.T) {
	src := &fakeSource{results: map[string]*orchestrator.Result{}}
	p := NewPackager(src)

	_, err := p.Package("missing", KindTests)
	require.ErrorIs(t, err, task.ErrNotFound)

	_, err = p.Package("t1", Kind("sources"))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "test_files_t1.zip", ArchiveName("t1", KindTests))
	assert.Equal(t, "coverage_report_t1.zip", ArchiveName("t1", KindCoverage))
}
