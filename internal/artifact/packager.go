// Package artifact packages task outputs into downloadable archives.
package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dusk-indust/testsmith/internal/orchestrator"
)

// Kind selects which archive of a task to package.
type Kind string

const (
	KindTests    Kind = "tests"
	KindCoverage Kind = "coverage"
)

// ErrUnknownKind is returned for a kind outside the supported set.
var ErrUnknownKind = fmt.Errorf("unknown artifact kind")

// ResultSource yields finalized result records. The orchestrator satisfies
// it, including its not-found, not-ready, and no-result errors, which pass
// through Package unchanged.
type ResultSource interface {
	Results(id string) (*orchestrator.Result, error)
}

// Packager builds archives from result records on demand and memoizes them.
// Archives are derived purely from the record, with entries sorted and
// timestamps zeroed, so repeated downloads are byte-identical.
type Packager struct {
	source ResultSource

	mu    sync.Mutex
	cache map[cacheKey][]byte
}

type cacheKey struct {
	id   string
	kind Kind
}

// NewPackager returns a Packager reading from source.
func NewPackager(source ResultSource) *Packager {
	return &Packager{
		source: source,
		cache:  make(map[cacheKey][]byte),
	}
}

// ArchiveName returns the download filename for a task's archive.
func ArchiveName(id string, kind Kind) string {
	switch kind {
	case KindTests:
		return fmt.Sprintf("test_files_%s.zip", id)
	default:
		return fmt.Sprintf("coverage_report_%s.zip", id)
	}
}

// Package returns the archive bytes for a task. Result-availability errors
// from the source propagate unchanged.
func (p *Packager) Package(id string, kind Kind) ([]byte, error) {
	if kind != KindTests && kind != KindCoverage {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	key := cacheKey{id: id, kind: kind}
	p.mu.Lock()
	if data, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return data, nil
	}
	p.mu.Unlock()

	r, err := p.source.Results(id)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch kind {
	case KindTests:
		data, err = buildTestsArchive(r)
	case KindCoverage:
		data, err = buildCoverageArchive(r)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s archive for %s: %w", kind, id, err)
	}

	p.mu.Lock()
	p.cache[key] = data
	p.mu.Unlock()
	return data, nil
}

// Invalidate drops any cached archives for a task. The janitor calls this
// when the task's retention expires.
func (p *Packager) Invalidate(id string) {
	p.mu.Lock()
	delete(p.cache, cacheKey{id: id, kind: KindTests})
	delete(p.cache, cacheKey{id: id, kind: KindCoverage})
	p.mu.Unlock()
}

// buildTestsArchive packs every generated test file, one entry per file,
// laid out as <language>/<test path>.
func buildTestsArchive(r *orchestrator.Result) ([]byte, error) {
	type entry struct {
		path    string
		content []byte
	}
	var entries []entry
	for _, lt := range r.TestFiles {
		for _, tf := range lt.Files {
			entries = append(entries, entry{path: tf.Path, content: tf.Content})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.path, Method: zip.Deflate})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(e.content); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildCoverageArchive packs the coverage report as one JSON document.
func buildCoverageArchive(r *orchestrator.Result) ([]byte, error) {
	report := struct {
		TaskID             string                                  `json:"task_id"`
		RepositoryURL      string                                  `json:"repository_url"`
		CoveragePercentage float64                                 `json:"coverage_percentage"`
		ByLanguage         map[string]*orchestrator.CoverageEntry `json:"by_language"`
	}{
		TaskID:             r.TaskID,
		RepositoryURL:      r.RepositoryURL,
		CoveragePercentage: r.CoveragePercentage,
		ByLanguage:         r.CoverageReport,
	}

	doc, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "coverage_report.json", Method: zip.Deflate})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(doc); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
