package genai

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"

	"github.com/dusk-indust/testsmith/internal/orchestrator"
)

// fakeModel answers prompts from a function, standing in for the remote
// model.
type fakeModel struct {
	respond func(prompt string) (string, error)
}

func (f *fakeModel) Call(_ context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return f.respond(prompt)
}

func (f *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	var prompt string
	for _, m := range msgs {
		for _, part := range m.Parts {
			if tc, ok := part.(llms.TextContent); ok {
				prompt += tc.Text
			}
		}
	}
	out, err := f.respond(prompt)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: out}},
	}, nil
}

func newFakeGenerator(t *testing.T, respond func(prompt string) (string, error)) *LLMGenerator {
	t.Helper()
	g := NewLLMGenerator(Config{Model: "test-model", APIKey: "server-key"}, zaptest.NewLogger(t))
	g.newModel = func(string) (llms.Model, error) {
		return &fakeModel{respond: respond}, nil
	}
	return g
}

func fixtureRequest(t *testing.T) orchestrator.GenerationRequest {
	t.Helper()
	repoDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "pkg", "calc.go"),
		[]byte("package pkg\n\nfunc Add(a, b int) int { return a + b }\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "util.py"),
		[]byte("def greet(name):\n    return name\n"), 0o644))

	return orchestrator.GenerationRequest{
		RepoDir: repoDir,
		OutDir:  t.TempDir(),
		Detection: &orchestrator.DetectionReport{
			TotalFiles: 2,
			Languages: map[string]*orchestrator.LanguageProfile{
				"go": {Language: "go", Framework: "go test", Files: []orchestrator.SourceFile{
					{Path: "pkg/calc.go", Symbols: 1},
				}},
				"python": {Language: "python", Framework: "pytest", Files: []orchestrator.SourceFile{
					{Path: "util.py", Symbols: 1},
				}},
			},
		},
	}
}

func TestGenerateWritesTestFiles(t *testing.T) {
	g := newFakeGenerator(t, func(prompt string) (string, error) {
		if strings.Contains(prompt, "calc.go") {
			return "```go\npackage pkg\n\nfunc TestAdd(t *testing.T) {}\nfunc TestAddZero(t *testing.T) {}\n```", nil
		}
		return "def test_greet():\n    pass\n", nil
	})

	req := fixtureRequest(t)
	res, err := g.Generate(context.Background(), req, func(float64) {})
	require.NoError(t, err)
	require.Len(t, res.ByLanguage, 2)

	goTests := res.ByLanguage["go"]
	require.True(t, goTests.Success)
	require.Len(t, goTests.Files, 1)
	assert.Equal(t, "go/pkg/calc_test.go", goTests.Files[0].Path)
	assert.Equal(t, 2, goTests.Files[0].TestCount)
	assert.Equal(t, 2, goTests.GeneratedTests)
	assert.NotContains(t, string(goTests.Files[0].Content), "```", "fences must be stripped")

	onDisk, err := os.ReadFile(filepath.Join(req.OutDir, "go", "pkg", "calc_test.go"))
	require.NoError(t, err)
	assert.Equal(t, goTests.Files[0].Content, onDisk)

	pyTests := res.ByLanguage["python"]
	require.True(t, pyTests.Success)
	assert.Equal(t, "python/test_util.py", pyTests.Files[0].Path)
	assert.Equal(t, 1, pyTests.GeneratedTests)
}

func TestGenerateIsolatesLanguageFailures(t *testing.T) {
	g := newFakeGenerator(t, func(prompt string) (string, error) {
		if strings.Contains(prompt, "python") {
			return "", fmt.Errorf("model overloaded")
		}
		return "func TestAdd(t *testing.T) {}", nil
	})

	res, err := g.Generate(context.Background(), fixtureRequest(t), func(float64) {})
	require.NoError(t, err, "one language failing must not fail generation")

	assert.True(t, res.ByLanguage["go"].Success)
	assert.False(t, res.ByLanguage["python"].Success)
	assert.Empty(t, res.ByLanguage["python"].Files)
}

func TestGenerateFailsWhenAllLanguagesFail(t *testing.T) {
	g := newFakeGenerator(t, func(string) (string, error) {
		return "", fmt.Errorf("model overloaded")
	})

	_, err := g.Generate(context.Background(), fixtureRequest(t), func(float64) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced nothing")
}

func TestGenerateRequiresCredentials(t *testing.T) {
	g := NewLLMGenerator(Config{Model: "test-model"}, zaptest.NewLogger(t))

	_, err := g.Generate(context.Background(), fixtureRequest(t), func(float64) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestGeneratePrefersRequestKey(t *testing.T) {
	var usedKey string
	g := NewLLMGenerator(Config{Model: "test-model", APIKey: "server-key"}, zaptest.NewLogger(t))
	g.newModel = func(apiKey string) (llms.Model, error) {
		usedKey = apiKey
		return &fakeModel{respond: func(string) (string, error) {
			return "func TestX(t *testing.T) {}", nil
		}}, nil
	}

	req := fixtureRequest(t)
	req.APIKey = "caller-key"
	_, err := g.Generate(context.Background(), req, func(float64) {})
	require.NoError(t, err)
	assert.Equal(t, "caller-key", usedKey)
}

func TestGenerateProgressReachesOne(t *testing.T) {
	g := newFakeGenerator(t, func(string) (string, error) {
		return "func TestX(t *testing.T) {}", nil
	})

	var fracs []float64
	_, err := g.Generate(context.Background(), fixtureRequest(t), func(f float64) { fracs = append(fracs, f) })
	require.NoError(t, err)

	require.NotEmpty(t, fracs)
	assert.Equal(t, 1.0, fracs[len(fracs)-1])
}

func TestGenerateEmptyDetection(t *testing.T) {
	g := newFakeGenerator(t, func(string) (string, error) { return "x", nil })

	_, err := g.Generate(context.Background(), orchestrator.GenerationRequest{
		Detection: &orchestrator.DetectionReport{Languages: map[string]*orchestrator.LanguageProfile{}},
	}, func(float64) {})
	require.Error(t, err)
}
