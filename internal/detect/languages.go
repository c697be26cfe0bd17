package detect

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// Language identifies a programming language the detector can analyze.
type Language string

const (
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangTypeScript Language = "typescript"
	LangRust       Language = "rust"
)

// languageSpec describes how one language is recognized and tested.
type languageSpec struct {
	grammar *tree_sitter.Language

	// framework is the test framework tests are generated and run for.
	framework string

	// funcKinds are the tree-sitter node kinds counted as testable symbols.
	funcKinds map[string]bool
}

// registry maps each supported language to its spec. The supported set is
// exactly the set of grammars compiled in.
var registry = map[Language]*languageSpec{
	LangGo: {
		grammar:   tree_sitter.NewLanguage(tree_sitter_go.Language()),
		framework: "go test",
		funcKinds: map[string]bool{"function_declaration": true, "method_declaration": true},
	},
	LangPython: {
		grammar:   tree_sitter.NewLanguage(tree_sitter_python.Language()),
		framework: "pytest",
		funcKinds: map[string]bool{"function_definition": true},
	},
	LangTypeScript: {
		grammar:   tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript()),
		framework: "jest",
		funcKinds: map[string]bool{"function_declaration": true, "method_definition": true},
	},
	LangRust: {
		grammar:   tree_sitter.NewLanguage(tree_sitter_rust.Language()),
		framework: "cargo test",
		funcKinds: map[string]bool{"function_item": true},
	},
}

// extToLanguage maps file extensions to language tags.
var extToLanguage = map[string]Language{
	".go":  LangGo,
	".py":  LangPython,
	".ts":  LangTypeScript,
	".tsx": LangTypeScript,
	".rs":  LangRust,
}

// skipDirs are directories never descended into during the source walk.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
}

// Framework returns the test framework for a language tag, or "" if the
// language is not supported.
func Framework(lang string) string {
	if spec, ok := registry[Language(lang)]; ok {
		return spec.framework
	}
	return ""
}
