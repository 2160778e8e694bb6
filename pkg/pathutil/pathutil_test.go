package pathutil

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestNormalize(t *testing.T) {
	abs, err := Normalize("/tmp/docs/")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if runtime.GOOS != "windows" && abs != "/tmp/docs" {
		t.Errorf("expected trailing separator stripped, got %q", abs)
	}

	// Percent-encoded input decodes before resolution.
	abs, err = Normalize("/tmp/my%20docs")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if filepath.Base(abs) != "my docs" {
		t.Errorf("expected URL-decoded basename, got %q", abs)
	}

	// Root keeps its separator.
	abs, err = Normalize("/")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if abs != string(filepath.Separator) {
		t.Errorf("expected root to survive, got %q", abs)
	}

	if _, err := Normalize(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestIsSubPath(t *testing.T) {
	tests := []struct {
		name   string
		child  string
		parent string
		want   bool
	}{
		{"direct child", "/a/b", "/a", true},
		{"deep descendant", "/a/b/c/d", "/a", true},
		{"same path", "/a", "/a", false},
		{"parent of", "/a", "/a/b", false},
		{"sibling", "/a/c", "/a/b", false},
		{"sibling with shared prefix", "/ab", "/a", false},
		{"root parent", "/a", "/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSubPath(tt.child, tt.parent); got != tt.want {
				t.Errorf("IsSubPath(%q, %q) = %v, want %v", tt.child, tt.parent, got, tt.want)
			}
		})
	}
}

func TestGenerateDocumentID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"docs/API Guide.md", "docs-api-guide-md"},
		{"a//b.txt", "a-b-txt"},
		{"readme.md", "readme-md"},
		{"--weird--name--", "weird-name"},
		{"über.txt", "über-txt"},
	}
	for _, tt := range tests {
		got, err := GenerateDocumentID(tt.in)
		if err != nil {
			t.Fatalf("GenerateDocumentID(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("GenerateDocumentID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := GenerateDocumentID("///"); err == nil {
		t.Error("expected error for path with no alphanumerics")
	}
}

func TestToRelative(t *testing.T) {
	tests := []struct {
		name     string
		absPath  string
		rootDir  string
		expected string
	}{
		{"inside root", "/home/user/project/src/main.go", "/home/user/project", filepath.Join("src", "main.go")},
		{"outside root", "/other/file.go", "/home/user/project", "/other/file.go"},
		{"already relative", "src/main.go", "/home/user/project", "src/main.go"},
		{"empty root", "/a/b", "", "/a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToRelative(tt.absPath, tt.rootDir); got != tt.expected {
				t.Errorf("ToRelative(%q, %q) = %q, want %q", tt.absPath, tt.rootDir, got, tt.expected)
			}
		})
	}
}
