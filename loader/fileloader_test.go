package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileLoaderResolveAndLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.ts"), []byte("export const x: number = 1;\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(dir)
	rootURL, err := l.Resolve("./a.ts", "", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	src, err := l.Load(context.Background(), rootURL, "", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.URLFound != rootURL {
		t.Fatalf("URLFound = %q, want %q", src.URLFound, rootURL)
	}
	if src.Code == "" {
		t.Fatal("expected transformed source")
	}
}

func TestFileLoaderRejectsEscapingRoot(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	if _, err := l.Resolve("../../etc/passwd", "", true); err == nil {
		t.Fatal("expected an error resolving a path that escapes root")
	}
}
