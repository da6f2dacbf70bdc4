package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadPathsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.paths")
	content := "# a comment\n\n/usr/lib/libfoo.dylib\n  /usr/lib/libbar.dylib  \n" +
		legacyIgnoredPath + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	got, err := ReadPathsFile(path)
	if err != nil {
		t.Fatalf("ReadPathsFile: %v", err)
	}
	want := []string{"/usr/lib/libfoo.dylib", "/usr/lib/libbar.dylib"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReadPathsFileMissing(t *testing.T) {
	if _, err := ReadPathsFile(filepath.Join(t.TempDir(), "nope.paths")); err == nil {
		t.Fatal("expected an error for a missing paths file")
	}
}

func TestReadPathsDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.paths"), []byte("/usr/lib/liba.dylib\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.paths"), []byte("/usr/lib/libb.dylib\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("/usr/lib/libc.dylib\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPathsDir(dir)
	if err != nil {
		t.Fatalf("ReadPathsDir: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries from the two .paths files, got %v", got)
	}
}
