//go:build linux || darwin

package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithMappedFileReadsContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	want := []byte("hello mapped world, padded to more than one word")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var got []byte
	err := WithMappedFile(path, false, func(r *Region) error {
		got = append(got, r.Data()...)
		if r.Len() != len(want) {
			t.Fatalf("Len() = %d, want %d", r.Len(), len(want))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithMappedFile: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("mapped content = %q, want %q", got, want)
	}
}

func TestWithMappedFileRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WithMappedFile(path, false, func(r *Region) error { return nil }); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestWithMappedFileWritableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rw.bin")
	if err := os.WriteFile(path, make([]byte, 16), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := WithMappedFile(path, true, func(r *Region) error {
		copy(r.Data(), []byte("mutated!"))
		return r.Sync()
	})
	if err != nil {
		t.Fatalf("WithMappedFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got[:8]) != "mutated!" {
		t.Fatalf("file content = %q, want prefix mutated!", got)
	}
}

func TestPublishAtomicallyReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	want := []byte("brand new cache contents")
	if err := PublishAtomically(path, want); err != nil {
		t.Fatalf("PublishAtomically: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("published content = %q, want %q", got, want)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "cache.bin" {
			t.Fatalf("unexpected leftover file in publish dir: %s", e.Name())
		}
	}
}
