package main

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestRunRequiresArchAndOut(t *testing.T) {
	err := run([]string{"/usr/lib/libfoo.dylib"})
	if err == nil {
		t.Fatal("expected an error when -arch/-out are missing")
	}
}

func TestRunRejectsUnknownArch(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cache")
	err := run([]string{"-arch", "sparc", "-out", out, "/usr/lib/libfoo.dylib"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized -arch")
	}
}

func TestRunRejectsBadDyldBaseAddress(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cache")
	err := run([]string{"-arch", "x86_64", "-out", out, "-dyld-base-address", "not-a-number", "/usr/lib/libfoo.dylib"})
	if err == nil {
		t.Fatal("expected an error for an unparsable -dyld-base-address")
	}
}

func TestRunRequiresAtLeastOneRoot(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cache")
	err := run([]string{"-arch", "x86_64", "-out", out})
	if err == nil {
		t.Fatal("expected an error when no root dylib paths are given")
	}
}

func TestRunRejectsMissingPathsFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cache")
	err := run([]string{"-arch", "x86_64", "-out", out, "-paths-file", filepath.Join(t.TempDir(), "nope.paths")})
	if err == nil {
		t.Fatal("expected an error for a missing -paths-file")
	}
}

func TestRunPropagatesBuildFailureForUnresolvableRoot(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cache")
	err := run([]string{"-arch", "x86_64", "-out", out, filepath.Join(t.TempDir(), "does-not-exist.dylib")})
	if err == nil {
		t.Fatal("expected cache.Build to fail resolving a nonexistent root dylib")
	}
	var target error
	if !errors.As(err, &target) {
		t.Fatalf("expected a wrapped error, got %v", err)
	}
}
