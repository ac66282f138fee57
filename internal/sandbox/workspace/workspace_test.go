package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	appErr "runbox/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{Root: t.TempDir(), UID: -1, GID: -1})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"simple", "main.py", true},
		{"nested", "src/pkg/main.go", true},
		{"dot prefix", "./main.py", true},
		{"dots inside name", "a..b.txt", true},
		{"empty", "", false},
		{"blank", "   ", false},
		{"absolute", "/etc/passwd", false},
		{"parent", "../evil.sh", false},
		{"nested parent", "src/../../evil.sh", false},
		{"backslash parent", `src\..\evil.sh`, false},
		{"root dot", ".", false},
		{"nul", "a\x00b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.ok && err != nil {
				t.Fatalf("expected %q to be valid, got %v", tt.input, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("expected %q to be rejected", tt.input)
				}
				if !appErr.Is(err, appErr.ArtifactPathInvalid) {
					t.Fatalf("expected ArtifactPathInvalid, got %v", appErr.GetCode(err))
				}
			}
		})
	}
}

func TestAcquireCreatesUniquePrivateDirs(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Acquire(ctx, "req-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := mgr.Acquire(ctx, "req-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first.Dir() == second.Dir() {
		t.Fatalf("workspaces share a directory: %s", first.Dir())
	}
	info, err := os.Stat(first.Dir())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(first.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace, got %d entries", len(entries))
	}
	if mgr.Active() != 2 {
		t.Fatalf("expected 2 active workspaces, got %d", mgr.Active())
	}
	_ = mgr.Release(ctx, first)
	_ = mgr.Release(ctx, second)
}

func TestAcquireRejectsSeparatorInRequestID(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Acquire(context.Background(), "../x"); !appErr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMaterializeWritesFiles(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	ws, err := mgr.Acquire(ctx, "req")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mgr.Release(ctx, ws)

	files := []File{
		{Name: "main.py", Data: []byte("print(1)\n")},
		{Name: "bin/run.sh", Data: []byte("#!/bin/sh\n"), Executable: true},
	}
	if err := mgr.Materialize(ws, files); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws.Dir(), "main.py"))
	if err != nil || string(data) != "print(1)\n" {
		t.Fatalf("unexpected content %q err=%v", data, err)
	}
	info, err := os.Stat(filepath.Join(ws.Dir(), "bin", "run.sh"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Fatalf("expected executable bit, got %v", info.Mode().Perm())
	}
}

func TestMaterializeRejectsTraversalBeforeWriting(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	ws, err := mgr.Acquire(ctx, "req")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mgr.Release(ctx, ws)

	files := []File{
		{Name: "ok.txt", Data: []byte("fine")},
		{Name: "../evil.sh", Data: []byte("rm -rf /")},
	}
	err = mgr.Materialize(ws, files)
	if !appErr.Is(err, appErr.ArtifactPathInvalid) {
		t.Fatalf("expected ArtifactPathInvalid, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir(), "ok.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected nothing written, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(ws.Dir()), "evil.sh")); !os.IsNotExist(err) {
		t.Fatalf("traversal file escaped the workspace")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	ws, err := mgr.Acquire(ctx, "req")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := mgr.Materialize(ws, []File{{Name: "a/b/c.txt", Data: []byte("x")}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := mgr.Release(ctx, ws); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mgr.Release(ctx, ws); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Fatalf("workspace still exists: %v", err)
	}
	if mgr.Active() != 0 {
		t.Fatalf("expected 0 active, got %d", mgr.Active())
	}
	if err := mgr.Materialize(ws, []File{{Name: "late.txt"}}); err == nil {
		t.Fatal("expected write into released workspace to fail")
	}
}

func TestReleaseRemovesReadOnlyTree(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	ws, err := mgr.Acquire(ctx, "req")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := mgr.Materialize(ws, []File{{Name: "locked/file.txt", Data: []byte("x")}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(filepath.Join(ws.Dir(), "locked"), 0500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := mgr.Release(ctx, ws); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Fatalf("workspace still exists: %v", err)
	}
}

func TestRemove(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	ws, err := mgr.Acquire(ctx, "req")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mgr.Release(ctx, ws)
	if err := mgr.Materialize(ws, []File{{Name: "report.xml", Data: []byte("<testsuite/>")}}); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if err := mgr.Remove(ws, "report.xml"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir(), "report.xml")); !os.IsNotExist(err) {
		t.Fatalf("file still exists: %v", err)
	}
	if err := mgr.Remove(ws, "report.xml"); err != nil {
		t.Fatalf("removing a missing file should succeed: %v", err)
	}
	if err := mgr.Remove(ws, "../outside"); !appErr.Is(err, appErr.ArtifactPathInvalid) {
		t.Fatalf("expected ArtifactPathInvalid, got %v", err)
	}
}

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildBundle(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Mode: 0644, Linkname: e.linkname}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0755
		}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	return buf.Bytes()
}

func TestExtractFixtures(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	ws, err := mgr.Acquire(ctx, "req")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mgr.Release(ctx, ws)

	bundle := buildBundle(t, []tarEntry{
		{name: "./", typeflag: tar.TypeDir},
		{name: "data/", typeflag: tar.TypeDir},
		{name: "data/input.txt", body: "7\n", typeflag: tar.TypeReg},
		{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
	})
	if err := mgr.ExtractFixtures(ws, bundle); err != nil {
		t.Fatalf("extract: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws.Dir(), "data", "input.txt"))
	if err != nil || string(data) != "7\n" {
		t.Fatalf("unexpected fixture %q err=%v", data, err)
	}
	if _, err := os.Lstat(filepath.Join(ws.Dir(), "link")); !os.IsNotExist(err) {
		t.Fatalf("symlink entry should be skipped")
	}
}

func TestExtractFixturesRejectsEscape(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	ws, err := mgr.Acquire(ctx, "req")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mgr.Release(ctx, ws)

	bundle := buildBundle(t, []tarEntry{
		{name: "../escape.txt", body: "x", typeflag: tar.TypeReg},
	})
	err = mgr.ExtractFixtures(ws, bundle)
	if !appErr.Is(err, appErr.FixtureBundleInvalid) {
		t.Fatalf("expected FixtureBundleInvalid, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(ws.Dir()), "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("fixture escaped the workspace")
	}
}

func TestExtractFixturesRejectsGarbage(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	ws, err := mgr.Acquire(ctx, "req")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mgr.Release(ctx, ws)

	err = mgr.ExtractFixtures(ws, []byte(strings.Repeat("not zstd", 8)))
	if !appErr.Is(err, appErr.FixtureBundleInvalid) {
		t.Fatalf("expected FixtureBundleInvalid, got %v", err)
	}
}
