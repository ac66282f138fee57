package config

import (
	"context"
	"testing"

	"runbox/internal/sandbox/profile"
	"runbox/internal/sandbox/spec"
	appErr "runbox/pkg/errors"
)

func newTestRepository(t *testing.T) *LocalRepository {
	t.Helper()
	repo, err := NewLocalRepository(
		[]profile.LanguageSpec{
			{ID: "python", SourceFile: "main.py", RunCmdTpl: "python3 {src}"},
			{ID: "cpp", SourceFile: "main.cpp", BinaryFile: "main", CompileEnabled: true},
		},
		[]profile.TaskProfile{
			{TaskType: profile.TaskTypeRun, RootFS: "/rootfs", SeccompProfile: "default.json",
				DefaultLimits: spec.ResourceLimit{WallTimeMs: 5000}},
			{LanguageID: "cpp", TaskType: profile.TaskTypeRun, AllowNetwork: true,
				DefaultLimits: spec.ResourceLimit{WallTimeMs: 1000}},
			{TaskType: profile.TaskTypeCompile},
		},
	)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}

func TestLanguages(t *testing.T) {
	repo := newTestRepository(t)
	langs := repo.Languages()
	if len(langs) != 2 || langs[0].ID != "python" || langs[1].ID != "cpp" {
		t.Fatalf("languages not in config order: %+v", langs)
	}
	if _, err := repo.GetLanguageSpec(context.Background(), "cpp"); err != nil {
		t.Fatalf("get cpp: %v", err)
	}
	if _, err := repo.GetLanguageSpec(context.Background(), "cobol"); !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
}

func TestGetTaskProfileFallback(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	prof, err := repo.GetTaskProfile(ctx, profile.TaskTypeRun, "cpp")
	if err != nil {
		t.Fatalf("cpp run: %v", err)
	}
	if prof.Name() != "cpp-run" || prof.DefaultLimits.WallTimeMs != 1000 {
		t.Fatalf("unexpected cpp profile %+v", prof)
	}

	prof, err = repo.GetTaskProfile(ctx, profile.TaskTypeRun, "python")
	if err != nil {
		t.Fatalf("python run: %v", err)
	}
	if prof.Name() != "run" || prof.DefaultLimits.WallTimeMs != 5000 {
		t.Fatalf("expected fallback profile, got %+v", prof)
	}

	if _, err := repo.GetTaskProfile(ctx, profile.TaskTypeLint, "python"); !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	repo := newTestRepository(t)
	iso, err := repo.Resolve("run")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if iso.RootFS != "/rootfs" || iso.SeccompProfile != "default.json" || !iso.DisableNetwork {
		t.Fatalf("unexpected isolation %+v", iso)
	}
	if iso.UID != -1 || iso.GID != -1 {
		t.Fatalf("identity should be left to the engine, got %d/%d", iso.UID, iso.GID)
	}
	iso, err = repo.Resolve("cpp-run")
	if err != nil || iso.DisableNetwork {
		t.Fatalf("cpp-run should allow network: %+v %v", iso, err)
	}
	if _, err := repo.Resolve("missing"); !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestNewLocalRepositoryErrors(t *testing.T) {
	if _, err := NewLocalRepository([]profile.LanguageSpec{{ID: ""}}, nil); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := NewLocalRepository([]profile.LanguageSpec{{ID: "c"}, {ID: "c"}}, nil); err == nil {
		t.Fatal("expected error for duplicate id")
	}
	if _, err := NewLocalRepository(nil, []profile.TaskProfile{{LanguageID: "c"}}); err == nil {
		t.Fatal("expected error for missing task type")
	}
}
