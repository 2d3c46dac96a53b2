package selfupdate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

var errImportCheckFailed = errors.New("simulated build failure")

func testManager(t *testing.T, allowedPaths []string) (*Manager, string, string) {
	t.Helper()
	live := t.TempDir()
	backup := t.TempDir()

	if err := os.WriteFile(filepath.Join(live, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(live, "cmd"), 0o755); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := New(live, backup, logger, nil, "", allowedPaths, 0, nil)
	// The temp trees built by these tests are not real Go modules, so
	// stub out the real `go build ./...` subprocess check.
	mgr.importCheckFn = func(ctx context.Context, dir string) error { return nil }
	return mgr, live, backup
}

func TestSeedBackupCreatesGitRepoAndImageHash(t *testing.T) {
	mgr, _, backup := testManager(t, nil)

	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("SeedBackup failed: %v", err)
	}

	if !isGitRepo(backup) {
		t.Error("expected backup to become a git repo")
	}
	if _, err := os.Stat(filepath.Join(backup, "main.go")); err != nil {
		t.Errorf("expected main.go copied into backup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backup, imageHashFile)); err != nil {
		t.Errorf("expected image hash file written: %v", err)
	}
}

func TestSeedBackupIsNoOpWhenAlreadySeeded(t *testing.T) {
	mgr, _, backup := testManager(t, nil)

	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("first SeedBackup failed: %v", err)
	}
	marker := filepath.Join(backup, "marker.txt")
	if err := os.WriteFile(marker, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("second SeedBackup failed: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("expected SeedBackup to be a no-op on an already-seeded backup, marker was removed")
	}
}

func TestApplyRejectsPathOutsideAllowlist(t *testing.T) {
	mgr, _, _ := testManager(t, []string{"internal/tools/"})
	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("SeedBackup failed: %v", err)
	}

	err := mgr.Apply(context.Background(), Proposal{
		Paths:       []string{"internal/other/file.go"},
		NewContents: map[string][]byte{"internal/other/file.go": []byte("package other\n")},
		Message:     "try to sneak outside allowlist",
	})
	if err == nil {
		t.Fatal("expected Apply to reject a path outside the allowlist")
	}
}

func TestApplyRejectsRulesFileEdit(t *testing.T) {
	mgr, _, _ := testManager(t, nil)
	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("SeedBackup failed: %v", err)
	}

	err := mgr.Apply(context.Background(), Proposal{
		Paths:       []string{"internal/safety/safety.go"},
		NewContents: map[string][]byte{"internal/safety/safety.go": []byte("package safety\n")},
		Message:     "try to rewrite the rules",
	})
	if err == nil {
		t.Fatal("expected Apply to reject a proposal touching the safety rules file")
	}
}

func TestApplyWritesCommitsAndMirrorsToLive(t *testing.T) {
	mgr, live, backup := testManager(t, nil)
	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("SeedBackup failed: %v", err)
	}

	err := mgr.Apply(context.Background(), Proposal{
		Paths:       []string{"internal/tools/new_tool.go"},
		NewContents: map[string][]byte{"internal/tools/new_tool.go": []byte("package tools\n")},
		Message:     "add a tool",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(backup, "internal/tools/new_tool.go")); err != nil {
		t.Errorf("expected file written into backup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(live, "internal/tools/new_tool.go")); err != nil {
		t.Errorf("expected Apply to mirror backup back to live: %v", err)
	}
}

func TestBootRestoresBackupOverLive(t *testing.T) {
	mgr, live, _ := testManager(t, nil)
	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("SeedBackup failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(live, "main.go"), []byte("package main // clobbered\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Boot(context.Background()); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(live, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "package main\n" {
		t.Errorf("expected Boot to restore backup's main.go over live, got %q", got)
	}
}

func TestBootRevertsWhenRevertFlagArmed(t *testing.T) {
	mgr, live, backup := testManager(t, nil)
	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("SeedBackup failed: %v", err)
	}

	if err := mgr.Apply(context.Background(), Proposal{
		Paths:       []string{"internal/tools/broken.go"},
		NewContents: map[string][]byte{"internal/tools/broken.go": []byte("package tools // broken\n")},
		Message:     "ship a broken update",
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if err := mgr.ArmRevertFlag(); err != nil {
		t.Fatalf("ArmRevertFlag failed: %v", err)
	}

	reverted, err := mgr.Boot(context.Background())
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if !reverted {
		t.Error("expected Boot to report a revert when the revert flag was armed")
	}
	if _, err := os.Stat(filepath.Join(backup, "internal/tools/broken.go")); err == nil {
		t.Error("expected the broken update to be reverted out of backup")
	}
	if _, err := os.Stat(filepath.Join(live, "internal/tools/broken.go")); err == nil {
		t.Error("expected the broken update to be reverted out of live")
	}
	if mgr.flagPresent(revertFlag) {
		t.Error("expected the revert flag to be cleared after a successful revert")
	}
}

func TestArmAndClearRevertFlag(t *testing.T) {
	mgr, live, _ := testManager(t, nil)

	if err := mgr.ArmRevertFlag(); err != nil {
		t.Fatalf("ArmRevertFlag failed: %v", err)
	}
	if !mgr.flagPresent(revertFlag) {
		t.Fatal("expected revert flag to be present after arming")
	}

	if err := mgr.ClearRevertFlag(); err != nil {
		t.Fatalf("ClearRevertFlag failed: %v", err)
	}
	if mgr.flagPresent(revertFlag) {
		t.Error("expected revert flag to be cleared")
	}
	if _, err := os.Stat(filepath.Join(live, healthyFlag)); err != nil {
		t.Errorf("expected healthy flag written after clearing revert: %v", err)
	}
}

func TestBootRevertsOnFailedImportCheck(t *testing.T) {
	mgr, live, backup := testManager(t, nil)
	if err := mgr.SeedBackup(context.Background()); err != nil {
		t.Fatalf("SeedBackup failed: %v", err)
	}

	if err := mgr.Apply(context.Background(), Proposal{
		Paths:       []string{"internal/tools/broken.go"},
		NewContents: map[string][]byte{"internal/tools/broken.go": []byte("not valid go\n")},
		Message:     "ship an update that fails to build",
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	mgr.importCheckFn = func(ctx context.Context, dir string) error {
		return errImportCheckFailed
	}

	reverted, err := mgr.Boot(context.Background())
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if !reverted {
		t.Error("expected Boot to revert when the import check fails")
	}
	if _, err := os.Stat(filepath.Join(backup, "internal/tools/broken.go")); err == nil {
		t.Error("expected the failed update to be reverted out of backup")
	}
	if _, err := os.Stat(filepath.Join(live, "internal/tools/broken.go")); err == nil {
		t.Error("expected the failed update to be reverted out of live")
	}
}

func TestHealthyAfterDefaultsWhenNonPositive(t *testing.T) {
	mgr, _, _ := testManager(t, nil)
	if mgr.HealthyAfter() <= 0 {
		t.Error("expected a positive default HealthyAfter")
	}
}
