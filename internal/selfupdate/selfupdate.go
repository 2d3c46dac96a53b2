// Package selfupdate implements the self-update protocol: a
// live/backup dual-location layout, a path-validated write path, and a
// self-healing boot protocol that reverts a broken self-modification
// without manual intervention.
//
// The "restore on start, checkpoint periodically" shape is borrowed
// from internal/checkpoint's Checkpointer, generalized from a SQLite
// snapshot-and-restore of conversation state to a git-backed
// snapshot-and-restore of the agent's own source tree. Git plumbing
// goes through os/exec around the git binary, and the optional remote
// mirror reuses internal/forge's google/go-github client against the
// Git Data API rather than shelling out to git push, since forge
// already owns the GitHub-credentials/rate-limit handling this needs.
package selfupdate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/aegis/internal/safety"
)

// Default infrastructure paths never clobbered by a boot-time image
// merge. These are the files an operator ships new versions of;
// everything else in backup/ is the agent's own prior
// self-modification and is left alone on merge.
var defaultInfrastructurePaths = []string{
	"go.mod",
	"go.sum",
	"cmd/",
}

// revertFlag and healthyFlag name sentinel files in the live tree
// (.needs_revert, .healthy); imageHashFile is kept in the backup tree.
const (
	imageHashFile = ".image_hash"
	revertFlag    = ".needs_revert"
	healthyFlag   = ".healthy"
)

// Proposal is a self-update write request: {paths[], new_contents,
// message}.
type Proposal struct {
	Paths       []string
	NewContents map[string][]byte // path -> full new file content
	Message     string
}

// RemotePusher optionally mirrors the backup's HEAD commit to a remote
// repository after a successful local commit. A nil RemotePusher means
// self-update commits stay local.
type RemotePusher interface {
	PushTree(ctx context.Context, owner, repo, branch, commitMessage string, files map[string][]byte) error
}

// Manager drives the write path and boot protocol against a live
// source tree and its persistent backup.
type Manager struct {
	liveDir   string
	backupDir string
	logger    *slog.Logger
	pusher    RemotePusher
	remoteRef string // "owner/repo" for the optional remote mirror; empty disables it

	infrastructurePaths []string
	allowedPaths        []string
	healthyAfter        time.Duration
	signer              *CommitSigner

	// importCheckFn defaults to the real `go build ./...` subprocess
	// check; tests substitute a stub so Boot's revert logic can be
	// exercised against temp directories that are not real Go modules.
	importCheckFn func(ctx context.Context, dir string) error
}

// New constructs a Manager. liveDir is the running process's source
// tree (typically the checkout the binary was built from); backupDir
// is the persistent location under <data>/code/backend that survives
// restarts. pusher and remoteRef may be left zero-valued to disable
// the remote mirror. allowedPaths is config.SelfUpdateConfig.AllowedPaths
// — an empty list permits any path not already blocked by
// safety.ValidateSelfUpdatePaths. signer may be nil, leaving
// self-update commits unsigned.
func New(liveDir, backupDir string, logger *slog.Logger, pusher RemotePusher, remoteRef string, allowedPaths []string, healthyAfter time.Duration, signer *CommitSigner) *Manager {
	if healthyAfter <= 0 {
		healthyAfter = 30 * time.Second
	}
	return &Manager{
		liveDir:             liveDir,
		backupDir:           backupDir,
		logger:              logger,
		pusher:              pusher,
		remoteRef:           remoteRef,
		infrastructurePaths: defaultInfrastructurePaths,
		allowedPaths:        allowedPaths,
		signer:              signer,
		healthyAfter:        healthyAfter,
		importCheckFn:       runGoBuild,
	}
}

// SeedBackup performs the initial live -> backup copy with a version
// tag. A no-op if backupDir already contains a git repository.
func (m *Manager) SeedBackup(ctx context.Context) error {
	if isGitRepo(m.backupDir) {
		return nil
	}
	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if err := copyTree(m.liveDir, m.backupDir); err != nil {
		return fmt.Errorf("seed backup from live: %w", err)
	}
	if err := runGit(ctx, m.backupDir, "init"); err != nil {
		return fmt.Errorf("git init backup: %w", err)
	}
	if err := runGit(ctx, m.backupDir, "add", "-A"); err != nil {
		return fmt.Errorf("git add seed: %w", err)
	}
	if err := m.commitGit(ctx, m.backupDir, "v0: initial seed from live"); err != nil {
		return fmt.Errorf("git commit seed: %w", err)
	}
	return m.writeImageHash(ctx)
}

// Apply validates and applies a self-update proposal: reject any path
// outside the allowlist or touching the rules file/logger (via
// safety.ValidateSelfUpdatePaths), write to backup, commit with the
// proposal's message (or "self-update" when it is empty; no version
// number is added to the commit), mirror backup to live, and optionally
// push to a configured remote.
func (m *Manager) Apply(ctx context.Context, p Proposal) error {
	if err := safety.ValidateSelfUpdatePaths(p.Paths); err != nil {
		return fmt.Errorf("proposal rejected: %w", err)
	}
	if err := m.validateAllowlist(p.Paths); err != nil {
		return fmt.Errorf("proposal rejected: %w", err)
	}

	for _, path := range p.Paths {
		content, ok := p.NewContents[path]
		if !ok {
			return fmt.Errorf("proposal path %q has no content entry", path)
		}
		full := filepath.Join(m.backupDir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", path, err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := runGit(ctx, m.backupDir, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	msg := p.Message
	if msg == "" {
		msg = "self-update"
	}
	if err := m.commitGit(ctx, m.backupDir, msg); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}

	if err := copyTree(m.backupDir, m.liveDir); err != nil {
		return fmt.Errorf("mirror backup to live: %w", err)
	}

	if m.pusher != nil && m.remoteRef != "" {
		owner, repo, ok := strings.Cut(m.remoteRef, "/")
		if ok {
			if err := m.pusher.PushTree(ctx, owner, repo, "main", msg, p.NewContents); err != nil {
				m.logger.Warn("remote self-update push failed", "error", err)
			}
		}
	}

	return nil
}

// validateAllowlist rejects any proposed path that is not itself
// allowed by the configured allowlist (separate from, and in addition
// to, safety.ValidateSelfUpdatePaths's hard-coded rules/logger block).
// An empty allowlist permits any path not already blocked by safety.
func (m *Manager) validateAllowlist(paths []string) error {
	if len(m.allowedPaths) == 0 {
		return nil
	}
	for _, p := range paths {
		allowed := false
		for _, prefix := range m.allowedPaths {
			if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("path %q is not in the self-update allowlist", p)
		}
	}
	return nil
}

// Boot runs the boot protocol's image-merge, restore, and revert
// checks (arming the health-check flag and starting the process is
// the caller's responsibility since it spans the process lifetime).
// Returns true if the live tree was reverted to the last good commit.
func (m *Manager) Boot(ctx context.Context) (reverted bool, err error) {
	changed, err := m.shippedImageChanged(ctx)
	if err != nil {
		return false, fmt.Errorf("check shipped image hash: %w", err)
	}
	if changed {
		if err := m.mergeImageUpdate(ctx); err != nil {
			return false, fmt.Errorf("merge image update: %w", err)
		}
	}

	if err := copyTree(m.backupDir, m.liveDir); err != nil {
		return false, fmt.Errorf("restore backup to live: %w", err)
	}

	if m.flagPresent(revertFlag) {
		if err := m.hardResetToPreviousCommit(ctx); err != nil {
			return false, fmt.Errorf("revert-flag hard reset: %w", err)
		}
		m.clearFlag(revertFlag)
		if err := copyTree(m.backupDir, m.liveDir); err != nil {
			return false, fmt.Errorf("re-sync live after revert: %w", err)
		}
		reverted = true
	}

	if err := m.importCheckFn(ctx, m.backupDir); err != nil {
		m.logger.Warn("self-update import check failed, reverting", "error", err)
		if err := m.hardResetToPreviousCommit(ctx); err != nil {
			return false, fmt.Errorf("import-check hard reset: %w", err)
		}
		if err := copyTree(m.backupDir, m.liveDir); err != nil {
			return false, fmt.Errorf("re-sync live after import-check revert: %w", err)
		}
		m.clearFlag(revertFlag)
		reverted = true
	}

	return reverted, nil
}

// ArmRevertFlag sets the revert flag before the process starts
// running: if the process crashes before ClearRevertFlag is called,
// the next boot reverts.
func (m *Manager) ArmRevertFlag() error {
	return os.WriteFile(filepath.Join(m.liveDir, revertFlag), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// ClearRevertFlag removes the revert flag, called once the health
// check succeeds after healthyAfter of liveness.
func (m *Manager) ClearRevertFlag() error {
	path := filepath.Join(m.liveDir, revertFlag)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(filepath.Join(m.liveDir, healthyFlag), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// HealthyAfter returns the configured liveness duration before the
// revert flag is cleared.
func (m *Manager) HealthyAfter() time.Duration { return m.healthyAfter }

func (m *Manager) flagPresent(name string) bool {
	_, err := os.Stat(filepath.Join(m.liveDir, name))
	return err == nil
}

func (m *Manager) clearFlag(name string) {
	_ = os.Remove(filepath.Join(m.liveDir, name))
}

// shippedImageChanged compares a hash of the live (shipped) tree
// against the stored hash from the last boot.
func (m *Manager) shippedImageChanged(ctx context.Context) (bool, error) {
	current, err := hashTree(m.liveDir)
	if err != nil {
		return false, err
	}
	stored, err := os.ReadFile(filepath.Join(m.backupDir, imageHashFile))
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(stored)) != current, nil
}

// mergeImageUpdate copies the fixed infrastructure paths from live into
// backup (never clobbering any other agent-modified file), commits as
// "image update", and records the new shipped-image hash.
func (m *Manager) mergeImageUpdate(ctx context.Context) error {
	for _, rel := range m.infrastructurePaths {
		src := filepath.Join(m.liveDir, rel)
		dst := filepath.Join(m.backupDir, rel)
		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := copyTree(src, dst); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}

	if err := runGit(ctx, m.backupDir, "add", "-A"); err != nil {
		return err
	}
	// git commit exits non-zero when there is nothing to commit; that
	// is not a failure of the merge step itself.
	_ = m.commitGit(ctx, m.backupDir, "image update")

	return m.writeImageHash(ctx)
}

func (m *Manager) writeImageHash(ctx context.Context) error {
	hash, err := hashTree(m.liveDir)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.backupDir, imageHashFile), []byte(hash), 0o644)
}

// hardResetToPreviousCommit resets backup's HEAD back one commit,
// undoing the most recent self-update.
func (m *Manager) hardResetToPreviousCommit(ctx context.Context) error {
	return runGit(ctx, m.backupDir, "reset", "--hard", "HEAD~1")
}

// runGoBuild invokes `go build ./...` against dir in a subprocess with
// a bounded timeout, treating a non-zero exit as failure. This is the
// only place the running agent shells out to the Go toolchain as part
// of its own runtime behavior — it is the default importCheckFn and
// only runs inside a live agent's boot sequence, never as part of this
// project's own build or test pipeline.
func runGoBuild(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "build", "./...")
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build ./... failed: %w: %s", err, stderr.String())
	}
	return nil
}

func isGitRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// commitGit runs `git commit -m msg` against dir, inserting m.signer's
// SSH-signing config flags (if a signing key is configured) ahead of
// the commit subcommand.
func (m *Manager) commitGit(ctx context.Context, dir, msg string) error {
	args := append(append([]string{}, m.signer.gitConfigArgs()...), "commit", "-m", msg)
	return runGit(ctx, dir, args...)
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=aegis", "GIT_AUTHOR_EMAIL=aegis@localhost", "GIT_COMMITTER_NAME=aegis", "GIT_COMMITTER_EMAIL=aegis@localhost")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}
