package selfupdate

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/crypto/ssh"
)

// CommitSigner validates a configured SSH signing key once at startup
// and supplies the git config flags that make every self-update
// commit carry an SSH signature, via git's native gpg.format=ssh
// support rather than a hand-rolled signature scheme. A nil
// *CommitSigner (no key configured) leaves self-update commits
// unsigned.
type CommitSigner struct {
	keyPath     string
	fingerprint string
}

// NewCommitSigner parses the private key at keyPath so a misconfigured
// or unreadable key fails at boot instead of at the first self-update
// commit, and derives the key's fingerprint for audit logging. keyPath
// empty disables signing and returns a nil *CommitSigner with no
// error.
func NewCommitSigner(keyPath string, logger *slog.Logger) (*CommitSigner, error) {
	if keyPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read self-update signing key %q: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse self-update signing key %q: %w", keyPath, err)
	}
	fp := ssh.FingerprintSHA256(signer.PublicKey())
	if logger != nil {
		logger.Info("self-update commits will be SSH-signed", "key", keyPath, "fingerprint", fp)
	}
	return &CommitSigner{keyPath: keyPath, fingerprint: fp}, nil
}

// Fingerprint returns the signing key's SHA256 fingerprint, empty if
// no signing key is configured.
func (s *CommitSigner) Fingerprint() string {
	if s == nil {
		return ""
	}
	return s.fingerprint
}

// gitConfigArgs returns the "-c" flags a git commit invocation needs
// to sign with this key. A nil receiver returns nil, leaving the
// invocation's flags unchanged.
func (s *CommitSigner) gitConfigArgs() []string {
	if s == nil {
		return nil
	}
	return []string{
		"-c", "gpg.format=ssh",
		"-c", "user.signingkey=" + s.keyPath,
		"-c", "commit.gpgsign=true",
	}
}
