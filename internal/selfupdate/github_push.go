package selfupdate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v69/github"
)

// defaultGitHubAPIURL is the production API endpoint; NewGitHubPusher
// only configures Enterprise URLs when baseURL differs from it, same
// guard as internal/forge/github.go's NewGitHub.
const defaultGitHubAPIURL = "https://api.github.com"

// GitHubPusher implements RemotePusher against the GitHub Git Data API
// (blob/tree/commit/ref), grounded on internal/forge/github.go's
// google/go-github client construction — reused here instead of
// shelling out to `git push`, since the API path needs no local
// credential helper and reuses forge's existing rate-limit logging.
type GitHubPusher struct {
	client *github.Client
	logger *slog.Logger
}

// NewGitHubPusher constructs a GitHubPusher authenticated with token.
// baseURL may be left empty to use github.com; a non-default value
// configures Enterprise URLs, same as forge.NewGitHub.
func NewGitHubPusher(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*GitHubPusher, error) {
	client := github.NewClient(httpClient).WithAuthToken(token)

	if baseURL != "" && baseURL != defaultGitHubAPIURL {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configure enterprise URL: %w", err)
		}
	}

	return &GitHubPusher{client: client, logger: logger}, nil
}

// PushTree commits files onto branch's tip via the Git Data API:
// create a blob per file, build a tree against the branch's current
// commit, create a new commit pointing at that tree, and fast-forward
// the branch ref to it.
func (p *GitHubPusher) PushTree(ctx context.Context, owner, repo, branch, commitMessage string, files map[string][]byte) error {
	ref, _, err := p.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
	if err != nil {
		return fmt.Errorf("get ref %s: %w", branch, err)
	}

	encoding := "utf-8"
	mode := "100644"
	blobType := "blob"

	var entries []*github.TreeEntry
	for path, content := range files {
		path := path
		body := string(content)
		blob, _, err := p.client.Git.CreateBlob(ctx, owner, repo, &github.Blob{
			Content:  &body,
			Encoding: &encoding,
		})
		if err != nil {
			return fmt.Errorf("create blob for %s: %w", path, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: &path,
			Mode: &mode,
			Type: &blobType,
			SHA:  blob.SHA,
		})
	}

	tree, _, err := p.client.Git.CreateTree(ctx, owner, repo, *ref.Object.SHA, entries)
	if err != nil {
		return fmt.Errorf("create tree: %w", err)
	}

	commit, _, err := p.client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: &commitMessage,
		Tree:    tree,
		Parents: []*github.Commit{{SHA: ref.Object.SHA}},
	}, nil)
	if err != nil {
		return fmt.Errorf("create commit: %w", err)
	}

	ref.Object.SHA = commit.SHA
	if _, _, err := p.client.Git.UpdateRef(ctx, owner, repo, ref, false); err != nil {
		return fmt.Errorf("update ref %s: %w", branch, err)
	}

	p.logger.Info("self-update pushed to remote", "owner", owner, "repo", repo, "branch", branch, "commit", commit.GetSHA())
	return nil
}
