// Package gitops wraps the git and forge CLIs for the per-task commit flow:
// branch creation, stage-all commits, push, and pull-request creation. All
// commands run non-interactively; failures are reported as errors and are
// non-fatal at the orchestrator level.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/crewline/foreman/pkg/audit"
)

// outputLimit caps command output carried inside error text.
const outputLimit = 2048

// Client runs git commands in one working directory.
type Client struct {
	workDir string
	forge   string // PR creation command, "gh" unless configured otherwise
}

func NewClient(workDir string) *Client {
	return &Client{workDir: workDir, forge: "gh"}
}

// SetForge overrides the pull-request CLI.
func (c *Client) SetForge(cmd string) {
	c.forge = cmd
}

// Init creates a repository in the working directory and makes sure a commit
// identity exists.
func (c *Client) Init(ctx context.Context) error {
	if _, err := c.run(ctx, "git", "init"); err != nil {
		return err
	}
	return c.EnsureIdentity(ctx)
}

// IsRepo reports whether the working directory is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.run(ctx, "git", "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// EnsureIdentity sets a local commit identity when none is configured, so
// automated commits cannot fail on a fresh checkout.
func (c *Client) EnsureIdentity(ctx context.Context) error {
	if out, err := c.run(ctx, "git", "config", "user.email"); err == nil && out != "" {
		return nil
	}
	if _, err := c.run(ctx, "git", "config", "user.name", "foreman"); err != nil {
		return err
	}
	_, err := c.run(ctx, "git", "config", "user.email", "foreman@localhost")
	return err
}

// CreateBranch creates and checks out a branch.
func (c *Client) CreateBranch(ctx context.Context, name string) error {
	_, err := c.run(ctx, "git", "checkout", "-b", name)
	return err
}

// Status returns `git status --porcelain` output.
func (c *Client) Status(ctx context.Context) (string, error) {
	return c.run(ctx, "git", "status", "--porcelain")
}

// HasChanges reports whether the working tree is dirty.
func (c *Client) HasChanges(ctx context.Context) bool {
	out, err := c.Status(ctx)
	return err == nil && out != ""
}

// Add stages the given paths, or everything when none are given.
func (c *Client) Add(ctx context.Context, paths ...string) error {
	args := []string{"git", "add"}
	if len(paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, paths...)
	}
	_, err := c.run(ctx, args...)
	return err
}

// Commit records staged changes and returns the new commit's short ref.
func (c *Client) Commit(ctx context.Context, message string) (string, error) {
	if _, err := c.run(ctx, "git", "commit", "-m", message); err != nil {
		return "", err
	}
	return c.LastCommitRef(ctx)
}

// LastCommitRef returns the short hash of HEAD.
func (c *Client) LastCommitRef(ctx context.Context) (string, error) {
	return c.run(ctx, "git", "rev-parse", "--short", "HEAD")
}

// HasRemote reports whether any remote is configured.
func (c *Client) HasRemote(ctx context.Context) bool {
	out, err := c.run(ctx, "git", "remote")
	return err == nil && out != ""
}

// AddRemote registers a remote.
func (c *Client) AddRemote(ctx context.Context, name, url string) error {
	_, err := c.run(ctx, "git", "remote", "add", name, url)
	return err
}

// Push pushes the branch to origin, optionally setting the upstream.
func (c *Client) Push(ctx context.Context, branch string, setUpstream bool) error {
	args := []string{"git", "push"}
	if setUpstream {
		args = append(args, "-u")
	}
	args = append(args, "origin", branch)
	_, err := c.run(ctx, args...)
	return err
}

// CreatePullRequest opens a PR through the forge CLI and returns its URL.
func (c *Client) CreatePullRequest(ctx context.Context, title, body, base, head string) (string, error) {
	out, err := c.run(ctx, c.forge, "pr", "create",
		"--title", title, "--body", body, "--base", base, "--head", head)
	if err != nil {
		return "", err
	}
	// The forge prints the PR URL as the last line.
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%s pr create produced no URL", c.forge)
}

func (c *Client) run(ctx context.Context, argv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.workDir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_PAGER=cat",
		"NO_COLOR=1",
	)
	cmd.WaitDelay = 5 * time.Second

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("%s %s failed: %w: %s",
			argv[0], argv[1], err, audit.Truncate(output, outputLimit))
	}
	return output, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName derives the feature branch for a run: auto/<run-prefix>-<slug>.
func BranchName(runID, name string) string {
	prefix := runID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("auto/%s-%s", prefix, slugify(name))
}

func slugify(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		s = "run"
	}
	return s
}
