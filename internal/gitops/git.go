// Package gitops is a thin wrapper around the git binary for the operations
// the checkpoint and rollback subsystems need.
package gitops

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// IsRepo reports whether folder is inside a git working tree.
func IsRepo(folder string) bool {
	out, err := run(folder, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentCommit returns the HEAD commit hash.
func CurrentCommit(folder string) (string, error) {
	return run(folder, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(folder string) (string, error) {
	return run(folder, "rev-parse", "--abbrev-ref", "HEAD")
}

// CommitExists reports whether the commit is reachable in the repository.
func CommitExists(folder, commit string) bool {
	_, err := run(folder, "cat-file", "-e", commit+"^{commit}")
	return err == nil
}

// EnsureBranch checks out branch, creating it from HEAD if absent, and
// returns the branch name.
func EnsureBranch(folder, branch string) (string, error) {
	if branch == "" {
		return "", fmt.Errorf("empty branch name")
	}
	if _, err := run(folder, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		if _, err := run(folder, "checkout", branch); err != nil {
			return "", err
		}
		return branch, nil
	}
	if _, err := run(folder, "checkout", "-b", branch); err != nil {
		return "", err
	}
	return branch, nil
}

// Tag creates a lightweight tag at the given commit.
func Tag(folder, name, commit string) error {
	_, err := run(folder, "tag", name, commit)
	return err
}

// ResetHard resets the working tree to the given commit.
func ResetHard(folder, commit string) error {
	_, err := run(folder, "reset", "--hard", commit)
	return err
}

// CleanUntracked removes untracked files and directories.
func CleanUntracked(folder string) error {
	_, err := run(folder, "clean", "-fd")
	return err
}

// CountCommits returns the number of commits in from..to.
func CountCommits(folder, from, to string) (int, error) {
	out, err := run(folder, "rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// ChangedFiles returns the paths touched between two refs.
func ChangedFiles(folder, from, to string) ([]string, error) {
	out, err := run(folder, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Diff returns the patch text between two refs.
func Diff(folder, from, to string) (string, error) {
	return run(folder, "diff", from, to)
}

// Push pushes branch to origin, setting upstream on first push.
func Push(folder, branch string) error {
	_, err := run(folder, "push", "-u", "origin", branch)
	return err
}

// Commit stages everything and records a commit; returns the new hash.
// Used by workflow steps that need a durable point for checkpointing.
func Commit(folder, message string) (string, error) {
	if _, err := run(folder, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := run(folder, "commit", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	return CurrentCommit(folder)
}
