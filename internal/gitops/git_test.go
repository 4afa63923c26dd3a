package gitops

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
	}
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestIsRepo(t *testing.T) {
	repo := initRepo(t)
	if !IsRepo(repo) {
		t.Error("initialized repo not recognized")
	}
	if IsRepo(t.TempDir()) {
		t.Error("plain directory reported as repo")
	}
}

func TestCommitAndInspect(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "one\n")

	first, err := Commit(repo, "first")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !CommitExists(repo, first) {
		t.Error("fresh commit not found")
	}
	if CommitExists(repo, "0000000000000000000000000000000000000000") {
		t.Error("bogus commit reported as existing")
	}

	head, err := CurrentCommit(repo)
	if err != nil {
		t.Fatal(err)
	}
	if head != first {
		t.Errorf("head %s != commit %s", head, first)
	}

	branch, err := CurrentBranch(repo)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "main" {
		t.Errorf("branch = %s", branch)
	}
}

func TestEnsureBranch(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "one\n")
	if _, err := Commit(repo, "base"); err != nil {
		t.Fatal(err)
	}

	// Creates when absent.
	if _, err := EnsureBranch(repo, "foreman/t1"); err != nil {
		t.Fatalf("EnsureBranch create: %v", err)
	}
	branch, _ := CurrentBranch(repo)
	if branch != "foreman/t1" {
		t.Errorf("branch = %s", branch)
	}

	// Checks out when present.
	if _, err := EnsureBranch(repo, "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := EnsureBranch(repo, "foreman/t1"); err != nil {
		t.Fatalf("EnsureBranch existing: %v", err)
	}

	if _, err := EnsureBranch(repo, ""); err == nil {
		t.Error("empty branch name should be rejected")
	}
}

func TestResetAndClean(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "one\n")
	base, err := Commit(repo, "base")
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, repo, "a.txt", "two\n")
	if _, err := Commit(repo, "change"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, repo, "untracked.txt", "x\n")

	n, err := CountCommits(repo, base, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountCommits = %d", n)
	}

	files, err := ChangedFiles(repo, base, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "a.txt" {
		t.Errorf("ChangedFiles = %v", files)
	}

	if err := ResetHard(repo, base); err != nil {
		t.Fatal(err)
	}
	if err := CleanUntracked(repo); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(repo, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one\n" {
		t.Errorf("a.txt = %q after reset", data)
	}
	if _, err := os.Stat(filepath.Join(repo, "untracked.txt")); !os.IsNotExist(err) {
		t.Error("untracked file survived clean")
	}
}

func TestTag(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "one\n")
	head, err := Commit(repo, "base")
	if err != nil {
		t.Fatal(err)
	}
	if err := Tag(repo, "foreman-backup/t1-step1-0", head); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if !CommitExists(repo, "foreman-backup/t1-step1-0") {
		t.Error("tag does not resolve to the commit")
	}
}
