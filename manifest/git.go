package manifest

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// git runs a git subcommand in dir (the current directory when empty) and
// returns its trimmed standard output. Failures carry git's stderr.
func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// checkoutRef moves the clone in dir to ref. An empty ref leaves the
// default branch checked out.
func checkoutRef(dir, ref string) error {
	if ref == "" {
		return nil
	}
	_, err := git(dir, "checkout", "--quiet", "--detach", ref)
	return err
}

func headCommit(dir string) (string, error) {
	return git(dir, "rev-parse", "HEAD")
}
