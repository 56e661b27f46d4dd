package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Runner runs a git command in dir
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) error
}

// GitRunner runs the git CLI
type GitRunner struct{}

// Run executes git with args inside dir. Output is only returned as part of
// the error, with any credentials stripped.
func (GitRunner) Run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", redactArgs(args), err, redactText(strings.TrimSpace(out.String())))
	}
	return nil
}

// Mirror keeps one bare mirror clone per repository under a working
// directory and pushes it to the destination
type Mirror struct {
	workDir string
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a mirror rooted at workDir. timeout bounds every single git
// command; zero means no bound.
func New(workDir string, runner Runner, timeout time.Duration, logger *slog.Logger) *Mirror {
	if runner == nil {
		runner = GitRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		workDir: workDir,
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Path returns the directory of the mirror of org/repo. It fails when the
// result would not be a directory two levels below the working directory.
func (m *Mirror) Path(org, repo string) (string, error) {
	path := filepath.Join(m.workDir, org, repo)
	rel, err := filepath.Rel(filepath.Clean(m.workDir), path)
	if err != nil || rel != filepath.Join(org, repo) || strings.HasPrefix(rel, "..") || strings.Count(rel, string(filepath.Separator)) != 1 {
		return "", fmt.Errorf("invalid mirror path for %s/%s", org, repo)
	}
	return path, nil
}

func (m *Mirror) lock(path string) func() {
	m.mu.Lock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Mirror) git(ctx context.Context, dir string, args ...string) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	m.logger.Debug("git", "dir", dir, "args", redactArgs(args))
	return m.runner.Run(ctx, dir, args...)
}

// Mirror makes the refs of the destination repository match the source.
// Both URLs carry credentials; they are scrubbed from the on-disk config
// before returning, whatever the outcome.
func (m *Mirror) Mirror(ctx context.Context, org, repo, sourceURL, destURL string) (err error) {
	path, err := m.Path(org, repo)
	if err != nil {
		return err
	}
	defer m.lock(path)()

	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
		if err := m.git(ctx, filepath.Dir(path), "clone", "--mirror", sourceURL, path); err != nil {
			return err
		}
	} else {
		m.logger.Debug("mirror already exists", "path", path)
	}

	defer func() {
		// Scrub even when ctx is already done
		scrubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if scrubErr := m.scrub(scrubCtx, path, sourceURL, destURL); scrubErr != nil {
			err = errors.Join(err, scrubErr)
		}
	}()

	steps := [][]string{
		{"remote", "set-url", "origin", sourceURL},
		{"remote", "set-url", "--push", "origin", destURL},
		// heads and tags only, pull request refs stay behind
		{"config", "--local", "--replace-all", "remote.origin.push", "+refs/heads/*:refs/heads/*"},
		{"config", "--local", "--add", "remote.origin.push", "+refs/tags/*:refs/tags/*"},
		{"config", "--local", "http.postBuffer", "157286400"},
		{"fetch", "--prune", "origin"},
		{"push", "--mirror"},
	}
	for _, args := range steps {
		if err := m.git(ctx, path, args...); err != nil {
			return err
		}
	}

	m.logger.Info("repository mirrored", "org", org, "repo", repo, "source", RedactURL(sourceURL), "destination", RedactURL(destURL))
	return nil
}

func (m *Mirror) scrub(ctx context.Context, path, sourceURL, destURL string) error {
	if err := m.git(ctx, path, "remote", "set-url", "origin", stripCredentials(sourceURL)); err != nil {
		return err
	}
	return m.git(ctx, path, "remote", "set-url", "--push", "origin", stripCredentials(destURL))
}

// Delete removes the mirror of org/repo. A missing mirror is not an error.
func (m *Mirror) Delete(org, repo string) error {
	path, err := m.Path(org, repo)
	if err != nil {
		return err
	}
	defer m.lock(path)()

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete mirror %s: %w", path, err)
	}
	return nil
}

// Rename moves the mirror of org/oldName to org/newName, replacing any
// mirror already there. A missing source directory is logged and ignored.
func (m *Mirror) Rename(org, oldName, newName string) error {
	oldPath, err := m.Path(org, oldName)
	if err != nil {
		return err
	}
	newPath, err := m.Path(org, newName)
	if err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}

	// Fixed lock order so two opposite renames cannot deadlock
	first, second := oldPath, newPath
	if second < first {
		first, second = second, first
	}
	defer m.lock(first)()
	defer m.lock(second)()

	if _, err := os.Stat(oldPath); errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("could not rename mirror, directory does not exist", "path", oldPath)
		return nil
	}
	if err := os.RemoveAll(newPath); err != nil {
		return fmt.Errorf("failed to replace mirror %s: %w", newPath, err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename mirror %s: %w", oldPath, err)
	}
	return nil
}

// RedactURL hides any user information embedded in a URL. Input that does
// not parse is hidden entirely.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid url]"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	return u.String()
}

func stripCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func redactArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.Contains(a, "://") {
			a = RedactURL(a)
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}

// redactText strips credentials from URLs in free text such as git output
func redactText(s string) string {
	fields := strings.Fields(s)
	for _, f := range fields {
		if strings.Contains(f, "://") && strings.Contains(f, "@") {
			s = strings.ReplaceAll(s, f, RedactURL(strings.Trim(f, "'\"")))
		}
	}
	return s
}
