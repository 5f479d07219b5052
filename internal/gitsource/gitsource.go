// Package gitsource keeps a local clone of a vault that lives in a git
// repository.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Source is a vault remote and the directory it is cloned into.
type Source struct {
	URL       string
	LocalPath string
	Logger    *slog.Logger
	// Progress receives git's progress output; nil discards it.
	Progress io.Writer
}

// New returns a Source cloning url under baseDir, at the path LocalPath
// derives from the url.
func New(baseDir, repoURL string, logger *slog.Logger) (*Source, error) {
	local, err := LocalPath(baseDir, repoURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{URL: repoURL, LocalPath: local, Logger: logger.With("component", "gitsource")}, nil
}

// Pull clones the repository if it doesn't exist at LocalPath, or pulls the
// latest changes if it does.
func (s *Source) Pull(ctx context.Context) error {
	progress := s.Progress
	if progress == nil {
		progress = io.Discard
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	_, err := os.Stat(s.LocalPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("cloning repository", "url", s.URL, "path", s.LocalPath)
		_, err := git.PlainCloneContext(ctx, s.LocalPath, false, &git.CloneOptions{
			URL:      s.URL,
			Progress: progress,
		})
		if err != nil {
			return fmt.Errorf("failed to clone repo %s: %w", s.URL, err)
		}
		logger.Info("clone successful")
	case err == nil:
		logger.Info("pulling latest changes", "path", s.LocalPath)
		repo, err := git.PlainOpen(s.LocalPath)
		if err != nil {
			return fmt.Errorf("failed to open existing repo at %s: %w", s.LocalPath, err)
		}

		worktree, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("failed to get worktree for repo at %s: %w", s.LocalPath, err)
		}

		err = worktree.PullContext(ctx, &git.PullOptions{
			RemoteName: "origin",
			Progress:   progress,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return fmt.Errorf("failed to pull changes for repo at %s: %w", s.LocalPath, err)
		}
		logger.Info("pull successful (or already up-to-date)")
	default:
		return fmt.Errorf("error checking path %s: %w", s.LocalPath, err)
	}
	return nil
}

// LocalPath maps a remote url to a directory under baseDir: host, then the
// repository path without its .git suffix. Both https and scp-like ssh urls
// are accepted.
func LocalPath(baseDir, repoURL string) (string, error) {
	parsedURL, err := url.Parse(repoURL)
	if err != nil || (parsedURL.Scheme != "https" && parsedURL.Scheme != "http" && parsedURL.Scheme != "ssh") {
		if strings.Contains(repoURL, "@") {
			parts := strings.Split(repoURL, ":")
			if len(parts) == 2 {
				hostAndUser := strings.Split(parts[0], "@")
				if len(hostAndUser) == 2 {
					host := hostAndUser[1]
					repoPath := strings.TrimSuffix(parts[1], ".git")
					return filepath.Join(baseDir, host, repoPath), nil
				}
			}
		}
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	sanitizedPath := strings.TrimSuffix(parsedURL.Path, ".git")
	return filepath.Join(baseDir, parsedURL.Hostname(), sanitizedPath), nil
}
