package domainrules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// Source resolves the domain list from disk, downloads it when missing and
// falls back to the configured Fallback lines (or nothing). Concurrent loads
// share one read.
type Source struct {
	// Path pins the list to one file. When empty, Candidates are searched.
	Path       string
	Candidates []string
	// URL is downloaded when the list is missing or on Refresh.
	URL      string
	Charset  string
	Fallback []string
	Loader   Loader
	Client   *http.Client

	group singleflight.Group
}

// Load returns the current rule set. A non-nil error means the returned
// rules came from the fallback list; the rules are usable either way.
func (s *Source) Load(ctx context.Context) (RuleSet, error) {
	v, err, shared := s.group.Do("load", func() (interface{}, error) {
		return s.load(ctx)
	})
	if shared {
		slog.Debug("Domain list load shared with concurrent caller")
	}
	rules, _ := v.(RuleSet)
	return rules, err
}

func (s *Source) load(ctx context.Context) (RuleSet, error) {
	path, err := s.ResolvePath()
	if errors.Is(err, ErrNotFound) && s.URL != "" {
		path = s.downloadTarget()
		slog.Info("Domain list not found locally, downloading", "url", s.URL, "path", path)
		if dlErr := s.download(ctx, path); dlErr != nil {
			return s.fallback(), fmt.Errorf("%w; download failed: %v", err, dlErr)
		}
		err = nil
	}
	if err != nil {
		return s.fallback(), err
	}

	rules, err := LoadFile(path, s.Charset, s.Loader)
	if err != nil {
		return s.fallback(), err
	}
	if len(rules) == 0 {
		slog.Warn("Domain list is empty, no domain will be proxied", "path", path)
	}
	return rules, nil
}

// Refresh downloads the list from URL and replaces the local copy. The
// existing file is kept when the download fails.
func (s *Source) Refresh(ctx context.Context) error {
	if s.URL == "" {
		return nil
	}
	_, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		path, err := s.ResolvePath()
		if err != nil {
			path = s.downloadTarget()
		}
		return nil, s.download(ctx, path)
	})
	return err
}

// ResolvePath returns the list location without reading it.
func (s *Source) ResolvePath() (string, error) {
	if s.Path != "" {
		return FindFile([]string{s.Path})
	}
	return FindFile(s.Candidates)
}

func (s *Source) downloadTarget() string {
	if s.Path != "" {
		return s.Path
	}
	if len(s.Candidates) > 0 {
		return s.Candidates[0]
	}
	return ""
}

func (s *Source) download(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("no location to store the downloaded domain list")
	}
	content, err := Fetch(ctx, s.Client, s.URL, s.Charset)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for domain list: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("failed to write domain list %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace domain list %s: %w", path, err)
	}
	slog.Info("Domain list downloaded", "path", path, "size", len(content))
	return nil
}

func (s *Source) fallback() RuleSet {
	rules := s.Loader.Load(s.Fallback)
	slog.Warn("Domain list unavailable, using fallback rules", "rules", len(rules))
	return rules
}
