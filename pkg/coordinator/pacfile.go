package coordinator

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hectane/go-acl"
)

// PacFileName is the rendered script written under the state dir.
const PacFileName = "proxy.pac"

// writePacFile replaces path with script through a temp file so readers never
// see a partial script.
func writePacFile(path, script string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create PAC directory: %w", err)
	}
	if current, err := os.ReadFile(path); err == nil && string(current) == script {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pac-*")
	if err != nil {
		return fmt.Errorf("failed to create temp PAC file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // No-op after a successful rename

	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write PAC file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close PAC file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move PAC file into place: %w", err)
	}
	// Browsers running as other users must be able to read it.
	if err := acl.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("failed to set PAC file permissions: %w", err)
	}
	return nil
}

// FileURL converts an absolute path into a file:// URL, including Windows
// drive paths (C:\x -> file:///C:/x).
func FileURL(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}
